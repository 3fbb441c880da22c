// Package query implements the subscription query parser (C9):
// validation, a stable structural query_id, equivalence comparison,
// complexity scoring, and filter reordering for cheapest-first
// evaluation.
package query

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

// Limits bounds the shape of an acceptable query (spec §4.5 validation
// rules), configured per deployment.
type Limits struct {
	MaxFilters       int
	MaxBatchSize     int
	MaxThrottleMs    int
	AllowCustomFilter bool
}

// DefaultLimits mirrors reasonable defaults for an embedded deployment.
func DefaultLimits() Limits {
	return Limits{MaxFilters: 20, MaxBatchSize: 500, MaxThrottleMs: 60_000, AllowCustomFilter: true}
}

// Parse validates raw against limits, infers resource_type when absent,
// reorders filters cheapest-first, and assigns a stable QueryID. It
// fails fast on the first violated rule (spec §4.5).
func Parse(raw types.Query, limits Limits) (*types.Query, error) {
	q := raw
	q.Filters = append([]types.Filter(nil), raw.Filters...)

	if q.ResourceType == "" {
		q.ResourceType = inferResourceType(q)
	}

	if err := validateScope(q); err != nil {
		return nil, err
	}
	if err := validateFilters(q.Filters, limits); err != nil {
		return nil, err
	}
	if q.BatchSize != 0 && (q.BatchSize < 1 || q.BatchSize > limits.MaxBatchSize) {
		return nil, dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("batch_size out of range [1,%d]", limits.MaxBatchSize))
	}
	if q.ThrottleMs < 0 || q.ThrottleMs > limits.MaxThrottleMs {
		return nil, dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("throttle_ms out of range [0,%d]", limits.MaxThrottleMs))
	}

	Optimize(&q)
	q.QueryID = structuralHash(q)
	return &q, nil
}

func inferResourceType(q types.Query) types.ResourceType {
	switch {
	case q.FieldPath != "":
		return types.ResourceField
	case q.DocumentID != "":
		return types.ResourceDocument
	case q.Collection != "":
		return types.ResourceCollection
	default:
		return types.ResourceDatabase
	}
}

func validateScope(q types.Query) error {
	switch q.ResourceType {
	case types.ResourceField:
		if q.Collection == "" || q.DocumentID == "" || q.FieldPath == "" {
			return dberr.New(dberr.KindValidation, "query.Parse", "field-scoped query requires collection, document_id and field_path")
		}
	case types.ResourceDocument:
		if q.Collection == "" || q.DocumentID == "" {
			return dberr.New(dberr.KindValidation, "query.Parse", "document-scoped query requires collection and document_id")
		}
	case types.ResourceCollection:
		if q.Collection == "" {
			return dberr.New(dberr.KindValidation, "query.Parse", "collection-scoped query requires collection")
		}
	case types.ResourceDatabase:
		// no further requirement
	default:
		return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("unknown resource_type %q", q.ResourceType))
	}
	return nil
}

func validateFilters(filters []types.Filter, limits Limits) error {
	if len(filters) > limits.MaxFilters {
		return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("filter count exceeds max_filters (%d)", limits.MaxFilters))
	}

	seenFields := make(map[string]bool)
	customCount := 0
	for _, f := range filters {
		switch f.Kind {
		case types.FilterField:
			if seenFields[f.Field] {
				return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("duplicate field filter on %q", f.Field))
			}
			seenFields[f.Field] = true
			if err := validateOp(f); err != nil {
				return err
			}
		case types.FilterUser:
			if err := validateUserOp(f); err != nil {
				return err
			}
		case types.FilterCustom:
			if !limits.AllowCustomFilter {
				return dberr.New(dberr.KindValidation, "query.Parse", "custom filters are disabled")
			}
			if f.Evaluator == nil {
				return dberr.New(dberr.KindValidation, "query.Parse", "custom filter requires an evaluator")
			}
			customCount++
			if customCount > 1 {
				return dberr.New(dberr.KindValidation, "query.Parse", "at most one custom filter per subscription")
			}
		default:
			return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("unknown filter kind %q", f.Kind))
		}
	}
	return nil
}

func validateOp(f types.Filter) error {
	switch f.Op {
	case types.OpIn, types.OpNin:
		if !isArray(f.Value) {
			return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("%s filter on %q requires an array value", f.Op, f.Field))
		}
	case types.OpRegex:
		pattern, ok := f.Value.(string)
		if !ok {
			return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("regex filter on %q requires a string pattern", f.Field))
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return dberr.Wrap(dberr.KindValidation, "query.Parse", fmt.Sprintf("regex filter on %q", f.Field), err)
		}
	case types.OpEq, types.OpNe, types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		// value is opaque to the parser; evaluated by pkg/filter.
	default:
		return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("unknown op %q on %q", f.Op, f.Field))
	}
	return nil
}

func validateUserOp(f types.Filter) error {
	switch f.Op {
	case types.OpEq, types.OpNe:
	case types.OpIn, types.OpNin:
		if !isArray(f.Value) {
			return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("%s user filter on %q requires an array value", f.Op, f.UserField))
		}
	default:
		return dberr.New(dberr.KindValidation, "query.Parse", fmt.Sprintf("unsupported user filter op %q", f.Op))
	}
	return nil
}

func isArray(v interface{}) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
}

// filterRank orders filters cheapest-first: field < user < custom
// (spec §4.5 optimize()).
func filterRank(k types.FilterKind) int {
	switch k {
	case types.FilterField:
		return 0
	case types.FilterUser:
		return 1
	case types.FilterCustom:
		return 2
	default:
		return 3
	}
}

// Optimize reorders q.Filters cheapest-first in place, stable within
// each rank so filter evaluation order is otherwise preserved.
func Optimize(q *types.Query) {
	sort.SliceStable(q.Filters, func(i, j int) bool {
		return filterRank(q.Filters[i].Kind) < filterRank(q.Filters[j].Kind)
	})
}

// Complexity scores a query: resource-type depth plus 2 per filter
// plus 5 per custom filter (spec §4.5).
func Complexity(q *types.Query) int {
	score := resourceDepth(q.ResourceType)
	for _, f := range q.Filters {
		score += 2
		if f.Kind == types.FilterCustom {
			score += 5
		}
	}
	return score
}

func resourceDepth(rt types.ResourceType) int {
	switch rt {
	case types.ResourceDatabase:
		return 1
	case types.ResourceCollection:
		return 2
	case types.ResourceDocument:
		return 3
	case types.ResourceField:
		return 4
	default:
		return 0
	}
}

// AreEquivalent compares two queries by every semantic field (spec
// §4.5 are_equivalent) — QueryID is derived from these same fields, so
// two equivalent queries always share a QueryID and vice versa.
func AreEquivalent(a, b *types.Query) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ResourceType != b.ResourceType || a.Database != b.Database || a.Collection != b.Collection ||
		a.DocumentID != b.DocumentID || a.FieldPath != b.FieldPath ||
		a.IncludeInitialData != b.IncludeInitialData || a.IncludeMetadata != b.IncludeMetadata ||
		a.BatchSize != b.BatchSize || a.ThrottleMs != b.ThrottleMs {
		return false
	}
	if len(a.Filters) != len(b.Filters) {
		return false
	}
	af := append([]types.Filter(nil), a.Filters...)
	bf := append([]types.Filter(nil), b.Filters...)
	sortFiltersCanonical(af)
	sortFiltersCanonical(bf)
	for i := range af {
		if !filtersEqual(af[i], bf[i]) {
			return false
		}
	}
	return true
}

func sortFiltersCanonical(filters []types.Filter) {
	sort.Slice(filters, func(i, j int) bool { return canonicalFilterString(filters[i]) < canonicalFilterString(filters[j]) })
}

func filtersEqual(a, b types.Filter) bool {
	return canonicalFilterString(a) == canonicalFilterString(b)
}

// canonicalFilterString renders a filter as a deterministic string for
// hashing and equivalence comparison.
func canonicalFilterString(f types.Filter) string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	b.WriteByte('|')
	b.WriteString(f.Field)
	b.WriteByte('|')
	b.WriteString(f.UserField)
	b.WriteByte('|')
	b.WriteString(string(f.Op))
	b.WriteByte('|')
	b.WriteString(fmt.Sprint(f.Value))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(f.CaseSensitive))
	return b.String()
}

// structuralHash computes a stable query_id from every semantic field,
// over the filters in canonical order, so two filter-order variants of
// an otherwise identical query share a hash.
func structuralHash(q types.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%t|%t|%d|%d", q.ResourceType, q.Database, q.Collection, q.DocumentID, q.FieldPath,
		q.IncludeInitialData, q.IncludeMetadata, q.BatchSize, q.ThrottleMs)
	filters := append([]types.Filter(nil), q.Filters...)
	sortFiltersCanonical(filters)
	for _, f := range filters {
		b.WriteByte(';')
		b.WriteString(canonicalFilterString(f))
	}
	sum := xxhash.Sum64String(b.String())
	return strconv.FormatUint(sum, 16)
}
