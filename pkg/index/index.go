// Package index implements the secondary B+tree index (C3): an ordered
// map from an indexed field's value to the primary key(s) of matching
// records, with unique/sparse/required/ignoreCase/process modes and a
// uniform maintenance trait the collection engine iterates over instead
// of the per-index closure arrays the source used (spec §9).
package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/btree"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

const degree = 32

// entry is one (value, primary-key) pair stored in the tree. Ordering is
// by value first, primary key second, so a non-unique index naturally
// groups all entries for one value together.
type entry struct {
	key   interface{}
	pk    string
	pkRaw interface{}
}

func less(a, b entry) bool {
	c := compare(a.key, b.key)
	if c != 0 {
		return c < 0
	}
	return a.pk < b.pk
}

// compare orders arbitrary index values: nil sorts first; two numerics
// compare numerically (normalized to float64); two bools order false
// before true; any other pair, including values of different kinds,
// falls back to comparing their string forms.
func compare(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			if ab == bb {
				return 0
			}
			if !ab {
				return -1
			}
			return 1
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Maintainer is the uniform trait every index exposes, parameterized by
// the index kind (unique/sparse/required/ignoreCase/auto) rather than by
// a distinct type per kind. The collection engine holds a slice of these.
type Maintainer interface {
	Definition() types.IndexDef
	OnInsert(pk string, value interface{}) error
	OnUpdate(pk string, oldValue, newValue interface{}) error
	OnRemove(pk string, value interface{}) error
	Ensure() error
	Rebuild(records func(yield func(pk string, value interface{}) bool)) error
	Lookup(value interface{}) []string
	// Range returns primary keys whose value is < bound, ascending. Used
	// by the TTL sweeper to walk the ttl index up to now-ttl.
	Range(bound interface{}) []string
}

// Index is the concrete B+tree-backed Maintainer.
type Index struct {
	def  types.IndexDef
	tree *btree.BTreeG[entry]
}

// New constructs an Index from a definition. The tree starts empty;
// Ensure materializes it (a no-op beyond that, kept for interface parity
// with adapters whose Ensure does real I/O).
func New(def types.IndexDef) *Index {
	return &Index{def: def, tree: btree.NewG(degree, less)}
}

func (ix *Index) Definition() types.IndexDef { return ix.def }

func (ix *Index) Ensure() error {
	if ix.tree == nil {
		ix.tree = btree.NewG(degree, less)
	}
	return nil
}

// resolve applies the index's process hook and ignoreCase fold, then
// validates required/sparse/unique. skip=true means the value must not
// be inserted (sparse null) without that being an error.
func (ix *Index) resolve(value interface{}, forInsert bool) (resolved interface{}, skip bool, err error) {
	if ix.def.Process != nil {
		value = ix.def.Process(value)
	}
	if s, ok := value.(string); ok && ix.def.IgnoreCase {
		value = strings.ToLower(s)
	}
	if value == nil {
		if ix.def.Required {
			return nil, false, dberr.New(dberr.KindRequiredViolation, "index.resolve", ix.def.Key)
		}
		if ix.def.Sparse {
			return nil, true, nil
		}
		return nil, false, nil
	}
	if forInsert && ix.def.Unique {
		if existing := ix.Lookup(value); len(existing) > 0 {
			return value, false, dberr.New(dberr.KindUniqueViolation, "index.resolve", ix.def.Key)
		}
	}
	return value, false, nil
}

// PreviewResolve runs the resolve/validate step (process, ignoreCase,
// required/sparse/unique checks) without mutating the tree, so a caller
// can validate every index ahead of any list or index mutation and fail
// with no partial state (spec §4.1 step 6).
func (ix *Index) PreviewResolve(value interface{}) (interface{}, bool, error) {
	return ix.resolve(value, true)
}

func (ix *Index) OnInsert(pk string, value interface{}) error {
	resolved, skip, err := ix.resolve(value, true)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	ix.tree.ReplaceOrInsert(entry{key: resolved, pk: pk, pkRaw: pk})
	return nil
}

func (ix *Index) OnUpdate(pk string, oldValue, newValue interface{}) error {
	oldResolved, oldSkip, _ := ix.resolve(oldValue, false)
	newResolved, newSkip, err := ix.resolve(newValue, false)
	if err != nil {
		return err
	}
	if !oldSkip && compare(oldResolved, newResolved) == 0 && !newSkip {
		return nil
	}
	if !newSkip && newResolved != nil && ix.def.Unique {
		for _, other := range ix.Lookup(newValue) {
			if other != pk {
				return dberr.New(dberr.KindUniqueViolation, "index.OnUpdate", ix.def.Key)
			}
		}
	}
	if !oldSkip {
		ix.tree.Delete(entry{key: oldResolved, pk: pk})
	}
	if !newSkip {
		ix.tree.ReplaceOrInsert(entry{key: newResolved, pk: pk, pkRaw: pk})
	}
	return nil
}

func (ix *Index) OnRemove(pk string, value interface{}) error {
	resolved, skip, _ := ix.resolve(value, false)
	if skip {
		return nil
	}
	ix.tree.Delete(entry{key: resolved, pk: pk})
	return nil
}

func (ix *Index) Lookup(value interface{}) []string {
	resolved := value
	if ix.def.Process != nil {
		resolved = ix.def.Process(resolved)
	}
	if s, ok := resolved.(string); ok && ix.def.IgnoreCase {
		resolved = strings.ToLower(s)
	}
	var pks []string
	ix.tree.AscendGreaterOrEqual(entry{key: resolved, pk: ""}, func(e entry) bool {
		if compare(e.key, resolved) != 0 {
			return false
		}
		pks = append(pks, e.pk)
		return true
	})
	return pks
}

func (ix *Index) Range(bound interface{}) []string {
	var pks []string
	ix.tree.Ascend(func(e entry) bool {
		if compare(e.key, bound) >= 0 {
			return false
		}
		pks = append(pks, e.pk)
		return true
	})
	return pks
}

// Rebuild clears the tree and reinserts by scanning records, never by
// deserializing a live tree (spec §4.1 log rotation rule).
func (ix *Index) Rebuild(records func(yield func(pk string, value interface{}) bool)) error {
	ix.tree = btree.NewG(degree, less)
	var rebuildErr error
	records(func(pk string, value interface{}) bool {
		if err := ix.OnInsert(pk, value); err != nil {
			rebuildErr = err
			return false
		}
		return true
	})
	return rebuildErr
}

// Len reports the number of entries currently indexed.
func (ix *Index) Len() int { return ix.tree.Len() }

// Keys returns all distinct indexed values in ascending order, primarily
// for tests and debug inspection.
func (ix *Index) Keys() []interface{} {
	seen := make(map[string]struct{})
	var out []interface{}
	ix.tree.Ascend(func(e entry) bool {
		k := fmt.Sprint(e.key)
		if _, ok := seen[k]; ok {
			return true
		}
		seen[k] = struct{}{}
		out = append(out, e.key)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return compare(out[i], out[j]) < 0 })
	return out
}
