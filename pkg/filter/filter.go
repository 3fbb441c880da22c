// Package filter implements the change filter (C10): scope matching
// against a parsed subscription query, per-filter-kind evaluation, a
// permission check through an injected Authorization capability backed
// by a TTL+LRU cache, and a field-stripping hook placeholder.
package filter

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/docstore/pkg/types"
)

// AuthRequest is the capability call the spec names: {type, database,
// collection, document_id, data}, action="read" (spec §4.5 C10 step 3).
type AuthRequest struct {
	Type       types.ResourceType
	Database   string
	Collection string
	DocumentID string
	Data       map[string]interface{}
	Action     string
}

// Authorization is the injected permission capability. Implementations
// are host-provided; this package never assumes a specific auth model.
type Authorization interface {
	Authorize(req AuthRequest) (bool, error)
}

// FieldStripper optionally removes disallowed fields from a change's
// data before delivery. The spec calls this a placeholder hook that
// implementers must provide even under a permissive default policy.
type FieldStripper func(userID string, change *types.ChangeRecord) map[string]interface{}

// permissiveStripper is the default FieldStripper: it returns data
// unchanged, implementing the "initial policy is permissive" default.
func permissiveStripper(_ string, change *types.ChangeRecord) map[string]interface{} {
	return change.Data
}

type cacheKey struct {
	userID     string
	collection string
	documentID string
	action     string
	operation  types.Operation
}

type cacheEntry struct {
	allowed bool
	expires time.Time
}

// PermissionCache is a size-bounded, TTL-expiring cache of authorization
// decisions keyed by (user_id, collection, document_id, operation)
// (spec §4.5 C10 step 3).
type PermissionCache struct {
	ttl   time.Duration
	mu    sync.Mutex
	cache *lru.Cache
}

// NewPermissionCache constructs a cache holding up to maxSize decisions,
// each valid for ttl.
func NewPermissionCache(maxSize int, ttl time.Duration) (*PermissionCache, error) {
	c, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &PermissionCache{ttl: ttl, cache: c}, nil
}

func (pc *PermissionCache) get(key cacheKey) (bool, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	v, ok := pc.cache.Get(key)
	if !ok {
		return false, false
	}
	entry := v.(cacheEntry)
	if time.Now().After(entry.expires) {
		pc.cache.Remove(key)
		return false, false
	}
	return entry.allowed, true
}

func (pc *PermissionCache) put(key cacheKey, allowed bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.cache.Add(key, cacheEntry{allowed: allowed, expires: time.Now().Add(pc.ttl)})
}

// Filter is the change-filter engine (C10).
type Filter struct {
	auth    Authorization
	cache   *PermissionCache
	stripper FieldStripper
}

// New constructs a Filter. cache may be nil to disable permission
// caching; stripper may be nil to use the permissive default.
func New(auth Authorization, cache *PermissionCache, stripper FieldStripper) *Filter {
	if stripper == nil {
		stripper = permissiveStripper
	}
	return &Filter{auth: auth, cache: cache, stripper: stripper}
}

// Evaluate applies the full C10 pipeline: scope match, per-filter
// evaluation, then a cached permission check. It returns whether the
// change passes, and the (possibly field-stripped) data to deliver.
func (f *Filter) Evaluate(change *types.ChangeRecord, q *types.Query, userID string, user map[string]interface{}) (bool, map[string]interface{}, error) {
	if !scopeMatches(change, q) {
		return false, nil, nil
	}
	for _, flt := range q.Filters {
		ok, err := evaluateFilter(flt, change, user)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, nil, nil
		}
	}

	allowed, err := f.authorize(change, userID)
	if err != nil {
		return false, nil, err
	}
	if !allowed {
		return false, nil, nil
	}

	return true, f.stripper(userID, change), nil
}

func (f *Filter) authorize(change *types.ChangeRecord, userID string) (bool, error) {
	if f.auth == nil {
		return true, nil
	}
	documentID := toString(change.DocumentID)
	key := cacheKey{userID: userID, collection: change.Collection, documentID: documentID, action: "read", operation: change.Operation}

	if f.cache != nil {
		if allowed, hit := f.cache.get(key); hit {
			return allowed, nil
		}
	}

	allowed, err := f.auth.Authorize(AuthRequest{
		Type:       change.ResourceType,
		Database:   change.Database,
		Collection: change.Collection,
		DocumentID: documentID,
		Data:       change.Data,
		Action:     "read",
	})
	if err != nil {
		return false, err
	}
	if f.cache != nil {
		f.cache.put(key, allowed)
	}
	return allowed, nil
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// scopeMatches compares resource_type, database, collection,
// document_id, and (for field-scoped queries) that affected_fields
// contains field_path (spec §4.5 C10 step 1).
func scopeMatches(change *types.ChangeRecord, q *types.Query) bool {
	if q.ResourceType != "" && change.ResourceType != q.ResourceType {
		return false
	}
	if q.Database != "" && change.Database != q.Database {
		return false
	}
	if q.Collection != "" && change.Collection != q.Collection {
		return false
	}
	if q.DocumentID != "" && toString(change.DocumentID) != q.DocumentID {
		return false
	}
	if q.ResourceType == types.ResourceField && q.FieldPath != "" {
		found := false
		for _, af := range change.AffectedFields {
			if af == q.FieldPath {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func evaluateFilter(f types.Filter, change *types.ChangeRecord, user map[string]interface{}) (bool, error) {
	switch f.Kind {
	case types.FilterField:
		return compareOp(getDotted(change.Data, f.Field), f.Op, f.Value, f.CaseSensitive)
	case types.FilterUser:
		return compareOp(getDotted(user, f.UserField), f.Op, f.Value, true)
	case types.FilterCustom:
		if f.Evaluator == nil {
			return true, nil
		}
		return f.Evaluator(change.Data), nil
	default:
		return false, nil
	}
}

func getDotted(data map[string]interface{}, path string) interface{} {
	if data == nil || path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func compareOp(actual interface{}, op types.FilterOp, expected interface{}, caseSensitive bool) (bool, error) {
	switch op {
	case types.OpEq:
		return equalValues(actual, expected, caseSensitive), nil
	case types.OpNe:
		return !equalValues(actual, expected, caseSensitive), nil
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		return compareOrdered(actual, expected, op)
	case types.OpIn:
		return inSet(actual, expected, caseSensitive), nil
	case types.OpNin:
		return !inSet(actual, expected, caseSensitive), nil
	case types.OpRegex:
		pattern, ok := expected.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		s, _ := actual.(string)
		return re.MatchString(s), nil
	default:
		return false, nil
	}
}

func equalValues(a, b interface{}, caseSensitive bool) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok && !caseSensitive {
		return strings.EqualFold(as, bs)
	}
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(a, b interface{}, op types.FilterOp) (bool, error) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false, nil
	}
	switch op {
	case types.OpGt:
		return af > bf, nil
	case types.OpGte:
		return af >= bf, nil
	case types.OpLt:
		return af < bf, nil
	case types.OpLte:
		return af <= bf, nil
	}
	return false, nil
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

// inSet implements array-valued in/nin, including set intersection
// semantics when actual is itself array-valued (spec §4.5 C10 step 2:
// "array-valued user fields with in/nin use set intersection/disjointness").
func inSet(actual, expected interface{}, caseSensitive bool) bool {
	items := toSlice(expected)
	if actualSlice, ok := toSliceOK(actual); ok {
		for _, a := range actualSlice {
			for _, e := range items {
				if equalValues(a, e, caseSensitive) {
					return true
				}
			}
		}
		return false
	}
	for _, e := range items {
		if equalValues(actual, e, caseSensitive) {
			return true
		}
	}
	return false
}

func toSlice(v interface{}) []interface{} {
	s, _ := toSliceOK(v)
	return s
}

func toSliceOK(v interface{}) ([]interface{}, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
