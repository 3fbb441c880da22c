package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/types"
)

type fakeAuth struct {
	calls   int
	allowed bool
	err     error
}

func (a *fakeAuth) Authorize(req AuthRequest) (bool, error) {
	a.calls++
	return a.allowed, a.err
}

func baseChange() *types.ChangeRecord {
	return &types.ChangeRecord{
		ResourceType: types.ResourceDocument,
		Collection:   "people",
		DocumentID:   "42",
		Operation:    types.OpUpdate,
		Data:         map[string]interface{}{"name": "Some", "age": 30},
		AffectedFields: []string{"age"},
	}
}

func TestEvaluateScopeMismatchRejectsChange(t *testing.T) {
	f := New(nil, nil, nil)
	q := &types.Query{ResourceType: types.ResourceDocument, Collection: "orders", DocumentID: "42"}
	ok, _, err := f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateFieldFilterGT(t *testing.T) {
	f := New(nil, nil, nil)
	q := &types.Query{
		ResourceType: types.ResourceDocument,
		Collection:   "people",
		DocumentID:   "42",
		Filters:      []types.Filter{{Kind: types.FilterField, Field: "age", Op: types.OpGt, Value: 18}},
	}
	ok, data, err := f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Some", data["name"])
}

func TestEvaluateFieldFilterFailsClosesChange(t *testing.T) {
	f := New(nil, nil, nil)
	q := &types.Query{
		ResourceType: types.ResourceDocument,
		Collection:   "people",
		DocumentID:   "42",
		Filters:      []types.Filter{{Kind: types.FilterField, Field: "age", Op: types.OpLt, Value: 18}},
	}
	ok, _, err := f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateUserFilterInSetIntersection(t *testing.T) {
	f := New(nil, nil, nil)
	q := &types.Query{
		ResourceType: types.ResourceDocument,
		Collection:   "people",
		DocumentID:   "42",
		Filters:      []types.Filter{{Kind: types.FilterUser, UserField: "roles", Op: types.OpIn, Value: []interface{}{"admin", "editor"}}},
	}
	user := map[string]interface{}{"roles": []interface{}{"viewer", "admin"}}
	ok, _, err := f.Evaluate(baseChange(), q, "u1", user)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCustomFilter(t *testing.T) {
	f := New(nil, nil, nil)
	q := &types.Query{
		ResourceType: types.ResourceDocument,
		Collection:   "people",
		DocumentID:   "42",
		Filters: []types.Filter{{Kind: types.FilterCustom, Evaluator: func(data map[string]interface{}) bool {
			age, _ := data["age"].(int)
			return age >= 30
		}}},
	}
	ok, _, err := f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateDeniedByAuthorization(t *testing.T) {
	auth := &fakeAuth{allowed: false}
	f := New(auth, nil, nil)
	q := &types.Query{ResourceType: types.ResourceDocument, Collection: "people", DocumentID: "42"}
	ok, _, err := f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, auth.calls)
}

func TestEvaluateCachesAuthorizationDecision(t *testing.T) {
	auth := &fakeAuth{allowed: true}
	cache, err := NewPermissionCache(10, time.Minute)
	require.NoError(t, err)
	f := New(auth, cache, nil)
	q := &types.Query{ResourceType: types.ResourceDocument, Collection: "people", DocumentID: "42"}

	_, _, err = f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)
	_, _, err = f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, auth.calls, "second evaluation must hit the permission cache")
}

func TestEvaluateCacheExpiresByTTL(t *testing.T) {
	auth := &fakeAuth{allowed: true}
	cache, err := NewPermissionCache(10, 10*time.Millisecond)
	require.NoError(t, err)
	f := New(auth, cache, nil)
	q := &types.Query{ResourceType: types.ResourceDocument, Collection: "people", DocumentID: "42"}

	_, _, err = f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, _, err = f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, auth.calls, "expired cache entries must re-invoke authorization")
}

func TestEvaluateFieldStripperCustomizesDelivered(t *testing.T) {
	stripper := func(userID string, change *types.ChangeRecord) map[string]interface{} {
		out := make(map[string]interface{})
		for k, v := range change.Data {
			if k != "age" {
				out[k] = v
			}
		}
		return out
	}
	f := New(nil, nil, stripper)
	q := &types.Query{ResourceType: types.ResourceDocument, Collection: "people", DocumentID: "42"}
	_, data, err := f.Evaluate(baseChange(), q, "u1", nil)
	require.NoError(t, err)
	_, hasAge := data["age"]
	assert.False(t, hasAge)
}
