package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

func TestParseInfersResourceTypeFromMostSpecificPath(t *testing.T) {
	q, err := Parse(types.Query{Collection: "people", DocumentID: "42", FieldPath: "name"}, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, types.ResourceField, q.ResourceType)
}

func TestParseRejectsFieldScopeMissingDocumentID(t *testing.T) {
	_, err := Parse(types.Query{Collection: "people", FieldPath: "name"}, DefaultLimits())
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindValidation))
}

func TestParseRejectsDuplicateFieldFilter(t *testing.T) {
	q := types.Query{
		Collection: "people",
		Filters: []types.Filter{
			{Kind: types.FilterField, Field: "age", Op: types.OpGt, Value: 10},
			{Kind: types.FilterField, Field: "age", Op: types.OpLt, Value: 20},
		},
	}
	_, err := Parse(q, DefaultLimits())
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindValidation))
}

func TestParseRejectsSecondCustomFilter(t *testing.T) {
	q := types.Query{
		Collection: "people",
		Filters: []types.Filter{
			{Kind: types.FilterCustom, Evaluator: func(map[string]interface{}) bool { return true }},
			{Kind: types.FilterCustom, Evaluator: func(map[string]interface{}) bool { return true }},
		},
	}
	_, err := Parse(q, DefaultLimits())
	require.Error(t, err)
}

func TestParseRequiresArrayValueForInOp(t *testing.T) {
	q := types.Query{
		Collection: "people",
		Filters:    []types.Filter{{Kind: types.FilterField, Field: "tag", Op: types.OpIn, Value: "not-an-array"}},
	}
	_, err := Parse(q, DefaultLimits())
	require.Error(t, err)
}

func TestParseRejectsUncompilableRegex(t *testing.T) {
	q := types.Query{
		Collection: "people",
		Filters:    []types.Filter{{Kind: types.FilterField, Field: "name", Op: types.OpRegex, Value: "("}},
	}
	_, err := Parse(q, DefaultLimits())
	require.Error(t, err)
}

func TestParseEnforcesBatchAndThrottleBounds(t *testing.T) {
	limits := DefaultLimits()
	_, err := Parse(types.Query{Collection: "people", BatchSize: limits.MaxBatchSize + 1}, limits)
	require.Error(t, err)

	_, err = Parse(types.Query{Collection: "people", ThrottleMs: limits.MaxThrottleMs + 1}, limits)
	require.Error(t, err)
}

func TestParseAssignsStableQueryID(t *testing.T) {
	q1 := types.Query{Collection: "people", Filters: []types.Filter{{Kind: types.FilterField, Field: "age", Op: types.OpEq, Value: 1}}}
	parsed1, err := Parse(q1, DefaultLimits())
	require.NoError(t, err)

	parsed2, err := Parse(q1, DefaultLimits())
	require.NoError(t, err)

	assert.Equal(t, parsed1.QueryID, parsed2.QueryID)
	assert.NotEmpty(t, parsed1.QueryID)
}

func TestOptimizeOrdersFieldBeforeUserBeforeCustom(t *testing.T) {
	q := &types.Query{
		Filters: []types.Filter{
			{Kind: types.FilterCustom, Evaluator: func(map[string]interface{}) bool { return true }},
			{Kind: types.FilterUser, UserField: "role", Op: types.OpEq, Value: "admin"},
			{Kind: types.FilterField, Field: "age", Op: types.OpGt, Value: 1},
		},
	}
	Optimize(q)
	require.Len(t, q.Filters, 3)
	assert.Equal(t, types.FilterField, q.Filters[0].Kind)
	assert.Equal(t, types.FilterUser, q.Filters[1].Kind)
	assert.Equal(t, types.FilterCustom, q.Filters[2].Kind)
}

func TestComplexityScoresDepthAndFilters(t *testing.T) {
	q := &types.Query{
		ResourceType: types.ResourceDocument,
		Filters: []types.Filter{
			{Kind: types.FilterField, Field: "age", Op: types.OpGt, Value: 1},
			{Kind: types.FilterCustom, Evaluator: func(map[string]interface{}) bool { return true }},
		},
	}
	// depth(document)=3 + 2 (field filter) + 2 + 5 (custom filter) = 12
	assert.Equal(t, 12, Complexity(q))
}

func TestAreEquivalentIgnoresFilterOrder(t *testing.T) {
	a := &types.Query{
		Collection: "people",
		Filters: []types.Filter{
			{Kind: types.FilterField, Field: "age", Op: types.OpGt, Value: 1},
			{Kind: types.FilterField, Field: "name", Op: types.OpEq, Value: "x"},
		},
	}
	b := &types.Query{
		Collection: "people",
		Filters: []types.Filter{
			{Kind: types.FilterField, Field: "name", Op: types.OpEq, Value: "x"},
			{Kind: types.FilterField, Field: "age", Op: types.OpGt, Value: 1},
		},
	}
	assert.True(t, AreEquivalent(a, b))
}

func TestAreEquivalentDetectsDifference(t *testing.T) {
	a := &types.Query{Collection: "people"}
	b := &types.Query{Collection: "orders"}
	assert.False(t, AreEquivalent(a, b))
}
