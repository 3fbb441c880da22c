package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

func TestIndexBasicInsertLookup(t *testing.T) {
	ix := New(types.IndexDef{Key: "name"})
	require.NoError(t, ix.Ensure())

	require.NoError(t, ix.OnInsert("1", "Some"))
	require.NoError(t, ix.OnInsert("2", "Some"))
	require.NoError(t, ix.OnInsert("3", "Another"))

	assert.ElementsMatch(t, []string{"1", "2"}, ix.Lookup("Some"))
	assert.ElementsMatch(t, []string{"3"}, ix.Lookup("Another"))
}

func TestIndexSparseSkipsNull(t *testing.T) {
	ix := New(types.IndexDef{Key: "age", Sparse: true})
	require.NoError(t, ix.OnInsert("1", nil))
	assert.Equal(t, 0, ix.Len())
	assert.Empty(t, ix.Lookup(nil))
}

func TestIndexRequiredRejectsNull(t *testing.T) {
	ix := New(types.IndexDef{Key: "ssn", Required: true})
	err := ix.OnInsert("1", nil)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindRequiredViolation))
}

func TestIndexUniqueViolation(t *testing.T) {
	ix := New(types.IndexDef{Key: "ssn", Unique: true})
	require.NoError(t, ix.OnInsert("1", "A"))

	err := ix.OnInsert("2", "A")
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindUniqueViolation))

	assert.ElementsMatch(t, []string{"1"}, ix.Lookup("A"))
}

func TestIndexIgnoreCase(t *testing.T) {
	ix := New(types.IndexDef{Key: "email", IgnoreCase: true})
	require.NoError(t, ix.OnInsert("1", "Foo@Bar.com"))
	assert.ElementsMatch(t, []string{"1"}, ix.Lookup("foo@bar.com"))
}

func TestIndexUpdateMovesEntry(t *testing.T) {
	ix := New(types.IndexDef{Key: "status"})
	require.NoError(t, ix.OnInsert("1", "active"))
	require.NoError(t, ix.OnUpdate("1", "active", "inactive"))

	assert.Empty(t, ix.Lookup("active"))
	assert.ElementsMatch(t, []string{"1"}, ix.Lookup("inactive"))
}

func TestIndexUpdateNoopWhenUnchanged(t *testing.T) {
	ix := New(types.IndexDef{Key: "status", Unique: true})
	require.NoError(t, ix.OnInsert("1", "active"))
	require.NoError(t, ix.OnUpdate("1", "active", "active"))
	assert.ElementsMatch(t, []string{"1"}, ix.Lookup("active"))
}

func TestIndexRemoveNonUniqueSelectsMatchingPK(t *testing.T) {
	ix := New(types.IndexDef{Key: "name"})
	require.NoError(t, ix.OnInsert("1", "Some"))
	require.NoError(t, ix.OnInsert("2", "Some"))

	require.NoError(t, ix.OnRemove("1", "Some"))
	assert.ElementsMatch(t, []string{"2"}, ix.Lookup("Some"))
}

func TestIndexRangeForTTLSweep(t *testing.T) {
	ix := New(types.IndexDef{Key: "ttl"})
	require.NoError(t, ix.OnInsert("1", int64(100)))
	require.NoError(t, ix.OnInsert("2", int64(200)))
	require.NoError(t, ix.OnInsert("3", int64(300)))

	assert.ElementsMatch(t, []string{"1", "2"}, ix.Range(int64(250)))
}

func TestIndexRebuildScansRecords(t *testing.T) {
	ix := New(types.IndexDef{Key: "name"})
	require.NoError(t, ix.OnInsert("stale", "Ghost"))

	data := map[string]interface{}{"1": "Some", "2": "Another"}
	require.NoError(t, ix.Rebuild(func(yield func(pk string, value interface{}) bool) {
		for pk, v := range data {
			if !yield(pk, v) {
				return
			}
		}
	}))

	assert.Empty(t, ix.Lookup("Ghost"))
	assert.ElementsMatch(t, []string{"1"}, ix.Lookup("Some"))
}

func TestIndexProcessHook(t *testing.T) {
	ix := New(types.IndexDef{Key: "score", Process: func(v interface{}) interface{} {
		if n, ok := v.(int); ok {
			return n * 2
		}
		return v
	}})
	require.NoError(t, ix.OnInsert("1", 5))
	assert.ElementsMatch(t, []string{"1"}, ix.Lookup(5))
}
