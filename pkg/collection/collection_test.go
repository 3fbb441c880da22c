package collection

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/idgen"
	"github.com/cuemby/docstore/pkg/list"
	"github.com/cuemby/docstore/pkg/storage"
	"github.com/cuemby/docstore/pkg/types"
)

func newTestCollection(t *testing.T, cfg Config) *Collection {
	t.Helper()
	c, err := New(cfg, list.NewMemory(), storage.NewMemoryAdapter(), idgen.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)
	return c
}

// S1 from spec §8.
func TestCollectionBasicInsertAndIndex(t *testing.T) {
	c := newTestCollection(t, Config{
		Name: "people",
		IndexList: []types.IndexDef{
			{Key: "name"},
			{Key: "age", Sparse: true},
		},
	})

	_, _, err := c.Push(map[string]interface{}{"name": "Some", "age": 12})
	require.NoError(t, err)
	_, _, err = c.Push(map[string]interface{}{"name": "Some", "age": 13})
	require.NoError(t, err)
	_, _, err = c.Push(map[string]interface{}{"name": "Another"})
	require.NoError(t, err)

	byName, err := c.FindByIndex("name", "Some")
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	byAge, err := c.FindByIndex("age", 12)
	require.NoError(t, err)
	assert.Len(t, byAge, 1)

	byNull, err := c.FindByIndex("age", nil)
	require.NoError(t, err)
	assert.Empty(t, byNull)
}

// S2 from spec §8.
func TestCollectionUniqueViolation(t *testing.T) {
	c := newTestCollection(t, Config{
		Name:      "people",
		IndexList: []types.IndexDef{{Key: "ssn", Unique: true}},
	})

	_, _, err := c.Push(map[string]interface{}{"ssn": "A"})
	require.NoError(t, err)

	_, _, err = c.Push(map[string]interface{}{"ssn": "A"})
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindUniqueViolation))

	found, err := c.FindByIndex("ssn", "A")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

// S3 from spec §8.
func TestCollectionTTLExpiry(t *testing.T) {
	c := newTestCollection(t, Config{
		Name: "sessions",
		TTL:  100 * time.Millisecond,
	})

	for i := 0; i < 4; i++ {
		_, _, err := c.Push(map[string]interface{}{"n": i})
		require.NoError(t, err)
	}
	assert.Equal(t, 4, c.Len())

	time.Sleep(300 * time.Millisecond)
	// TTL sweep runs on the next write; trigger one.
	_, _, err := c.Push(map[string]interface{}{"n": "trigger"})
	require.NoError(t, err)

	assert.Equal(t, 1, c.Len(), "expired records must be swept, only the trigger insert remains")

	for i := 0; i < 4; i++ {
		_, _, err := c.Push(map[string]interface{}{"n": i})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, c.Len())
}

func TestCollectionAutoPrimaryKey(t *testing.T) {
	c := newTestCollection(t, Config{Name: "items", ID: IDSpec{Auto: true}})

	rec1, _, err := c.Push(map[string]interface{}{"v": 1})
	require.NoError(t, err)
	rec2, _, err := c.Push(map[string]interface{}{"v": 2})
	require.NoError(t, err)

	assert.NotEqual(t, rec1.ID, rec2.ID)
	got, err := c.FindByID(rec1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Data["v"])
}

// An auto id is list.Counter() (pre-increment), never the slot
// list.NextSlot() (post-increment) hands the record, so an auto id is
// always one less than its slot. FindByID must
// still resolve each id to its own record, not whichever record
// happens to occupy the slot with that numeric value.
func TestCollectionFindByIDResolvesCorrectRecordWhenIDNotEqualSlot(t *testing.T) {
	c := newTestCollection(t, Config{Name: "items", ID: IDSpec{Auto: true}})

	rec1, _, err := c.Push(map[string]interface{}{"v": "first"})
	require.NoError(t, err)
	rec2, _, err := c.Push(map[string]interface{}{"v": "second"})
	require.NoError(t, err)

	got1, err := c.FindByID(rec1.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got1.Data["v"])

	got2, err := c.FindByID(rec2.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got2.Data["v"])

	updated, _, err := c.UpdateWithID(rec2.ID, map[string]interface{}{"v": "second-updated"}, true)
	require.NoError(t, err)
	assert.Equal(t, "second-updated", updated.Data["v"])

	stillFirst, err := c.FindByID(rec1.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", stillFirst.Data["v"], "updating rec2 must not mutate rec1")
}

func TestCollectionUpdateWithIDMerge(t *testing.T) {
	c := newTestCollection(t, Config{Name: "people", ID: IDSpec{Auto: true}})

	rec, _, err := c.Push(map[string]interface{}{"name": "Some", "age": 1})
	require.NoError(t, err)

	updated, change, err := c.UpdateWithID(rec.ID, map[string]interface{}{"age": 2}, true)
	require.NoError(t, err)
	assert.Equal(t, "Some", updated.Data["name"])
	assert.Equal(t, 2, updated.Data["age"])
	assert.Contains(t, change.AffectedFields, "age")
}

func TestCollectionUpdateWithIDUniqueViolation(t *testing.T) {
	c := newTestCollection(t, Config{
		Name:      "people",
		ID:        IDSpec{Auto: true},
		IndexList: []types.IndexDef{{Key: "ssn", Unique: true}},
	})

	_, _, err := c.Push(map[string]interface{}{"ssn": "A"})
	require.NoError(t, err)
	rec2, _, err := c.Push(map[string]interface{}{"ssn": "B"})
	require.NoError(t, err)

	_, _, err = c.UpdateWithID(rec2.ID, map[string]interface{}{"ssn": "A"}, true)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindUniqueViolation))
}

func TestCollectionRemoveWithIDIdempotent(t *testing.T) {
	c := newTestCollection(t, Config{Name: "people", ID: IDSpec{Auto: true}})

	rec, _, err := c.Push(map[string]interface{}{"name": "Some"})
	require.NoError(t, err)

	change, err := c.RemoveWithID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OpDelete, change.Operation)

	_, err = c.RemoveWithID(rec.ID)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindNotFound))
}

func TestCollectionAuditTombstoneNotReturnedButNotHardDeleted(t *testing.T) {
	c := newTestCollection(t, Config{
		Name:  "people",
		ID:    IDSpec{Auto: true},
		Audit: AuditConfig{Enabled: true},
	})

	rec, _, err := c.Push(map[string]interface{}{"name": "Some"})
	require.NoError(t, err)

	_, err = c.RemoveWithID(rec.ID)
	require.NoError(t, err)

	_, err = c.FindByID(rec.ID)
	assert.Error(t, err, "tombstoned record must not be returned by FindByID")
}

func TestCollectionWildcardMetaIndex(t *testing.T) {
	wildcard := types.IndexDef{Key: "*"}
	c := newTestCollection(t, Config{
		Name:      "events",
		ID:        IDSpec{Auto: true},
		IndexList: []types.IndexDef{wildcard},
	})

	_, _, err := c.Push(map[string]interface{}{"kind": "login"})
	require.NoError(t, err)
	_, _, err = c.Push(map[string]interface{}{"kind": "login"})
	require.NoError(t, err)

	found, err := c.FindByIndex("kind", "login")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestCollectionSnapshotRestoreRoundTrip(t *testing.T) {
	cfg := Config{Name: "people", ID: IDSpec{Auto: true}, IndexList: []types.IndexDef{{Key: "name"}}}
	c := newTestCollection(t, cfg)

	_, _, err := c.Push(map[string]interface{}{"name": "Some"})
	require.NoError(t, err)
	_, _, err = c.Push(map[string]interface{}{"name": "Another"})
	require.NoError(t, err)

	snap := c.Snapshot()

	c2 := newTestCollection(t, cfg)
	require.NoError(t, c2.Restore(snap))

	assert.Equal(t, c.Len(), c2.Len())
	found, err := c2.FindByIndex("name", "Some")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestCollectionScanFallback(t *testing.T) {
	c := newTestCollection(t, Config{Name: "items", ID: IDSpec{Auto: true}})
	_, _, err := c.Push(map[string]interface{}{"score": 5})
	require.NoError(t, err)
	_, _, err = c.Push(map[string]interface{}{"score": 10})
	require.NoError(t, err)

	found := c.Scan(func(rec *types.Record) bool {
		v, _ := rec.Data["score"].(int)
		return v > 7
	})
	assert.Len(t, found, 1)
}
