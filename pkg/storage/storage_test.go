package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/types"
)

func sampleData() *StoredData {
	return &StoredData{
		ListState: map[int64]*types.Record{
			1: {ID: "a", Data: map[string]interface{}{"name": "Some"}, CreatedAt: time.Now()},
		},
		Counter: 1,
		IDField: "id",
	}
}

func TestMemoryAdapterNeverPersists(t *testing.T) {
	a := NewMemoryAdapter()
	require.NoError(t, a.Store("c1", sampleData()))

	_, ok, err := a.Restore("c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileAdapterStoreRestoreRoundTrip(t *testing.T) {
	a, err := NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, a.Store("c1", sampleData()))

	restored, ok, err := a.Restore("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), restored.Counter)
	assert.Equal(t, "a", restored.ListState[1].ID)
}

func TestFileAdapterRestoreMissingIsNotFound(t *testing.T) {
	a, err := NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	_, ok, err := a.Restore("never-stored")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPerRecordAdapterStoreRestore(t *testing.T) {
	a, err := NewPerRecordAdapter(t.TempDir(), "users")
	require.NoError(t, err)

	require.NoError(t, a.Store("users", sampleData()))

	restored, ok, err := a.Restore("users")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), restored.Counter)
	assert.Equal(t, "a", restored.ListState[1].ID)
}

func TestPerRecordAdapterFineGrainedSetDelete(t *testing.T) {
	a, err := NewPerRecordAdapter(t.TempDir(), "users")
	require.NoError(t, err)

	var fg FineGrained = a
	rec := &types.Record{ID: "x", Data: map[string]interface{}{"name": "X"}}
	require.NoError(t, fg.SetRecord("x", 1, rec, false))

	require.NoError(t, fg.DeleteRecord("x", false))
	restored, ok, err := a.Restore("users")
	require.NoError(t, err)
	if ok {
		_, present := restored.ListState[1]
		assert.False(t, present)
	}
}

func TestPerRecordAdapterAuditTombstone(t *testing.T) {
	a, err := NewPerRecordAdapter(t.TempDir(), "users")
	require.NoError(t, err)

	rec := &types.Record{ID: "x", Data: map[string]interface{}{"name": "X"}}
	require.NoError(t, a.SetRecord("x", 1, rec, true))
	require.NoError(t, a.DeleteRecord("x", true))

	restored, ok, err := a.Restore("users")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, restored.ListState, int64(1))
	assert.NotNil(t, restored.ListState[1].DeletedAt)
}

type fakeMutator struct{ applied []Operation }

func (m *fakeMutator) ApplyOperation(op Operation) error {
	m.applied = append(m.applied, op)
	return nil
}

func TestTransactionalAdapterTwoPhaseCommit(t *testing.T) {
	base, err := NewFileAdapter(t.TempDir())
	require.NoError(t, err)
	txA := Wrap(base)

	require.NoError(t, txA.BeginTransaction("tx1"))
	require.NoError(t, txA.WriteOperation("tx1", Operation{Seq: 1, Kind: OpInsertRecord, Slot: 1}))
	require.NoError(t, txA.WriteOperation("tx1", Operation{Seq: 1, Kind: OpInsertRecord, Slot: 1}), "duplicate seq must be a no-op")

	ops, ok := txA.StagedOps("tx1")
	require.True(t, ok)
	assert.Len(t, ops, 1)

	require.NoError(t, txA.PrepareCommit("tx1", nil))

	m := &fakeMutator{}
	require.NoError(t, txA.FinalizeCommit("tx1", m))
	assert.Len(t, m.applied, 1)

	_, ok = txA.StagedOps("tx1")
	assert.False(t, ok, "staging cleared after finalize")
}

func TestTransactionalAdapterPrepareVeto(t *testing.T) {
	base := NewMemoryAdapter()
	tx := Wrap(base)

	require.NoError(t, tx.BeginTransaction("tx1"))
	vetoErr := assert.AnError
	err := tx.PrepareCommit("tx1", func([]Operation) error { return vetoErr })
	assert.ErrorIs(t, err, vetoErr)
}

func TestTransactionalAdapterRollbackDiscardsStaging(t *testing.T) {
	base := NewMemoryAdapter()
	tx := Wrap(base)

	require.NoError(t, tx.BeginTransaction("tx1"))
	require.NoError(t, tx.WriteOperation("tx1", Operation{Seq: 1, Kind: OpInsertRecord}))
	require.NoError(t, tx.Rollback("tx1"))

	_, ok := tx.StagedOps("tx1")
	assert.False(t, ok)
}
