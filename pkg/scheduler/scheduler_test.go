package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/collection"
	"github.com/cuemby/docstore/pkg/idgen"
	"github.com/cuemby/docstore/pkg/list"
	"github.com/cuemby/docstore/pkg/monitor"
	"github.com/cuemby/docstore/pkg/storage"
	"github.com/cuemby/docstore/pkg/txn"
	"github.com/cuemby/docstore/pkg/wal"
)

type harness struct {
	mgr      *txn.Manager
	coll     *collection.Collection
	registry *txn.CheckpointRegistry
}

func newHarness(t *testing.T, checkpointEvery int) *harness {
	t.Helper()
	w, err := wal.Open(wal.Config{
		Path:                      filepath.Join(t.TempDir(), "test.wal"),
		CheckpointIntervalEntries: checkpointEvery,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	c, err := collection.New(collection.Config{Name: "people", ID: collection.IDSpec{Auto: true}},
		list.NewMemory(), storage.NewMemoryAdapter(), idgen.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)

	adapter := storage.Wrap(storage.NewMemoryAdapter())
	mgr := txn.NewManager(w, zerolog.Nop())
	mgr.Register(txn.Participant{Name: "people", Adapter: adapter, Mutator: c, Validate: c.ValidateOperations})

	regPath := filepath.Join(t.TempDir(), "checkpoints.db")
	reg, err := txn.OpenCheckpointRegistry(regPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	return &harness{mgr: mgr, coll: c, registry: reg}
}

func (h *harness) commitOneInsert(t *testing.T) {
	t.Helper()
	txID, err := h.mgr.Begin(txn.BeginOptions{Timeout: time.Minute})
	require.NoError(t, err)
	_, op, err := h.coll.PrepareInsert(map[string]interface{}{"name": "Some"})
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteOperation(txID, "people", op))
	require.NoError(t, h.mgr.Commit(txID))
}

func TestRunOnceSkipsWhenNotDue(t *testing.T) {
	h := newHarness(t, 100)
	h.commitOneInsert(t)

	c := New(h.mgr, h.registry, time.Hour, nil)
	require.NoError(t, c.RunOnce())

	_, found, err := h.registry.Last("people")
	require.NoError(t, err)
	assert.False(t, found, "checkpoint should not have run")
}

func TestRunOnceCheckpointsAndTruncatesWhenDue(t *testing.T) {
	h := newHarness(t, 1)
	h.commitOneInsert(t)

	m := monitor.New(zerolog.Nop())
	c := New(h.mgr, h.registry, time.Hour, m)
	require.NoError(t, c.RunOnce())

	_, found, err := h.registry.Last("people")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCheckpointLoopRunsOnTicker(t *testing.T) {
	h := newHarness(t, 1)
	h.commitOneInsert(t)

	c := New(h.mgr, h.registry, 10*time.Millisecond, nil)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		_, found, err := h.registry.Last("people")
		return err == nil && found
	}, time.Second, 5*time.Millisecond)
}
