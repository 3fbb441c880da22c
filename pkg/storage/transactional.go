package storage

import (
	"sync"

	"github.com/cuemby/docstore/pkg/dberr"
)

type txnStaging struct {
	ops      []Operation
	seen     map[uint64]bool
	prepared bool
}

// TransactionalAdapter wraps any base Adapter with the per-transaction
// staging area and prepare/finalize/rollback phases the transaction
// manager drives during two-phase commit (spec §4.2, C6). It never
// holds a reference to the owning collection; FinalizeCommit accepts a
// Mutator for the duration of one call instead.
type TransactionalAdapter struct {
	base Adapter

	mu      sync.Mutex
	staging map[string]*txnStaging
}

// Wrap constructs a TransactionalAdapter over base.
func Wrap(base Adapter) *TransactionalAdapter {
	return &TransactionalAdapter{base: base, staging: make(map[string]*txnStaging)}
}

func (t *TransactionalAdapter) Kind() Kind { return KindTransactional }

func (t *TransactionalAdapter) Restore(name string) (*StoredData, bool, error) {
	return t.base.Restore(name)
}

func (t *TransactionalAdapter) Store(name string, data *StoredData) error {
	return t.base.Store(name, data)
}

func (t *TransactionalAdapter) Clone() Adapter {
	return Wrap(t.base.Clone())
}

// Base returns the wrapped adapter, for callers that need the concrete
// kind (e.g. to type-assert for FineGrained).
func (t *TransactionalAdapter) Base() Adapter { return t.base }

// BeginTransaction allocates a staging area for txID.
func (t *TransactionalAdapter) BeginTransaction(txID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.staging[txID]; exists {
		return dberr.New(dberr.KindValidation, "storage.BeginTransaction", txID)
	}
	t.staging[txID] = &txnStaging{seen: make(map[uint64]bool)}
	return nil
}

// WriteOperation appends op to txID's staging area. Re-writing an
// operation with a Seq already staged is a no-op, making replay
// idempotent (spec §4.2).
func (t *TransactionalAdapter) WriteOperation(txID string, op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.staging[txID]
	if !ok {
		return dberr.New(dberr.KindNotFound, "storage.WriteOperation", txID)
	}
	if op.Seq != 0 && st.seen[op.Seq] {
		return nil
	}
	st.ops = append(st.ops, op)
	if op.Seq != 0 {
		st.seen[op.Seq] = true
	}
	return nil
}

// PrepareCommit runs validate over the staged operations and marks the
// transaction prepared if it returns nil. A non-nil return is a veto —
// the caller (transaction manager) must then roll back.
func (t *TransactionalAdapter) PrepareCommit(txID string, validate func([]Operation) error) error {
	t.mu.Lock()
	st, ok := t.staging[txID]
	t.mu.Unlock()
	if !ok {
		return dberr.New(dberr.KindNotFound, "storage.PrepareCommit", txID)
	}
	if validate != nil {
		if err := validate(st.ops); err != nil {
			return err
		}
	}
	t.mu.Lock()
	st.prepared = true
	t.mu.Unlock()
	return nil
}

// FinalizeCommit applies every staged operation to m in order, then
// discards the staging area. Once COMMIT is durable in the WAL the
// transaction is considered committed even if this call fails partway —
// recovery replay will reapply the remaining operations idempotently.
func (t *TransactionalAdapter) FinalizeCommit(txID string, m Mutator) error {
	t.mu.Lock()
	st, ok := t.staging[txID]
	t.mu.Unlock()
	if !ok {
		return dberr.New(dberr.KindNotFound, "storage.FinalizeCommit", txID)
	}

	for _, op := range st.ops {
		if err := m.ApplyOperation(op); err != nil {
			return dberr.Wrap(dberr.KindAdapterIoError, "storage.FinalizeCommit", txID, err)
		}
	}

	t.mu.Lock()
	delete(t.staging, txID)
	t.mu.Unlock()
	return nil
}

// Rollback discards txID's staged changes without applying them.
func (t *TransactionalAdapter) Rollback(txID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.staging, txID)
	return nil
}

// StoreInTransaction persists data under a transaction-scoped name,
// visible only to callers that know the scoped name (spec §4.2).
func (t *TransactionalAdapter) StoreInTransaction(txID, name string, data *StoredData) error {
	return t.base.Store(name+"@"+txID, data)
}

// StagedOps returns a copy of the currently staged operations for txID,
// for tests and inspection; recovery replays from the WAL instead.
func (t *TransactionalAdapter) StagedOps(txID string) ([]Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.staging[txID]
	if !ok {
		return nil, false
	}
	out := make([]Operation, len(st.ops))
	copy(out, st.ops)
	return out, true
}
