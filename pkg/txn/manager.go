// Package txn implements the transaction manager (C8): begin/commit/
// rollback, two-phase commit across registered transactional adapters,
// timeout sweeping with post-PREPARE immunity, checkpointing, and WAL
// replay recovery with presumed-abort semantics.
package txn

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/storage"
	"github.com/cuemby/docstore/pkg/types"
	"github.com/cuemby/docstore/pkg/wal"
)

// Participant is one collection registered with the manager: its
// transactional adapter (for staging/prepare/finalize/rollback) and
// the mutator (the collection itself) FinalizeCommit replays into.
type Participant struct {
	Name     string
	Adapter  *storage.TransactionalAdapter
	Mutator  storage.Mutator
	Validate func(ops []storage.Operation) error
}

// BeginOptions configures a new transaction (spec §4.4 begin()).
type BeginOptions struct {
	Timeout   time.Duration
	Isolation types.Isolation
}

type txnState struct {
	id           string
	state        types.TransactionState
	startedAt    time.Time
	timeout      time.Duration
	isolation    types.Isolation
	participants map[string]struct{}
}

// Manager coordinates transactions across every registered Participant.
// Mutation paths are single-threaded-cooperative (spec §5) — mu
// stands in for that serialization.
type Manager struct {
	mu           sync.Mutex
	wal          *wal.WAL
	log          zerolog.Logger
	participants map[string]Participant
	txns         map[string]*txnState

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager constructs a Manager over an already-open WAL.
func NewManager(w *wal.WAL, log zerolog.Logger) *Manager {
	return &Manager{
		wal:          w,
		log:          log.With().Str("component", "txn").Logger(),
		participants: make(map[string]Participant),
		txns:         make(map[string]*txnState),
	}
}

// Register adds a collection as a transaction participant. Must be
// called before any transaction references it by name.
func (m *Manager) Register(p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.Name] = p
}

// Begin starts a new transaction, appending a BEGIN WAL entry (spec
// §4.4 begin()).
func (m *Manager) Begin(opts BeginOptions) (string, error) {
	if opts.Isolation == "" {
		opts.Isolation = types.IsolationSnapshot
	}
	id := uuid.NewString()

	if _, err := m.wal.Append(types.WALEntry{
		Type:          types.WALBegin,
		TransactionID: id,
		Timestamp:     time.Now(),
	}); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.txns[id] = &txnState{
		id:           id,
		state:        types.TxActive,
		startedAt:    time.Now(),
		timeout:      opts.Timeout,
		isolation:    opts.Isolation,
		participants: make(map[string]struct{}),
	}
	m.mu.Unlock()
	return id, nil
}

// WriteOperation stages op against the named collection within txID,
// writing a DATA WAL entry ahead of staging it (spec §4.4 "Per-operation").
func (m *Manager) WriteOperation(txID, collection string, op storage.Operation) error {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return dberr.New(dberr.KindNotFound, "txn.WriteOperation", txID)
	}
	if tx.state != types.TxActive {
		m.mu.Unlock()
		return dberr.New(dberr.KindTransactionAborted, "txn.WriteOperation", txID)
	}
	p, ok := m.participants[collection]
	if !ok {
		m.mu.Unlock()
		return dberr.New(dberr.KindNotFound, "txn.WriteOperation", collection)
	}
	firstTouch := false
	if _, touched := tx.participants[collection]; !touched {
		tx.participants[collection] = struct{}{}
		firstTouch = true
	}
	m.mu.Unlock()

	if firstTouch {
		if err := p.Adapter.BeginTransaction(txID); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		return fmt.Errorf("txn: encode operation: %w", err)
	}
	seq, err := m.wal.Append(types.WALEntry{
		Type:           types.WALData,
		TransactionID:  txID,
		CollectionName: collection,
		Operation:      operationKindToOperation(op.Kind),
		Data:           buf.Bytes(),
		Timestamp:      time.Now(),
	})
	if err != nil {
		return err
	}
	op.Seq = seq
	return p.Adapter.WriteOperation(txID, op)
}

func operationKindToOperation(k storage.OperationKind) types.Operation {
	switch k {
	case storage.OpInsertRecord:
		return types.OpInsert
	case storage.OpUpdateRecord:
		return types.OpUpdate
	default:
		return types.OpDelete
	}
}

// Commit runs two-phase commit across every participant the
// transaction touched (spec §4.4 Commit). Once the COMMIT entry is
// durable, the transaction is deemed committed even if a
// FinalizeCommit call fails partway — recovery replay covers the rest.
func (m *Manager) Commit(txID string) error {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return dberr.New(dberr.KindNotFound, "txn.Commit", txID)
	}
	if tx.state != types.TxActive {
		m.mu.Unlock()
		return dberr.New(dberr.KindTransactionAborted, "txn.Commit", txID)
	}
	tx.state = types.TxPreparing
	touched := make([]string, 0, len(tx.participants))
	for name := range tx.participants {
		touched = append(touched, name)
	}
	m.mu.Unlock()

	if _, err := m.wal.Append(types.WALEntry{Type: types.WALPrepare, TransactionID: txID, Timestamp: time.Now()}); err != nil {
		_ = m.Rollback(txID)
		return err
	}

	for _, name := range touched {
		p := m.participants[name]
		if err := p.Adapter.PrepareCommit(txID, p.Validate); err != nil {
			m.log.Warn().Str("tx", txID).Str("collection", name).Err(err).Msg("txn: prepare veto, rolling back")
			_ = m.Rollback(txID)
			return dberr.Wrap(dberr.KindTransactionAborted, "txn.Commit", txID, err)
		}
	}

	m.mu.Lock()
	tx.state = types.TxPrepared
	m.mu.Unlock()

	if _, err := m.wal.Append(types.WALEntry{Type: types.WALCommit, TransactionID: txID, Timestamp: time.Now()}); err != nil {
		return err
	}

	m.mu.Lock()
	tx.state = types.TxCommitted
	m.mu.Unlock()

	for _, name := range touched {
		p := m.participants[name]
		if err := p.Adapter.FinalizeCommit(txID, p.Mutator); err != nil {
			m.log.Error().Str("tx", txID).Str("collection", name).Err(err).Msg("txn: finalize failed after durable commit; recovery will replay")
		}
	}

	m.mu.Lock()
	delete(m.txns, txID)
	m.mu.Unlock()
	return nil
}

// Rollback discards every participant's staged changes for txID.
func (m *Manager) Rollback(txID string) error {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return dberr.New(dberr.KindNotFound, "txn.Rollback", txID)
	}
	touched := make([]string, 0, len(tx.participants))
	for name := range tx.participants {
		touched = append(touched, name)
	}
	delete(m.txns, txID)
	m.mu.Unlock()

	if _, err := m.wal.Append(types.WALEntry{Type: types.WALRollback, TransactionID: txID, Timestamp: time.Now()}); err != nil {
		return err
	}
	for _, name := range touched {
		if p, ok := m.participants[name]; ok {
			_ = p.Adapter.Rollback(txID)
		}
	}
	return nil
}

// SweepTimeouts forces a rollback on every Active transaction whose
// deadline has passed. Transactions past PREPARE are immune (spec
// §4.4 Timeouts) — once TxPreparing or later, only the explicit
// commit/rollback path may resolve them.
func (m *Manager) SweepTimeouts() {
	now := time.Now()
	m.mu.Lock()
	var expired []string
	for id, tx := range m.txns {
		if tx.state != types.TxActive {
			continue
		}
		if tx.timeout > 0 && now.After(tx.startedAt.Add(tx.timeout)) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.log.Warn().Str("tx", id).Msg("txn: timeout sweep forcing rollback")
		_ = m.Rollback(id)
	}
}

// StartTimeoutSweep runs SweepTimeouts on interval until Stop is called.
func (m *Manager) StartTimeoutSweep(interval time.Duration) {
	m.sweepOnce.Do(func() {
		m.stopSweep = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.SweepTimeouts()
				case <-m.stopSweep:
					return
				}
			}
		}()
	})
}

// Stop halts the timeout sweep goroutine, if running.
func (m *Manager) Stop() {
	if m.stopSweep != nil {
		close(m.stopSweep)
	}
}

// CreateCheckpoint snapshots every registered participant's collection
// to storage and appends a CHECKPOINT WAL entry recording the
// durability watermark (spec §4.4 Checkpoints).
func (m *Manager) CreateCheckpoint(registry *CheckpointRegistry) (string, error) {
	id := uuid.NewString()
	watermark := m.wal.LastSequence()

	m.mu.Lock()
	names := make([]string, 0, len(m.participants))
	for name := range m.participants {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		p := m.participants[name]
		snap, err := snapshotOf(p.Mutator)
		if err != nil {
			continue // participant doesn't expose a snapshot; nothing to persist here
		}
		if err := p.Adapter.Store(name, snap); err != nil {
			return "", dberr.Wrap(dberr.KindAdapterIoError, "txn.CreateCheckpoint", name, err)
		}
		if registry != nil {
			if err := registry.Record(name, id, watermark); err != nil {
				return "", err
			}
		}
	}

	if _, err := m.wal.Append(types.WALEntry{
		Type:              types.WALCheckpoint,
		Timestamp:         time.Now(),
		PersistedSequence: watermark,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// snapshotter is implemented by collection.Collection; kept local and
// narrow so pkg/txn never imports pkg/collection (the dependency runs
// the other way: cmd/docstore wires collections into the manager).
type snapshotter interface {
	Snapshot() *storage.StoredData
}

func snapshotOf(m storage.Mutator) (*storage.StoredData, error) {
	s, ok := m.(snapshotter)
	if !ok {
		return nil, dberr.New(dberr.KindValidation, "txn.snapshotOf", "mutator does not expose Snapshot")
	}
	return s.Snapshot(), nil
}

// TruncateAfterCheckpoint discards WAL entries at or below watermark,
// intended to run once the checkpoint's snapshots are confirmed durable.
func (m *Manager) TruncateAfterCheckpoint(watermark uint64) error {
	return m.wal.Truncate(watermark)
}

// ShouldCheckpoint reports whether enough WAL entries have accumulated
// since the last checkpoint to justify running one.
func (m *Manager) ShouldCheckpoint() bool {
	return m.wal.ShouldCheckpoint()
}

// ActiveCount returns the number of in-flight transactions (begun but
// not yet committed or rolled back) that have touched collection. Used
// by the rotate scheduler to defer a rotation while a transaction is
// active against that collection (spec §9 open question).
func (m *Manager) ActiveCount(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, tx := range m.txns {
		if tx.state != types.TxActive && tx.state != types.TxPreparing && tx.state != types.TxPrepared {
			continue
		}
		if _, touched := tx.participants[collection]; touched {
			n++
		}
	}
	return n
}

// LastSequence returns the highest WAL sequence number appended so far.
func (m *Manager) LastSequence() uint64 {
	return m.wal.LastSequence()
}
