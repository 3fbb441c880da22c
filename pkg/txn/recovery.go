package txn

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cuemby/docstore/pkg/storage"
	"github.com/cuemby/docstore/pkg/types"
)

// RecoverySummary reports what a recovery pass did, for the
// `docstore recover` command and operator visibility.
type RecoverySummary struct {
	Replayed    int
	RolledBack  int
	PresumedAbort int
	LastSequence uint64
}

// Recover scans the WAL forward from the beginning and replays every
// committed transaction's DATA entries into its participants, in WAL
// order. BEGIN without a matching COMMIT or ROLLBACK by end-of-log is
// presumed-abort and dropped (spec §4.4 Recovery). Replaying the same
// WAL twice is idempotent because the collection's ApplyOperation skips
// an insert whose record already occupies its slot and a delete whose
// slot is already empty, and an update rewrites the same values.
func (m *Manager) Recover() (RecoverySummary, error) {
	entries, err := m.wal.EntriesFrom(0)
	if err != nil {
		return RecoverySummary{}, err
	}

	committed := make(map[string]bool)
	rolledBack := make(map[string]bool)
	began := make(map[string]bool)
	var beganOrder []string
	dataByTx := make(map[string][]types.WALEntry)

	for _, e := range entries {
		switch e.Type {
		case types.WALBegin:
			if !began[e.TransactionID] {
				beganOrder = append(beganOrder, e.TransactionID)
			}
			began[e.TransactionID] = true
		case types.WALData:
			dataByTx[e.TransactionID] = append(dataByTx[e.TransactionID], e)
		case types.WALCommit:
			committed[e.TransactionID] = true
		case types.WALRollback:
			rolledBack[e.TransactionID] = true
		}
	}

	var summary RecoverySummary
	for _, txID := range beganOrder {
		switch {
		case committed[txID]:
			for _, e := range dataByTx[txID] {
				op, derr := decodeOperation(e.Data)
				if derr != nil {
					return summary, derr
				}
				p, ok := m.participants[e.CollectionName]
				if !ok {
					continue
				}
				if err := p.Mutator.ApplyOperation(op); err != nil {
					return summary, err
				}
				summary.Replayed++
			}
		case rolledBack[txID]:
			summary.RolledBack++
		default:
			summary.PresumedAbort++
		}
	}

	summary.LastSequence = m.wal.LastSequence()
	return summary, nil
}

func decodeOperation(data []byte) (storage.Operation, error) {
	var op storage.Operation
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&op); err != nil {
		return storage.Operation{}, fmt.Errorf("txn: decode operation: %w", err)
	}
	return op, nil
}
