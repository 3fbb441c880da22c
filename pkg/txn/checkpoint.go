package txn

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketCheckpoints = []byte("checkpoints")

// checkpointRecord is the durable manifest entry for one collection's
// last checkpoint: the highest WAL sequence number reflected in its
// persisted snapshot as of that checkpoint.
type checkpointRecord struct {
	ID                string `json:"id"`
	PersistedSequence uint64 `json:"persisted_sequence"`
}

// CheckpointRegistry is a small bbolt-backed manifest of
// {collection -> last checkpoint}, kept independent of the raw WAL
// file so recovery can decide a truncation watermark without scanning
// storage snapshots directly.
type CheckpointRegistry struct {
	db *bolt.DB
}

// OpenCheckpointRegistry opens (creating if absent) the bbolt manifest
// at path.
func OpenCheckpointRegistry(path string) (*CheckpointRegistry, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("txn: open checkpoint registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("txn: init checkpoint registry: %w", err)
	}
	return &CheckpointRegistry{db: db}, nil
}

// Record stores the checkpoint watermark for collection.
func (r *CheckpointRegistry) Record(collection, id string, persistedSequence uint64) error {
	rec := checkpointRecord{ID: id, PersistedSequence: persistedSequence}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("txn: marshal checkpoint record: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.Put([]byte(collection), data)
	})
}

// Last returns the last recorded checkpoint for collection, if any.
func (r *CheckpointRegistry) Last(collection string) (checkpointRecord, bool, error) {
	var rec checkpointRecord
	var found bool
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data := b.Get([]byte(collection))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return checkpointRecord{}, false, fmt.Errorf("txn: read checkpoint record: %w", err)
	}
	return rec, found, nil
}

// Close closes the underlying bbolt database.
func (r *CheckpointRegistry) Close() error { return r.db.Close() }
