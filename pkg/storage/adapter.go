package storage

import (
	"github.com/cuemby/docstore/pkg/types"
)

// Kind tags which concrete adapter backs an Adapter value — matched
// exhaustively instead of type-switching or duck-typing (spec §9).
type Kind string

const (
	KindMemory        Kind = "memory"
	KindFile           Kind = "file"
	KindPerRecord       Kind = "per_record"
	KindTransactional  Kind = "transactional_wrapper"
)

// PortableIndex is the on-disk form of one secondary index: an ordered
// list of (value, primary-keys) pairs, re-materialized into a live
// B+tree by pkg/index on restore.
type PortableIndex struct {
	Key     string                `json:"key"`
	Entries []PortableIndexEntry `json:"entries"`
}

// PortableIndexEntry is one distinct indexed value and the primary keys
// that currently map to it.
type PortableIndexEntry struct {
	Value interface{} `json:"value"`
	PKs   []string    `json:"pks"`
}

// StoredData is a collection's whole persisted state (spec §4.2,
// §6 "Storage file format").
type StoredData struct {
	ListState       map[int64]*types.Record  `json:"list"`
	Counter         int64                    `json:"counter"`
	SerializedIndexes []PortableIndex        `json:"indexes"`
	IndexDefs       []types.IndexDef         `json:"indexDefs"`
	IDField         string                   `json:"id"`
	TTLMillis       int64                    `json:"ttl,omitempty"`
}

// Adapter is the base storage contract (C5): restore and store a whole
// collection snapshot. Adapters are constructed already knowing their
// root location; name lets one adapter instance serve a family of
// collections (e.g. the rotated-copy targets log rotation creates).
type Adapter interface {
	Kind() Kind
	Restore(name string) (*StoredData, bool, error)
	Store(name string, data *StoredData) error
	// Clone returns a new, independent adapter instance of the same
	// kind and root, used when log rotation deep-copies a collection
	// into a freshly named sibling.
	Clone() Adapter
}

// OperationKind tags a staged mutation within a transaction.
type OperationKind string

const (
	OpInsertRecord OperationKind = "insert"
	OpUpdateRecord OperationKind = "update"
	OpDeleteRecord OperationKind = "delete"
)

// Operation is one staged, not-yet-applied mutation recorded by
// WriteOperation. Seq is the WAL sequence number the caller assigned to
// this operation's DATA entry, used to make WriteOperation idempotent on
// replay (spec §4.2: "append to staging; idempotent on replay").
type Operation struct {
	Seq    uint64
	Kind   OperationKind
	Slot   int64
	Before *types.Record
	After  *types.Record
}

// Mutator is the minimal capability a TransactionalAdapter needs to
// apply staged operations at finalize time. The collection implements
// it; the adapter receives it only for the duration of the call, never
// stores it, so adapter and collection hold no persistent reference to
// each other (spec §9).
type Mutator interface {
	ApplyOperation(op Operation) error
}
