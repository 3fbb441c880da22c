// Package types holds the shared domain model for the document store:
// records, index definitions, subscriptions, connections, change records,
// WAL entries, and transactions. It intentionally carries no behavior —
// only the data shapes that pkg/collection, pkg/storage, pkg/wal, pkg/txn
// and pkg/subscription operate on.
package types

import "time"

// Record is the audit envelope wrapped around every stored document. Data
// holds the caller's opaque document; the remaining fields are maintained
// by the collection engine.
type Record struct {
	ID        interface{}            `json:"id"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	DeletedAt *time.Time             `json:"deleted_at,omitempty"`
	Version   int64                  `json:"version"`
	Checksum  string                 `json:"checksum,omitempty"`
}

// Tombstoned reports whether the record has been soft-deleted under audit
// mode rather than physically removed.
func (r *Record) Tombstoned() bool {
	return r != nil && r.DeletedAt != nil
}

// IndexDef describes one secondary index attached to a collection.
//
// Key "*" is the wildcard meta-index: the engine auto-registers a
// per-field index using this definition's attributes the first time an
// unknown field appears on insert.
type IndexDef struct {
	Key        string        `json:"key"`
	Auto       bool          `json:"auto"`
	Unique     bool          `json:"unique"`
	Sparse     bool          `json:"sparse"`
	Required   bool          `json:"required"`
	IgnoreCase bool          `json:"ignoreCase"`
	Gen        string        `json:"gen,omitempty"`
	Process    func(any) any `json:"-"`
}

// IsWildcard reports whether this definition is the "*" meta-index.
func (d IndexDef) IsWildcard() bool { return d.Key == "*" }

// FilterKind discriminates the three filter variants a subscription query
// may carry. Matched exhaustively wherever a Filter is evaluated — no
// duck-typing, no instanceof-style branching (spec §9).
type FilterKind string

const (
	FilterField  FilterKind = "field"
	FilterUser   FilterKind = "user"
	FilterCustom FilterKind = "custom"
)

// FilterOp is the comparison operator a field/user filter applies.
type FilterOp string

const (
	OpEq    FilterOp = "eq"
	OpNe    FilterOp = "ne"
	OpGt    FilterOp = "gt"
	OpGte   FilterOp = "gte"
	OpLt    FilterOp = "lt"
	OpLte   FilterOp = "lte"
	OpIn    FilterOp = "in"
	OpNin   FilterOp = "nin"
	OpRegex FilterOp = "regex"
)

// CustomEvaluator is the callable backing a FilterCustom filter. It
// receives the change's data payload and returns whether the change
// passes the filter.
type CustomEvaluator func(data map[string]interface{}) bool

// Filter is one clause of a subscription query. Exactly one of Field,
// UserField, or Evaluator is meaningful, selected by Kind.
type Filter struct {
	Kind          FilterKind      `json:"kind"`
	Field         string          `json:"field,omitempty"`
	UserField     string          `json:"user_field,omitempty"`
	Op            FilterOp        `json:"op,omitempty"`
	Value         interface{}     `json:"value,omitempty"`
	CaseSensitive bool            `json:"case_sensitive,omitempty"`
	Evaluator     CustomEvaluator `json:"-"`
}

// Query is a validated, normalized subscription query (the output of
// pkg/query's parser). QueryID is a stable structural hash used for
// dedup; it is populated by the parser, never set by callers directly.
type Query struct {
	QueryID           string       `json:"query_id"`
	ResourceType      ResourceType `json:"resource_type"`
	Database          string       `json:"database,omitempty"`
	Collection        string       `json:"collection,omitempty"`
	DocumentID        string       `json:"document_id,omitempty"`
	FieldPath         string       `json:"field_path,omitempty"`
	Filters           []Filter     `json:"filters,omitempty"`
	IncludeInitialData bool        `json:"include_initial_data,omitempty"`
	IncludeMetadata    bool        `json:"include_metadata,omitempty"`
	BatchSize          int         `json:"batch_size,omitempty"`
	ThrottleMs         int         `json:"throttle_ms,omitempty"`
}

// SubscriptionStatus is the lifecycle state of a Subscription.
type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionPaused SubscriptionStatus = "paused"
	SubscriptionClosed SubscriptionStatus = "closed"
)

// Subscription is a user-owned, connection-bound interest in a subset of
// changes, as parsed from a subscription query.
type Subscription struct {
	ID           string
	UserID       string
	Query        *Query
	ConnectionID string
	Status       SubscriptionStatus
	CreatedAt    time.Time
	LastActivity time.Time
	Metadata     map[string]string
}

// Protocol names the transport a Connection speaks. The core never frames
// either protocol itself — it only tags connections for bookkeeping.
type Protocol string

const (
	ProtocolWebSocket Protocol = "websocket"
	ProtocolSSE       Protocol = "sse"
)

// ReadyState mirrors a connection's liveness as observed by its owner.
type ReadyState string

const (
	ReadyStateConnecting ReadyState = "connecting"
	ReadyStateOpen       ReadyState = "open"
	ReadyStateClosing    ReadyState = "closing"
	ReadyStateClosed     ReadyState = "closed"
)

// Connection represents a client connection the host process owns.
// The subscription engine holds only non-owning references (connection
// IDs), never the Connection itself.
type Connection struct {
	ID            string
	User          string
	Protocol      Protocol
	ReadyState    ReadyState
	Subscriptions map[string]struct{}
	Metadata      map[string]string
}

// Operation identifies the kind of mutation a ChangeRecord describes.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ResourceType is the granularity a subscription query (or a change) is
// scoped to.
type ResourceType string

const (
	ResourceDatabase   ResourceType = "database"
	ResourceCollection ResourceType = "collection"
	ResourceDocument   ResourceType = "document"
	ResourceField      ResourceType = "field"
)

// ChangeRecord is the externalized description of a committed mutation,
// published to subscribers only after commit durability (or immediately
// for non-transactional writes).
type ChangeRecord struct {
	ID             string                 `json:"id"`
	ResourceType   ResourceType           `json:"resource_type"`
	Database       string                 `json:"database"`
	Collection     string                 `json:"collection"`
	DocumentID     interface{}            `json:"document_id,omitempty"`
	Operation      Operation              `json:"operation"`
	Data           map[string]interface{} `json:"data,omitempty"`
	PreviousData   map[string]interface{} `json:"previous_data,omitempty"`
	AffectedFields []string               `json:"affected_fields,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	UserID         string                 `json:"user_id,omitempty"`
	TransactionID  string                 `json:"transaction_id,omitempty"`
}

// WALEntryType enumerates the frame kinds written to the write-ahead log.
type WALEntryType string

const (
	WALBegin      WALEntryType = "BEGIN"
	WALData       WALEntryType = "DATA"
	WALPrepare    WALEntryType = "PREPARE"
	WALCommit     WALEntryType = "COMMIT"
	WALRollback   WALEntryType = "ROLLBACK"
	WALCheckpoint WALEntryType = "CHECKPOINT"
)

// WALEntry is one decoded record from the write-ahead log.
type WALEntry struct {
	TransactionID  string       `json:"transaction_id,omitempty"`
	SequenceNumber uint64       `json:"sequence_number"`
	Timestamp      time.Time    `json:"timestamp"`
	Type           WALEntryType `json:"type"`
	CollectionName string       `json:"collection_name,omitempty"`
	Operation      Operation    `json:"operation,omitempty"`
	Data           []byte       `json:"data,omitempty"`
	// PersistedSequence is only meaningful on CHECKPOINT entries: the
	// highest sequence number durably reflected in storage as of the
	// checkpoint, enabling truncation of everything at-or-below it.
	PersistedSequence uint64 `json:"persisted_sequence,omitempty"`
}

// TransactionState is the lifecycle state of a Transaction.
type TransactionState string

const (
	TxActive    TransactionState = "active"
	TxPreparing TransactionState = "preparing"
	TxPrepared  TransactionState = "prepared"
	TxCommitted TransactionState = "committed"
	TxAborted   TransactionState = "aborted"
)

// Isolation names the isolation level a Transaction runs under. Snapshot
// isolation is the only level this system implements (spec §4.4).
type Isolation string

const (
	IsolationSnapshot Isolation = "snapshot"
)

// Transaction tracks an in-flight or completed unit of work coordinated by
// the transaction manager.
type Transaction struct {
	ID                    string
	State                 TransactionState
	StartedAt             time.Time
	Timeout               time.Duration
	Isolation             Isolation
	ParticipatingAdapters map[string]struct{}
}
