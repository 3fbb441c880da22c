/*
Package storage implements the collection's storage adapters (C5) and the
transactional adapter wrapper (C6).

A base Adapter serializes/deserializes a collection's whole state to one
of three backends — in-memory (nothing persisted), a single JSON file, or
one JSON file per record. A TransactionalAdapter wraps any base Adapter,
adding a per-transaction staging area and the prepare/finalize/rollback
phases the transaction manager drives during two-phase commit.

	┌─────────────── ADAPTER KINDS ───────────────┐
	│  Adapter (interface): Restore / Store / Clone │
	│    ├── MemoryAdapter      (no-op)             │
	│    ├── FileAdapter        (single JSON file)  │
	│    └── PerRecordAdapter   (file per record)    │
	│                                                │
	│  TransactionalAdapter wraps any Adapter:       │
	│    BeginTransaction / WriteOperation /         │
	│    PrepareCommit / FinalizeCommit / Rollback   │
	└────────────────────────────────────────────────┘

The adapter never holds a persistent reference to the owning collection
(spec's "replace cyclic references" guidance) — FinalizeCommit takes a
Mutator for the single call that needs to apply staged operations back
into the collection's list and indexes, rather than storing that
reference across calls.
*/
package storage
