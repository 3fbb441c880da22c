// Package list implements the primary list (C2): the ordered sequence of
// records under a collection, keyed by a monotonically increasing
// slot-ID distinct from the user-visible primary key. Two variants are
// provided — an in-memory hash-of-slot-ID list and a per-record-file
// list indexed by a B+tree from slot-ID to filename — behind a single
// List interface so the collection engine is agnostic to which backs it.
package list

import (
	"github.com/cuemby/docstore/pkg/types"
)

// List is the primary-list contract C2 exposes. The slot-ID counter
// never decreases, even across deletes and reloads (testable property
// #2); slot-IDs are never reused within a collection's lifetime.
type List interface {
	// NextSlot allocates and returns the next slot-ID, advancing the
	// counter. It does not itself store anything.
	NextSlot() int64
	// Counter reports the current counter value without advancing it.
	Counter() int64
	Get(slot int64) (*types.Record, bool, error)
	Set(slot int64, rec *types.Record) error
	Update(slot int64, rec *types.Record) error
	Delete(slot int64) error
	// Reset clears all records and persisted slot state but the spec
	// treats the counter as process-lifetime monotonic even across this
	// (callers that want a brand new sequence construct a new List).
	Reset() error
	Length() int
	// Forward and Backward iterate live slots in slot-ID order; yield
	// returning false stops iteration early. Neither is restartable —
	// callers needing another pass call Forward/Backward again (spec §9,
	// "restarting requires a fresh iterator").
	Forward(yield func(slot int64, rec *types.Record) bool)
	Backward(yield func(slot int64, rec *types.Record) bool)
}
