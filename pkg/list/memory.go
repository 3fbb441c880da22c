package list

import (
	"sort"
	"sync"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

// MemoryList is the hash-of-slot-ID variant: fully in memory, nothing
// persisted across process restarts (the owning collection's storage
// adapter is responsible for durability via whole-snapshot store/restore).
type MemoryList struct {
	mu      sync.RWMutex
	records map[int64]*types.Record
	counter int64
}

// NewMemory constructs an empty MemoryList.
func NewMemory() *MemoryList {
	return &MemoryList{records: make(map[int64]*types.Record)}
}

func (l *MemoryList) NextSlot() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return l.counter
}

func (l *MemoryList) Counter() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counter
}

// SetCounter restores the counter from a prior run (used by storage
// adapters on restore). It only ever raises the counter, preserving
// monotonicity.
func (l *MemoryList) SetCounter(c int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c > l.counter {
		l.counter = c
	}
}

func (l *MemoryList) Get(slot int64) (*types.Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[slot]
	return rec, ok, nil
}

func (l *MemoryList) Set(slot int64, rec *types.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[slot] = rec
	return nil
}

func (l *MemoryList) Update(slot int64, rec *types.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[slot]; !ok {
		return dberr.New(dberr.KindNotFound, "list.Update", "")
	}
	l.records[slot] = rec
	return nil
}

func (l *MemoryList) Delete(slot int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[slot]; !ok {
		return dberr.New(dberr.KindNotFound, "list.Delete", "")
	}
	delete(l.records, slot)
	return nil
}

func (l *MemoryList) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[int64]*types.Record)
	return nil
}

func (l *MemoryList) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *MemoryList) sortedSlots() []int64 {
	slots := make([]int64, 0, len(l.records))
	for s := range l.records {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

func (l *MemoryList) Forward(yield func(slot int64, rec *types.Record) bool) {
	l.mu.RLock()
	slots := l.sortedSlots()
	snapshot := make(map[int64]*types.Record, len(l.records))
	for k, v := range l.records {
		snapshot[k] = v
	}
	l.mu.RUnlock()

	for _, s := range slots {
		if !yield(s, snapshot[s]) {
			return
		}
	}
}

func (l *MemoryList) Backward(yield func(slot int64, rec *types.Record) bool) {
	l.mu.RLock()
	slots := l.sortedSlots()
	snapshot := make(map[int64]*types.Record, len(l.records))
	for k, v := range l.records {
		snapshot[k] = v
	}
	l.mu.RUnlock()

	for i := len(slots) - 1; i >= 0; i-- {
		if !yield(slots[i], snapshot[slots[i]]) {
			return
		}
	}
}
