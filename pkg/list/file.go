package list

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/btree"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

// FileList is the per-record-file variant: each record is its own JSON
// file under root, indexed by a B+tree mapping slot-ID to filename
// (spec §3). An in-memory cache of decoded records avoids re-reading a
// file on every Get; writes go straight to disk.
type FileList struct {
	mu      sync.RWMutex
	root    string
	index   *btree.BTreeG[slotFile]
	cache   map[int64]*types.Record
	counter int64
}

type slotFile struct {
	slot int64
	name string
}

func slotLess(a, b slotFile) bool { return a.slot < b.slot }

// NewFile constructs a FileList rooted at dir, creating it if absent. Any
// "<slot>.json" files already present are indexed (but not eagerly
// loaded) so the list picks up state left by a prior process — durable
// recovery of the list itself is the owning storage adapter's job via
// store/restore of collection-level metadata (the counter), but the
// per-record files are self-describing here.
func NewFile(dir string) (*FileList, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.KindAdapterIoError, "list.NewFile", dir, err)
	}
	fl := &FileList{
		root:  dir,
		index: btree.NewG(32, slotLess),
		cache: make(map[int64]*types.Record),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindAdapterIoError, "list.NewFile", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var slot int64
		if _, err := fmt.Sscanf(e.Name(), "%d.json", &slot); err != nil {
			continue
		}
		fl.index.ReplaceOrInsert(slotFile{slot: slot, name: e.Name()})
		if slot > fl.counter {
			fl.counter = slot
		}
	}
	return fl, nil
}

func (l *FileList) path(slot int64) string {
	return filepath.Join(l.root, strconv.FormatInt(slot, 10)+".json")
}

func (l *FileList) NextSlot() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return l.counter
}

func (l *FileList) Counter() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counter
}

func (l *FileList) Get(slot int64) (*types.Record, bool, error) {
	l.mu.RLock()
	if rec, ok := l.cache[slot]; ok {
		l.mu.RUnlock()
		return rec, true, nil
	}
	_, present := l.index.Get(slotFile{slot: slot})
	l.mu.RUnlock()
	if !present {
		return nil, false, nil
	}

	data, err := os.ReadFile(l.path(slot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, dberr.Wrap(dberr.KindAdapterIoError, "list.Get", l.path(slot), err)
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, dberr.Wrap(dberr.KindAdapterIoError, "list.Get", l.path(slot), err)
	}

	l.mu.Lock()
	l.cache[slot] = &rec
	l.mu.Unlock()
	return &rec, true, nil
}

func (l *FileList) writeFile(slot int64, rec *types.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "list.writeFile", l.path(slot), err)
	}
	tmp := l.path(slot) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "list.writeFile", tmp, err)
	}
	if err := os.Rename(tmp, l.path(slot)); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "list.writeFile", l.path(slot), err)
	}
	return nil
}

func (l *FileList) Set(slot int64, rec *types.Record) error {
	if err := l.writeFile(slot, rec); err != nil {
		return err
	}
	l.mu.Lock()
	l.index.ReplaceOrInsert(slotFile{slot: slot, name: filepath.Base(l.path(slot))})
	l.cache[slot] = rec
	l.mu.Unlock()
	return nil
}

func (l *FileList) Update(slot int64, rec *types.Record) error {
	l.mu.RLock()
	_, present := l.index.Get(slotFile{slot: slot})
	l.mu.RUnlock()
	if !present {
		return dberr.New(dberr.KindNotFound, "list.Update", strconv.FormatInt(slot, 10))
	}
	return l.Set(slot, rec)
}

func (l *FileList) Delete(slot int64) error {
	l.mu.Lock()
	_, present := l.index.Get(slotFile{slot: slot})
	if !present {
		l.mu.Unlock()
		return dberr.New(dberr.KindNotFound, "list.Delete", strconv.FormatInt(slot, 10))
	}
	l.index.Delete(slotFile{slot: slot})
	delete(l.cache, slot)
	l.mu.Unlock()

	if err := os.Remove(l.path(slot)); err != nil && !os.IsNotExist(err) {
		return dberr.Wrap(dberr.KindAdapterIoError, "list.Delete", l.path(slot), err)
	}
	return nil
}

func (l *FileList) Reset() error {
	l.mu.Lock()
	var slots []int64
	l.index.Ascend(func(sf slotFile) bool {
		slots = append(slots, sf.slot)
		return true
	})
	l.index = btree.NewG(32, slotLess)
	l.cache = make(map[int64]*types.Record)
	l.mu.Unlock()

	for _, s := range slots {
		if err := os.Remove(l.path(s)); err != nil && !os.IsNotExist(err) {
			return dberr.Wrap(dberr.KindAdapterIoError, "list.Reset", l.path(s), err)
		}
	}
	return nil
}

func (l *FileList) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Len()
}

func (l *FileList) Forward(yield func(slot int64, rec *types.Record) bool) {
	l.mu.RLock()
	slots := make([]int64, 0, l.index.Len())
	l.index.Ascend(func(sf slotFile) bool {
		slots = append(slots, sf.slot)
		return true
	})
	l.mu.RUnlock()

	for _, s := range slots {
		rec, ok, err := l.Get(s)
		if err != nil || !ok {
			continue
		}
		if !yield(s, rec) {
			return
		}
	}
}

func (l *FileList) Backward(yield func(slot int64, rec *types.Record) bool) {
	l.mu.RLock()
	slots := make([]int64, 0, l.index.Len())
	l.index.Descend(func(sf slotFile) bool {
		slots = append(slots, sf.slot)
		return true
	})
	l.mu.RUnlock()

	for _, s := range slots {
		rec, ok, err := l.Get(s)
		if err != nil || !ok {
			continue
		}
		if !yield(s, rec) {
			return
		}
	}
}
