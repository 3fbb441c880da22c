package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

// FineGrained is an optional capability a few adapters provide beyond
// the whole-snapshot Adapter contract: writing or removing a single
// record without rewriting the entire collection. Callers type-assert
// for it rather than branching on concrete adapter type.
type FineGrained interface {
	SetRecord(pk string, slot int64, rec *types.Record, audit bool) error
	DeleteRecord(pk string, audit bool) error
}

type perRecordFile struct {
	Slot   int64         `json:"slot"`
	Record *types.Record `json:"record"`
}

// PerRecordAdapter stores one JSON file per record under
// <root>/<collection>/ (spec §4.2). In audit mode, deletes write a
// tombstone envelope in place rather than unlinking the file.
type PerRecordAdapter struct {
	mu          sync.Mutex
	root        string
	defaultName string
}

// NewPerRecordAdapter constructs a PerRecordAdapter rooted at dir. name is
// the collection this instance serves by default — the FineGrained
// SetRecord/DeleteRecord methods always act on it; Store/Restore accept
// an explicit name so the same adapter kind can target a rotation
// sibling.
func NewPerRecordAdapter(dir, name string) (*PerRecordAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.KindAdapterIoError, "storage.NewPerRecordAdapter", dir, err)
	}
	return &PerRecordAdapter{root: dir, defaultName: name}, nil
}

func (a *PerRecordAdapter) Kind() Kind { return KindPerRecord }

func (a *PerRecordAdapter) collectionDir(name string) string {
	return filepath.Join(a.root, name)
}

func (a *PerRecordAdapter) recordPath(name, pk string) string {
	return filepath.Join(a.collectionDir(name), pk+".json")
}

// Restore scans <root>/<name>/ and rebuilds the list state from the
// per-record files. Secondary indexes are left empty — the collection
// engine rebuilds them by scanning the restored records (spec's
// non-goal: "secondary-index persistence independent of the collection
// snapshot").
func (a *PerRecordAdapter) Restore(name string) (*StoredData, bool, error) {
	dir := a.collectionDir(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.Restore", name, err)
	}
	if len(entries) == 0 {
		return nil, false, nil
	}

	sd := &StoredData{ListState: make(map[int64]*types.Record)}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, false, dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.Restore", e.Name(), err)
		}
		var prf perRecordFile
		if err := json.Unmarshal(raw, &prf); err != nil {
			return nil, false, dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.Restore", e.Name(), err)
		}
		sd.ListState[prf.Slot] = prf.Record
		if prf.Slot > sd.Counter {
			sd.Counter = prf.Slot
		}
	}
	return sd, true, nil
}

// Store rewrites every record file from scratch, removing any file not
// present in data (a collection-level reset or rotation target starts
// clean anyway; for the steady-state path callers should prefer the
// FineGrained SetRecord/DeleteRecord methods to avoid the full rewrite).
func (a *PerRecordAdapter) Store(name string, data *StoredData) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dir := a.collectionDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.Store", name, err)
	}
	existing, _ := os.ReadDir(dir)
	keep := make(map[string]bool, len(data.ListState))

	for slot, rec := range data.ListState {
		pk := primaryKeyString(rec, slot)
		keep[pk+".json"] = true
		if err := a.writeRecordFile(name, pk, slot, rec); err != nil {
			return err
		}
	}
	for _, e := range existing {
		if !keep[e.Name()] {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func primaryKeyString(rec *types.Record, slot int64) string {
	if rec != nil && rec.ID != nil {
		return fmt.Sprint(rec.ID)
	}
	return strconv.FormatInt(slot, 10)
}

func (a *PerRecordAdapter) writeRecordFile(name, pk string, slot int64, rec *types.Record) error {
	dir := a.collectionDir(name)
	encoded, err := json.Marshal(perRecordFile{Slot: slot, Record: rec})
	if err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.writeRecordFile", pk, err)
	}
	tmp := filepath.Join(dir, pk+".json.tmp")
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.writeRecordFile", pk, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, pk+".json")); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.writeRecordFile", pk, err)
	}
	return nil
}

// SetRecord writes a single record's file, creating an audit envelope
// (DeletedAt left nil, UpdatedAt refreshed) when audit is true.
func (a *PerRecordAdapter) SetRecord(pk string, slot int64, rec *types.Record, audit bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if audit {
		rec.UpdatedAt = time.Now()
	}
	return a.writeRecordFileIn(pk, slot, rec)
}

func (a *PerRecordAdapter) writeRecordFileIn(pk string, slot int64, rec *types.Record) error {
	if err := os.MkdirAll(a.collectionDir(a.defaultName), 0o755); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.writeRecordFileIn", pk, err)
	}
	return a.writeRecordFile(a.defaultName, pk, slot, rec)
}

// DeleteRecord unlinks the record's file, or in audit mode overwrites it
// with a tombstone envelope in place.
func (a *PerRecordAdapter) DeleteRecord(pk string, audit bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.recordPath(a.defaultName, pk)
	if !audit {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.DeleteRecord", pk, err)
		}
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.DeleteRecord", pk, err)
	}
	var prf perRecordFile
	if err := json.Unmarshal(raw, &prf); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.PerRecordAdapter.DeleteRecord", pk, err)
	}
	now := time.Now()
	prf.Record.DeletedAt = &now
	return a.writeRecordFileIn(pk, prf.Slot, prf.Record)
}

func (a *PerRecordAdapter) Clone() Adapter {
	return &PerRecordAdapter{root: a.root, defaultName: a.defaultName}
}
