package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cuemby/docstore/pkg/dberr"
)

// FileAdapter writes a collection's whole snapshot as a single JSON
// document to <root>/<name>.json. Atomicity comes from write-to-temp-
// then-rename (spec §4.2: "concurrent writers on the same path are
// undefined" — the implementer's responsibility stops at atomicity of a
// single writer).
type FileAdapter struct {
	root string
}

// NewFileAdapter constructs a FileAdapter rooted at dir, creating it if
// absent.
func NewFileAdapter(dir string) (*FileAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.KindAdapterIoError, "storage.NewFileAdapter", dir, err)
	}
	return &FileAdapter{root: dir}, nil
}

func (a *FileAdapter) Kind() Kind { return KindFile }

func (a *FileAdapter) path(name string) string {
	return filepath.Join(a.root, name+".json")
}

func (a *FileAdapter) Restore(name string) (*StoredData, bool, error) {
	data, err := os.ReadFile(a.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, dberr.Wrap(dberr.KindAdapterIoError, "storage.FileAdapter.Restore", name, err)
	}
	var sd StoredData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, false, dberr.Wrap(dberr.KindAdapterIoError, "storage.FileAdapter.Restore", name, err)
	}
	return &sd, true, nil
}

func (a *FileAdapter) Store(name string, data *StoredData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.FileAdapter.Store", name, err)
	}
	tmp := a.path(name) + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.FileAdapter.Store", name, err)
	}
	if err := os.Rename(tmp, a.path(name)); err != nil {
		return dberr.Wrap(dberr.KindAdapterIoError, "storage.FileAdapter.Store", name, err)
	}
	return nil
}

func (a *FileAdapter) Clone() Adapter {
	return &FileAdapter{root: a.root}
}
