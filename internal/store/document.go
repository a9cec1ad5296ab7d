package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rendis/mnemos/pkg/schema"
)

// Document is a JSON file that is always read and written as a whole.
// Saves go to a temp file in the same directory, are fsynced, then renamed
// over the target, so a reader never observes a partial write. The directory
// is fsynced after the rename so the new entry survives a power loss.
type Document struct {
	path string
}

// NewDocument returns a Document backed by path. Nothing is touched on disk.
func NewDocument(path string) *Document {
	return &Document{path: path}
}

// Path returns the backing file path.
func (d *Document) Path() string { return d.path }

// Exists reports whether the backing file is present.
func (d *Document) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// Load decodes the document into v. found is false (with a nil error) when
// the file does not exist. A malformed file is a PERSISTENCE_FAILURE.
func (d *Document) Load(v any) (found bool, err error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, persistenceErr("read", d.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return true, schema.NewErrorf(schema.ErrCodePersistence, "document %s is empty", d.path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, persistenceErr("decode", d.path, err)
	}
	return true, nil
}

// ReadRaw returns the raw file bytes, or fs.ErrNotExist wrapped in a
// PERSISTENCE_FAILURE when missing.
func (d *Document) ReadRaw() ([]byte, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, persistenceErr("read", d.path, err)
	}
	return data, nil
}

// Save encodes v and atomically replaces the document.
func (d *Document) Save(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return persistenceErr("encode", d.path, err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return persistenceErr("create dir for", d.path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".tmp.*")
	if err != nil {
		return persistenceErr("create temp for", d.path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return persistenceErr("write", d.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return persistenceErr("sync", d.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return persistenceErr("close", d.path, err)
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		os.Remove(tmpPath)
		return persistenceErr("rename", d.path, err)
	}
	if err := syncDir(dir); err != nil {
		return persistenceErr("sync dir of", d.path, err)
	}
	return nil
}

// syncDir flushes a directory entry change to disk. Windows cannot fsync a
// directory handle; NTFS journals the rename itself.
var syncDir = func(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Remove deletes the document. A missing file is not an error.
func (d *Document) Remove() error {
	err := os.Remove(d.path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return persistenceErr("remove", d.path, err)
}

func persistenceErr(op, path string, err error) *schema.Error {
	return schema.NewError(schema.ErrCodePersistence, fmt.Sprintf("%s %s: %v", op, path, err)).
		WithCause(err).
		WithDetails(map[string]any{"path": path})
}
