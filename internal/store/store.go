package store

import (
	"context"
	"encoding/json"
)

// ThoughtBackend persists the thought map. The in-memory map owned by the
// caller stays authoritative; a backend is a crash-recovery cache that is
// read once at startup.
// All implementations must be safe for use under the caller's write lock.
type ThoughtBackend interface {
	// Load returns every persisted thought. When only some records are
	// unreadable it returns the rest together with the error.
	Load(ctx context.Context) (map[string]json.RawMessage, error)

	// Sync persists the state after a mutation. thoughts is the full map,
	// added lists the ids inserted by this mutation. Whole-document backends
	// rewrite everything; per-record backends only write added.
	Sync(ctx context.Context, thoughts map[string]json.RawMessage, added []string) error

	// Close releases backend resources.
	Close() error
}

// Backend kinds accepted by OpenThoughtBackend.
const (
	BackendJSON   = "json"
	BackendLibSQL = "libsql"
)

// File names used under the data directory.
const (
	StoreFile  = "store.json"
	LibSQLFile = "thoughts.db"
)
