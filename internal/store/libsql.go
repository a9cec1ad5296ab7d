package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/mnemos/pkg/schema"
)

var _ ThoughtBackend = (*LibSQLBackend)(nil)

// connPragmas are per-connection settings, applied again whenever the pool
// has been released. Some PRAGMAs return rows so they go through QueryRow.
var connPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// LibSQLBackend stores one row per thought in an embedded libSQL database,
// so a mutation writes only the inserted records instead of the whole map.
type LibSQLBackend struct {
	db   *sql.DB
	path string

	mu       sync.Mutex
	onUse    func()
	released atomic.Bool
}

// NewLibSQLBackend opens a libSQL database at the given path and brings its
// schema up to date. The path should be a file URI, e.g.
// "file:/path/to/thoughts.db".
func NewLibSQLBackend(ctx context.Context, dbPath string) (*LibSQLBackend, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &LibSQLBackend{db: db, path: strings.TrimPrefix(dbPath, "file:")}
	b.applyPragmas(ctx)
	if err := upgradeThoughtSchema(ctx, db, b.path); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Path returns the database file path.
func (b *LibSQLBackend) Path() string { return b.path }

// OnUse registers fn to run before every database access.
func (b *LibSQLBackend) OnUse(fn func()) {
	b.mu.Lock()
	b.onUse = fn
	b.mu.Unlock()
}

// IdleConns returns a closer that drops the pool's idle connections along
// with their file descriptors. The backend stays usable: the next access
// reconnects and re-applies the connection PRAGMAs.
func (b *LibSQLBackend) IdleConns() io.Closer {
	return closerFunc(func() error {
		b.db.SetMaxIdleConns(0)
		b.db.SetMaxIdleConns(1)
		b.released.Store(true)
		return nil
	})
}

func (b *LibSQLBackend) acquire(ctx context.Context) {
	b.mu.Lock()
	fn := b.onUse
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
	if b.released.CompareAndSwap(true, false) {
		b.applyPragmas(ctx)
	}
}

func (b *LibSQLBackend) applyPragmas(ctx context.Context) {
	for _, p := range connPragmas {
		var result string
		_ = b.db.QueryRowContext(ctx, p).Scan(&result)
	}
}

// Load returns every row whose payload is valid JSON. Rows that are not are
// left out and reported in a PERSISTENCE_FAILURE error alongside the
// readable records.
func (b *LibSQLBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	b.acquire(ctx)
	rows, err := b.db.QueryContext(ctx, `SELECT id, payload FROM thoughts`)
	if err != nil {
		return nil, persistenceErr("query", b.path, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	var corrupt []string
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, persistenceErr("scan", b.path, err)
		}
		if !json.Valid([]byte(payload)) {
			corrupt = append(corrupt, id)
			continue
		}
		out[id] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate", b.path, err)
	}
	if len(corrupt) > 0 {
		return out, schema.NewErrorf(schema.ErrCodePersistence,
			"%s: %d thoughts hold invalid JSON and were skipped", b.path, len(corrupt)).
			WithDetails(map[string]any{"path": b.path, "ids": corrupt})
	}
	return out, nil
}

func (b *LibSQLBackend) Sync(ctx context.Context, thoughts map[string]json.RawMessage, added []string) error {
	if len(added) == 0 {
		return nil
	}
	b.acquire(ctx)
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr("begin", b.path, err)
	}
	defer tx.Rollback()

	for _, id := range added {
		payload, ok := thoughts[id]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO thoughts (id, payload) VALUES (?, ?)`, id, string(payload),
		); err != nil {
			return persistenceErr("insert", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistenceErr("commit", b.path, err)
	}
	return nil
}

func (b *LibSQLBackend) Close() error { return b.db.Close() }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
