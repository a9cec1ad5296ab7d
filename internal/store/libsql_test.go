package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mnemos/pkg/schema"
)

func newTestLibSQL(t *testing.T, dir string) *LibSQLBackend {
	t.Helper()
	b, err := NewLibSQLBackend(context.Background(), "file:"+filepath.Join(dir, "thoughts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestLibSQLBackendSyncOnlyWritesAdded(t *testing.T) {
	ctx := context.Background()
	b := newTestLibSQL(t, t.TempDir())

	id1, id2 := uuid.NewString(), uuid.NewString()
	thoughts := map[string]json.RawMessage{
		id1: json.RawMessage(`{"n":1}`),
		id2: json.RawMessage(`{"n":2}`),
	}
	require.NoError(t, b.Sync(ctx, thoughts, []string{id1}))

	loaded, err := b.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.JSONEq(t, `{"n":1}`, string(loaded[id1]))

	require.NoError(t, b.Sync(ctx, thoughts, []string{id2}))
	loaded, err = b.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestLibSQLBackendReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	id := uuid.NewString()

	b, err := NewLibSQLBackend(ctx, "file:"+filepath.Join(dir, "thoughts.db"))
	require.NoError(t, err)
	require.NoError(t, b.Sync(ctx, map[string]json.RawMessage{id: json.RawMessage(`"hello"`)}, []string{id}))
	require.NoError(t, b.Close())

	reopened := newTestLibSQL(t, dir)
	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(loaded[id]))
}

func TestLibSQLBackendDuplicateInsertIgnored(t *testing.T) {
	ctx := context.Background()
	b := newTestLibSQL(t, t.TempDir())
	id := uuid.NewString()

	require.NoError(t, b.Sync(ctx, map[string]json.RawMessage{id: json.RawMessage(`1`)}, []string{id}))
	require.NoError(t, b.Sync(ctx, map[string]json.RawMessage{id: json.RawMessage(`2`)}, []string{id}))

	loaded, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(loaded[id]), "records are immutable once stored")
}

func TestLibSQLBackendSchemaVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := newTestLibSQL(t, dir)

	var version int
	require.NoError(t, b.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version))
	assert.Equal(t, len(thoughtSchema), version)

	// Upgrading an up-to-date database is a no-op.
	require.NoError(t, upgradeThoughtSchema(ctx, b.db, b.Path()))
	require.NoError(t, b.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version))
	assert.Equal(t, len(thoughtSchema), version)
}

func TestLibSQLBackendRefusesNewerSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewLibSQLBackend(ctx, "file:"+filepath.Join(dir, "thoughts.db"))
	require.NoError(t, err)
	_, err = b.db.ExecContext(ctx, "PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = NewLibSQLBackend(ctx, "file:"+filepath.Join(dir, "thoughts.db"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePersistence))
	assert.Contains(t, err.Error(), "schema version 99")
}

func TestLibSQLBackendLoadSkipsInvalidPayloads(t *testing.T) {
	ctx := context.Background()
	b := newTestLibSQL(t, t.TempDir())

	good := uuid.NewString()
	require.NoError(t, b.Sync(ctx, map[string]json.RawMessage{good: json.RawMessage(`{"ok":true}`)}, []string{good}))
	_, err := b.db.ExecContext(ctx, `INSERT INTO thoughts (id, payload) VALUES (?, ?)`, "broken", `{"a":19`)
	require.NoError(t, err)

	loaded, err := b.Load(ctx)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePersistence))
	require.Len(t, loaded, 1)
	assert.JSONEq(t, `{"ok":true}`, string(loaded[good]))
}

func TestLibSQLBackendIdleConnsRelease(t *testing.T) {
	ctx := context.Background()
	b := newTestLibSQL(t, t.TempDir())

	var uses int
	b.OnUse(func() { uses++ })

	id := uuid.NewString()
	require.NoError(t, b.Sync(ctx, map[string]json.RawMessage{id: json.RawMessage(`1`)}, []string{id}))
	assert.Equal(t, 1, uses)
	assert.Equal(t, 1, b.db.Stats().Idle)

	require.NoError(t, b.IdleConns().Close())
	assert.Equal(t, 0, b.db.Stats().Idle)
	assert.Equal(t, 0, b.db.Stats().OpenConnections)

	// The backend reconnects on the next access.
	loaded, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(loaded[id]))
	assert.Equal(t, 2, uses)
	assert.False(t, b.released.Load())

	var mode string
	require.NoError(t, b.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))
}
