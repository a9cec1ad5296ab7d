package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rendis/mnemos/pkg/schema"
)

// thoughtSchema lists the statements that move a thoughts database from
// PRAGMA user_version i to i+1.
var thoughtSchema = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS thoughts (
			id         TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thoughts_created_at ON thoughts(created_at)`,
	},
}

// upgradeThoughtSchema brings db to the latest thoughtSchema version. Each
// step and its version bump commit together. A database written by a newer
// build is refused rather than downgraded.
func upgradeThoughtSchema(ctx context.Context, db *sql.DB, path string) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return persistenceErr("read schema version", path, err)
	}
	if version > len(thoughtSchema) {
		return schema.NewErrorf(schema.ErrCodePersistence,
			"%s has schema version %d, newest known is %d", path, version, len(thoughtSchema)).
			WithDetails(map[string]any{"path": path, "version": version})
	}

	for v := version; v < len(thoughtSchema); v++ {
		if err := applySchemaStep(ctx, db, v+1, thoughtSchema[v]); err != nil {
			return persistenceErr(fmt.Sprintf("upgrade to schema version %d", v+1), path, err)
		}
	}
	return nil
}

func applySchemaStep(ctx context.Context, db *sql.DB, version int, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}
