package store

import (
	"context"
	"path/filepath"

	"github.com/rendis/mnemos/pkg/schema"
)

// OpenThoughtBackend builds the backend named by kind inside dataDir.
func OpenThoughtBackend(ctx context.Context, kind, dataDir string) (ThoughtBackend, error) {
	switch kind {
	case "", BackendJSON:
		return NewJSONBackend(filepath.Join(dataDir, StoreFile)), nil
	case BackendLibSQL:
		return NewLibSQLBackend(ctx, "file:"+filepath.Join(dataDir, LibSQLFile))
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown store backend %q", kind)
	}
}
