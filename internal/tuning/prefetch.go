package tuning

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/mnemos/pkg/schema"
)

const (
	// DefaultChunkSize is the read size used by PrefetchFile when none is given.
	DefaultChunkSize = 1 << 20
	// MaxChunkSize caps the read buffer regardless of the requested size.
	MaxChunkSize = 64 << 20
)

// PrefetchFile reads path sequentially to warm the OS page cache and returns
// the elapsed time. Unlike other tuning operations it surfaces failures:
// NOT_FOUND, PERMISSION_DENIED or IO_ERROR.
func (e *Engine) PrefetchFile(ctx context.Context, path string, chunkSize int) (time.Duration, error) {
	if path == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "prefetch path is required")
	}
	start := e.now()
	f, err := os.Open(path)
	if err != nil {
		return 0, prefetchErr(path, err)
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
		size = info.Size()
	}
	buf := make([]byte, chunkFor(chunkSize, size))
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := f.Read(buf)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, prefetchErr(path, err)
		}
	}

	elapsed := e.now().Sub(start)
	e.logger.InfoContext(ctx, "file prefetched",
		slog.String("path", path),
		slog.Int64("bytes", total),
		slog.Duration("elapsed", elapsed))
	return elapsed, nil
}

// chunkFor bounds the requested read size by MaxChunkSize and, when known, by
// the file size.
func chunkFor(requested int, size int64) int {
	chunk := requested
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	chunk = min(chunk, MaxChunkSize)
	if size > 0 && int64(chunk) > size {
		chunk = int(size)
	}
	return chunk
}

func prefetchErr(path string, err error) error {
	code := schema.ErrCodeIO
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = schema.ErrCodeNotFound
	case errors.Is(err, fs.ErrPermission):
		code = schema.ErrCodePermissionDenied
	}
	return schema.NewErrorf(code, "prefetch %s: %s", path, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"path": path})
}
