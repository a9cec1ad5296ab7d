//go:build !linux && !darwin && !windows

package tuning

import (
	"log/slog"
	"runtime"

	"github.com/rendis/mnemos/internal/logging"
)

// NewPlatform returns the platform strategy for the running OS.
// Unrecognized platforms get UnsupportedPlatform (every primitive is a no-op).
func NewPlatform(logger *slog.Logger) Platform {
	logging.OrDefault(logger).Warn("tuning: no OS primitives for this platform, tuning disabled",
		slog.String("goos", runtime.GOOS))
	return NewUnsupportedPlatform(runtime.GOOS)
}
