//go:build linux

package tuning

import "log/slog"

// NewPlatform returns the platform strategy for the running OS.
func NewPlatform(logger *slog.Logger) Platform {
	return NewLinuxPlatform()
}
