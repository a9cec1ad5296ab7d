package tuning

import (
	"context"

	"github.com/rendis/mnemos/pkg/schema"
)

var _ Platform = (*UnsupportedPlatform)(nil)

// UnsupportedPlatform reports every primitive as unavailable.
// Used on platforms without an OS strategy.
type UnsupportedPlatform struct {
	name string
}

// NewUnsupportedPlatform creates an UnsupportedPlatform labelled name.
func NewUnsupportedPlatform(name string) *UnsupportedPlatform {
	return &UnsupportedPlatform{name: name}
}

// Name returns the platform label.
func (u *UnsupportedPlatform) Name() string { return u.name }

// Caps returns all-false caps.
func (u *UnsupportedPlatform) Caps() PlatformCaps { return PlatformCaps{} }

func (u *UnsupportedPlatform) GetAffinity(int) ([]int, error) {
	return nil, unsupported(u.name, "cpu affinity")
}

func (u *UnsupportedPlatform) SetAffinity(int, []int) error {
	return unsupported(u.name, "cpu affinity")
}

func (u *UnsupportedPlatform) GetPriority(int) (schema.Priority, error) {
	return schema.Priority{}, unsupported(u.name, "process priority")
}

func (u *UnsupportedPlatform) SetPriority(int, schema.Priority) error {
	return unsupported(u.name, "process priority")
}

func (u *UnsupportedPlatform) DropCaches(context.Context) error {
	return unsupported(u.name, "cache drop")
}

func (u *UnsupportedPlatform) ListProcesses(context.Context) ([]Process, error) {
	return nil, unsupported(u.name, "process listing")
}
