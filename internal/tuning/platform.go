package tuning

import (
	"context"
	"errors"
	"io/fs"

	"github.com/rendis/mnemos/pkg/schema"
)

// Self addresses the calling process in Platform methods.
const Self = 0

// PlatformCaps describes which primitives a platform provides.
type PlatformCaps struct {
	Affinity        bool `json:"affinity"`
	Priority        bool `json:"priority"`
	PriorityClasses bool `json:"priority_classes"` // priority is expressed as classes rather than niceness
	DropCaches      bool `json:"drop_caches"`
	ProcessList     bool `json:"process_list"`
}

// Process is an entry of the live process table.
type Process struct {
	PID     int      `json:"pid"`
	Name    string   `json:"name"`
	Cmdline []string `json:"cmdline,omitempty"`
}

// Platform is the OS strategy behind the Engine. One implementation exists
// per supported OS and is selected by build tag in NewPlatform.
// A pid of Self targets the calling process.
type Platform interface {
	Name() string
	Caps() PlatformCaps

	GetAffinity(pid int) ([]int, error)
	SetAffinity(pid int, cpus []int) error

	GetPriority(pid int) (schema.Priority, error)
	SetPriority(pid int, p schema.Priority) error

	// DropCaches runs the OS-level cache reclamation primitive.
	DropCaches(ctx context.Context) error

	ListProcesses(ctx context.Context) ([]Process, error)
}

// DefaultBoost is the priority applied to detected runtimes when the caller
// gives none: the high class where priority is class based, niceness -5
// elsewhere.
func DefaultBoost(p Platform) schema.Priority {
	if p.Caps().PriorityClasses {
		return schema.ClassPriority(schema.PriorityHigh)
	}
	return schema.NicePriority(-5)
}

func unsupported(platform, op string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeUnsupportedPlatform, "%s is not supported on %s", op, platform).
		WithDetails(map[string]any{"platform": platform, "op": op})
}

// osError classifies an OS error for op into the error taxonomy.
func osError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sErr *schema.Error
	if errors.As(err, &sErr) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return schema.NewErrorf(schema.ErrCodePermissionDenied, "%s: %s", op, err.Error()).WithCause(err)
	case errors.Is(err, fs.ErrNotExist):
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s: %s", op, err.Error()).WithCause(err)
	default:
		return schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", op, err.Error()).WithCause(err)
	}
}

func validateCPUs(cpus []int, limit int) error {
	if len(cpus) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "cpu set is empty")
	}
	for _, c := range cpus {
		if c < 0 || c >= limit {
			return schema.NewErrorf(schema.ErrCodeValidation, "cpu %d out of range [0, %d)", c, limit)
		}
	}
	return nil
}
