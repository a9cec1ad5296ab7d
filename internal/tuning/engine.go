// Package tuning applies and reverts process-level resource hints (CPU
// affinity, scheduling priority), reclaims memory and warms the page cache.
package tuning

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/pkg/schema"
)

// DefaultIdleAfter is how long a tracked handle must go unused before a soft
// flush closes it.
const DefaultIdleAfter = 60 * time.Second

// State is the lifecycle of a tunable resource.
type State int

const (
	StateUnset State = iota
	StateModified
	StateRestored
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StateModified:
		return "modified"
	case StateRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// resource tracks one tunable. original is captured by the first successful
// Set and kept until Reset; later Sets never replace it.
type resource[T any] struct {
	mu       sync.Mutex
	state    State
	original *T
	captured time.Time
}

// Snapshot is the set of pre-change values captured by the engine.
// Nil fields were never modified (or could not be read before the change).
type Snapshot struct {
	Affinity   []int
	Priority   *schema.Priority
	CapturedAt time.Time
}

// Empty reports whether the snapshot holds nothing to restore.
func (s Snapshot) Empty() bool {
	return s.Affinity == nil && s.Priority == nil
}

// Config holds Engine collaborators and knobs.
type Config struct {
	Platform  Platform         // nil = NewPlatform for the running OS
	Logger    *slog.Logger     // nil = stderr text logger
	Handles   *HandleTracker   // nil = a private tracker
	IdleAfter time.Duration    // idle threshold for soft flush (0 = DefaultIdleAfter)
	Keywords  []string         // runtime detection keywords (nil = DefaultKeywords)
	Now       func() time.Time // nil = time.Now
}

// Engine is the tuning engine. Affinity and priority each follow
// Unset -> Modified -> Restored with a first-snapshot-wins restore target.
// Set and Reset on the same resource are serialized.
type Engine struct {
	platform  Platform
	logger    *slog.Logger
	handles   *HandleTracker
	idleAfter time.Duration
	keywords  []string
	now       func() time.Time

	affinity resource[[]int]
	priority resource[schema.Priority]
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Platform == nil {
		cfg.Platform = NewPlatform(logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Handles == nil {
		cfg.Handles = NewHandleTracker(cfg.Now)
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.Keywords == nil {
		cfg.Keywords = DefaultKeywords
	}
	return &Engine{
		platform:  cfg.Platform,
		logger:    logger,
		handles:   cfg.Handles,
		idleAfter: cfg.IdleAfter,
		keywords:  cfg.Keywords,
		now:       cfg.Now,
	}
}

// Platform returns the OS strategy in use.
func (e *Engine) Platform() Platform { return e.platform }

// Handles returns the tracker consulted by soft flushes.
func (e *Engine) Handles() *HandleTracker { return e.handles }

// SetAffinity pins the calling process to cpus. Failures are logged and
// leave the state untouched. It reports whether the change was applied.
func (e *Engine) SetAffinity(ctx context.Context, cpus []int) bool {
	r := &e.affinity
	r.mu.Lock()
	defer r.mu.Unlock()

	var original *[]int
	if r.state != StateModified {
		if cur, err := e.platform.GetAffinity(Self); err == nil {
			original = &cur
		} else {
			e.logFailure(ctx, "read cpu affinity", err)
		}
	}

	if err := e.platform.SetAffinity(Self, cpus); err != nil {
		e.logFailure(ctx, "set cpu affinity", err, slog.Any("cpus", cpus))
		return false
	}

	if r.state != StateModified {
		r.state = StateModified
		r.original = original
		r.captured = e.now()
	}
	e.logger.InfoContext(ctx, "cpu affinity set", slog.Any("cpus", cpus))
	return true
}

// SetPriority changes the calling process's niceness or priority class.
// Failures are logged and leave the state untouched.
func (e *Engine) SetPriority(ctx context.Context, p schema.Priority) bool {
	r := &e.priority
	r.mu.Lock()
	defer r.mu.Unlock()

	var original *schema.Priority
	if r.state != StateModified {
		if cur, err := e.platform.GetPriority(Self); err == nil {
			original = &cur
		} else {
			e.logFailure(ctx, "read priority", err)
		}
	}

	if err := e.platform.SetPriority(Self, p); err != nil {
		e.logFailure(ctx, "set priority", err, slog.String("priority", p.String()))
		return false
	}

	if r.state != StateModified {
		r.state = StateModified
		r.original = original
		r.captured = e.now()
	}
	e.logger.InfoContext(ctx, "priority set", slog.String("priority", p.String()))
	return true
}

// ResetAffinity re-applies the captured affinity. Without a snapshot it is a
// no-op. It reports whether a value was restored.
func (e *Engine) ResetAffinity(ctx context.Context) bool {
	r := &e.affinity
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateModified || r.original == nil {
		return false
	}
	if err := e.platform.SetAffinity(Self, *r.original); err != nil {
		e.logFailure(ctx, "restore cpu affinity", err)
		return false
	}
	e.logger.InfoContext(ctx, "cpu affinity restored", slog.Any("cpus", *r.original))
	r.state = StateRestored
	r.original = nil
	return true
}

// ResetPriority re-applies the captured priority. Without a snapshot it is a
// no-op.
func (e *Engine) ResetPriority(ctx context.Context) bool {
	r := &e.priority
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateModified || r.original == nil {
		return false
	}
	if err := e.platform.SetPriority(Self, *r.original); err != nil {
		e.logFailure(ctx, "restore priority", err)
		return false
	}
	e.logger.InfoContext(ctx, "priority restored", slog.String("priority", r.original.String()))
	r.state = StateRestored
	r.original = nil
	return true
}

// Reset restores both resources independently.
func (e *Engine) Reset(ctx context.Context) {
	e.ResetAffinity(ctx)
	e.ResetPriority(ctx)
}

// RestoreAffinity applies a previously persisted affinity without capturing
// a snapshot. Used by safe-boot recovery; errors are returned to the caller.
func (e *Engine) RestoreAffinity(ctx context.Context, cpus []int) error {
	r := &e.affinity
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := e.platform.SetAffinity(Self, cpus); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "cpu affinity recovered", slog.Any("cpus", cpus))
	return nil
}

// RestorePriority applies a previously persisted priority without capturing
// a snapshot.
func (e *Engine) RestorePriority(ctx context.Context, p schema.Priority) error {
	r := &e.priority
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := e.platform.SetPriority(Self, p); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "priority recovered", slog.String("priority", p.String()))
	return nil
}

// States returns the current affinity and priority states.
func (e *Engine) States() (affinity, priority State) {
	e.affinity.mu.Lock()
	affinity = e.affinity.state
	e.affinity.mu.Unlock()

	e.priority.mu.Lock()
	priority = e.priority.state
	e.priority.mu.Unlock()
	return affinity, priority
}

// Snapshot returns the restore targets of resources in the Modified state.
func (e *Engine) Snapshot() Snapshot {
	var s Snapshot

	e.affinity.mu.Lock()
	if e.affinity.state == StateModified && e.affinity.original != nil {
		s.Affinity = slices.Clone(*e.affinity.original)
		s.CapturedAt = e.affinity.captured
	}
	e.affinity.mu.Unlock()

	e.priority.mu.Lock()
	if e.priority.state == StateModified && e.priority.original != nil {
		p := *e.priority.original
		s.Priority = &p
		if s.CapturedAt.IsZero() || e.priority.captured.Before(s.CapturedAt) {
			s.CapturedAt = e.priority.captured
		}
	}
	e.priority.mu.Unlock()

	return s
}

// CurrentAffinity reads the live affinity of the calling process.
func (e *Engine) CurrentAffinity() ([]int, error) {
	return e.platform.GetAffinity(Self)
}

// CurrentPriority reads the live priority of the calling process.
func (e *Engine) CurrentPriority() (schema.Priority, error) {
	return e.platform.GetPriority(Self)
}

// logFailure logs a tuning failure. Unsupported primitives are expected on
// some platforms and only logged at info.
func (e *Engine) logFailure(ctx context.Context, op string, err error, attrs ...any) {
	attrs = append(attrs, slog.String("op", op), slog.String("error", err.Error()))
	if schema.IsCode(err, schema.ErrCodeUnsupportedPlatform) {
		e.logger.InfoContext(ctx, "tuning primitive unavailable", attrs...)
		return
	}
	e.logger.WarnContext(ctx, "tuning operation failed", attrs...)
}
