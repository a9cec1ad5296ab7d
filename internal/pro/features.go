// Package pro implements the licensed tuning operations: aggressive cache
// clearing, runtime profiles and a background upkeep daemon.
package pro

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/mnemos/internal/expressions"
	"github.com/rendis/mnemos/internal/license"
	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/internal/pulse"
	"github.com/rendis/mnemos/internal/tuning"
	"github.com/rendis/mnemos/pkg/schema"
)

// Daemon defaults.
const (
	DefaultAutoFlushMemPercent = 85.0
	DefaultFlushCooldown       = 30 * time.Second
)

// Config holds Features collaborators.
type Config struct {
	Gate      license.Gate   // required
	Engine    *tuning.Engine // required
	Profiles  []Profile      // nil = BuiltinProfiles()
	Sampler   pulse.Sampler  // daemon sampler (nil = pulse.NewSampler())
	Publisher pulse.Publisher

	DaemonInterval      time.Duration // 0 = pulse.DefaultInterval
	AutoFlushMemPercent float64       // 0 = DefaultAutoFlushMemPercent
	FlushCooldown       time.Duration // 0 = DefaultFlushCooldown
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Features runs licensed operations. Every public operation except the
// read-only profile accessors asks the gate first.
type Features struct {
	gate      license.Gate
	engine    *tuning.Engine
	profiles  []Profile
	engines   []expressions.Engine
	sampler   pulse.Sampler
	publisher pulse.Publisher
	interval  time.Duration
	threshold float64
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	monitor   *pulse.Monitor
	lastFlush time.Time
	flushes   int
}

// New validates the profile set and returns Features.
func New(cfg Config) (*Features, error) {
	if cfg.Gate == nil || cfg.Engine == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pro features need a license gate and a tuning engine")
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	engines := []expressions.Engine{expressions.NewExprEngine(), cel}

	if cfg.Profiles == nil {
		cfg.Profiles = BuiltinProfiles()
	}
	report := CheckProfiles(cfg.Profiles, engines...)
	if err := report.Err(); err != nil {
		return nil, err
	}
	logger := logging.OrDefault(cfg.Logger)
	for _, w := range report.Warnings {
		logger.Warn("profile check", slog.String("issue", w.String()))
	}
	if cfg.Sampler == nil {
		cfg.Sampler = pulse.NewSampler()
	}
	if cfg.DaemonInterval <= 0 {
		cfg.DaemonInterval = pulse.DefaultInterval
	}
	if cfg.AutoFlushMemPercent <= 0 {
		cfg.AutoFlushMemPercent = DefaultAutoFlushMemPercent
	}
	if cfg.FlushCooldown <= 0 {
		cfg.FlushCooldown = DefaultFlushCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Features{
		gate:      cfg.Gate,
		engine:    cfg.Engine,
		profiles:  append([]Profile(nil), cfg.Profiles...),
		engines:   engines,
		sampler:   cfg.Sampler,
		publisher: cfg.Publisher,
		interval:  cfg.DaemonInterval,
		threshold: cfg.AutoFlushMemPercent,
		cooldown:  cfg.FlushCooldown,
		logger:    logger,
		now:       cfg.Now,
	}, nil
}

// AggressiveClear runs an aggressive flush.
func (f *Features) AggressiveClear(ctx context.Context) (tuning.FlushReport, error) {
	if err := f.gate.Allow(ctx, license.FeatureAggressiveClear); err != nil {
		return tuning.FlushReport{}, err
	}
	return f.engine.FlushMemory(ctx, true), nil
}

// Profiles returns the configured profiles in selection order.
func (f *Features) Profiles() []Profile {
	return append([]Profile(nil), f.profiles...)
}

// Profile looks up a profile by name.
func (f *Features) Profile(name string) (Profile, bool) {
	for _, p := range f.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// ApplyProfile applies the named profile: affinity, priority, flush, then
// runtime boosts. Tuning failures are logged by the engine; only the gate
// and an unknown name produce errors.
func (f *Features) ApplyProfile(ctx context.Context, name string) error {
	if err := f.gate.Allow(ctx, license.FeatureProfiles); err != nil {
		return err
	}
	p, ok := f.Profile(name)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown profile %q", name).
			WithDetails(map[string]any{"profile": name})
	}

	if len(p.CPUs) > 0 {
		f.engine.SetAffinity(ctx, p.CPUs)
	}
	if p.Priority != nil {
		f.engine.SetPriority(ctx, *p.Priority)
	}
	switch p.Flush {
	case FlushSoft:
		f.engine.FlushMemory(ctx, false)
	case FlushAggressive:
		f.engine.FlushMemory(ctx, true)
	}

	boosted := 0
	if p.BoostRuntimes {
		procs := f.engine.DetectRuntimes(ctx, nil)
		for _, r := range f.engine.BoostAll(ctx, procs, p.CPUs, p.Priority) {
			if r.Affinity || r.Priority {
				boosted++
			}
		}
	}

	f.logger.InfoContext(ctx, "runtime profile applied",
		slog.String("profile", p.Name),
		slog.Int("runtimes_boosted", boosted))
	return nil
}

// SelectProfile returns the first profile whose condition holds for s.
// Evaluation errors are returned; ok is false when nothing matches.
func (f *Features) SelectProfile(ctx context.Context, s pulse.Sample) (Profile, bool, error) {
	for _, p := range f.profiles {
		hit, err := matches(ctx, p, s, f.engines...)
		if err != nil {
			return Profile{}, false, schema.NewErrorf(schema.ErrCodeExecution,
				"profile %q condition: %s", p.Name, err.Error()).WithCause(err)
		}
		if hit {
			return p, true, nil
		}
	}
	return Profile{}, false, nil
}

// StartDaemon starts the upkeep loop: host samples are published and an
// aggressive flush runs when memory use crosses the threshold, at most once
// per cooldown. Starting a running daemon is a no-op.
func (f *Features) StartDaemon(ctx context.Context) error {
	if err := f.gate.Allow(ctx, license.FeatureDaemon); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.monitor != nil {
		return nil
	}

	m := pulse.NewMonitor(pulse.MonitorConfig{
		Sampler:   f.sampler,
		Publisher: f.publisher,
		Interval:  f.interval,
		OnSample:  f.onSample,
		Logger:    f.logger,
	})
	// The daemon outlives the request that started it.
	if err := m.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	f.monitor = m
	f.logger.InfoContext(ctx, "upkeep daemon started",
		slog.Float64("auto_flush_mem_percent", f.threshold))
	return nil
}

// StopDaemon stops the upkeep loop and waits for it to exit.
func (f *Features) StopDaemon() {
	f.mu.Lock()
	m := f.monitor
	f.monitor = nil
	f.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

// DaemonRunning reports whether the upkeep loop is active.
func (f *Features) DaemonRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitor != nil
}

// AutoFlushes returns how many flushes the daemon has triggered.
func (f *Features) AutoFlushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func (f *Features) onSample(ctx context.Context, s pulse.Sample) {
	if s.MemPercent < f.threshold {
		return
	}

	f.mu.Lock()
	now := f.now()
	if !f.lastFlush.IsZero() && now.Sub(f.lastFlush) < f.cooldown {
		f.mu.Unlock()
		return
	}
	f.lastFlush = now
	f.flushes++
	f.mu.Unlock()

	f.logger.InfoContext(ctx, "memory pressure, flushing",
		slog.Float64("mem_percent", s.MemPercent),
		slog.Float64("threshold", f.threshold))
	f.engine.FlushMemory(ctx, true)
}
