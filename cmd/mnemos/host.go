package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rendis/mnemos/internal/config"
	"github.com/rendis/mnemos/internal/license"
	"github.com/rendis/mnemos/internal/mnemos"
	"github.com/rendis/mnemos/internal/pro"
	"github.com/rendis/mnemos/internal/pulse"
	"github.com/rendis/mnemos/internal/shield"
	"github.com/rendis/mnemos/internal/store"
	"github.com/rendis/mnemos/internal/streaming"
	"github.com/rendis/mnemos/internal/tuning"
	"github.com/rendis/mnemos/internal/validation"
	"github.com/rendis/mnemos/pkg/mcp"
	"github.com/rendis/mnemos/pkg/schema"
)

// hostDeps overrides OS collaborators. Zero values select the real ones.
type hostDeps struct {
	Platform tuning.Platform
	Sampler  pulse.Sampler
}

// host owns every long-lived component of a running mnemos process.
type host struct {
	cfg    config.Config
	logger *slog.Logger

	kernel       *mnemos.Kernel
	bus          *mnemos.Bus
	engine       *tuning.Engine
	gate         *license.KeyGate
	shield       *shield.Shield
	checkpointer *shield.Checkpointer
	pro          *pro.Features
	monitor      *pulse.Monitor
	sampler      pulse.Sampler

	closeOnce sync.Once
}

// newHost wires the components. Nothing is started; see boot.
func newHost(ctx context.Context, cfg config.Config, logger *slog.Logger, deps hostDeps) (*host, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIO, "create data dir %s", cfg.DataDir).WithCause(err)
	}

	backend, err := store.OpenThoughtBackend(ctx, cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	sampler := deps.Sampler
	if sampler == nil {
		sampler = pulse.NewSampler()
	}

	engine := tuning.NewEngine(tuning.Config{
		Platform:  deps.Platform,
		Logger:    logger,
		IdleAfter: cfg.HandleIdleAfterDuration(),
		Keywords:  cfg.RuntimeKeywords,
	})
	trackBackend(engine.Handles(), backend)

	kernel := mnemos.NewKernel(ctx, mnemos.KernelConfig{
		DataDir: cfg.DataDir,
		Backend: backend,
		Logger:  logger,
	})

	gate := license.NewKeyGate(cfg.LicenseKey, logger)

	validator := validation.NewValidator()
	sh := shield.New(shield.Config{
		DataDir:   cfg.DataDir,
		Engine:    engine,
		Sampler:   sampler,
		Validator: validator,
		Logger:    logger,
	})
	checkpointer, err := shield.NewCheckpointer(sh, cfg.CheckpointSchedule, logger)
	if err != nil {
		_ = kernel.Close()
		return nil, err
	}

	publisher := &busPublisher{}
	features, err := pro.New(pro.Config{
		Gate:                gate,
		Engine:              engine,
		Profiles:            cfg.Profiles,
		Sampler:             sampler,
		Publisher:           publisher,
		DaemonInterval:      cfg.PulseIntervalDuration(),
		AutoFlushMemPercent: cfg.AutoFlushMemPercent,
		Logger:              logger,
	})
	if err != nil {
		_ = kernel.Close()
		return nil, err
	}

	bus := mnemos.NewBus(ctx, kernel, mnemos.BusConfig{
		Hub:   streaming.NewMemoryHub(),
		Tuner: engine,
		Pro:   features,
	})
	publisher.set(bus)

	logger.Info("mnemos host ready",
		slog.String("data_dir", cfg.DataDir),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("platform", engine.Platform().Name()),
		slog.Bool("licensed", gate.Licensed()),
		slog.String("license", gate.Fingerprint()))

	return &host{
		cfg:          cfg,
		logger:       logger,
		kernel:       kernel,
		bus:          bus,
		engine:       engine,
		gate:         gate,
		shield:       sh,
		checkpointer: checkpointer,
		pro:          features,
		sampler:      sampler,
	}, nil
}

// boot runs the safe-boot sequence: restore the last tuning snapshot, then
// the optional flush, ignite and pulse steps, then periodic checkpoints.
// Step failures are logged; only a checkpointer failure aborts.
func (h *host) boot(ctx context.Context) error {
	report := h.shield.RestoreLastState(ctx)
	h.logger.InfoContext(ctx, "safe boot restore",
		slog.Bool("found", report.Found),
		slog.Bool("affinity", report.Affinity),
		slog.Bool("priority", report.Priority))

	if h.cfg.FlushOnBoot {
		h.bus.SoftClean(ctx)
	}

	if h.cfg.IgniteAutorun {
		opts := tuning.LaunchOptions{
			ModelPath: h.cfg.Model,
			CPUs:      h.cfg.CPUCores,
			Priority:  h.cfg.Priority,
		}
		if _, err := h.bus.Ignite(ctx, opts); err != nil {
			h.logger.WarnContext(ctx, "ignite autorun failed", slog.String("error", err.Error()))
		}
	}

	if h.cfg.PulseAutorun {
		h.monitor = pulse.NewMonitor(pulse.MonitorConfig{
			Sampler:   h.sampler,
			Publisher: h.bus,
			Interval:  h.cfg.PulseIntervalDuration(),
			TTL:       h.cfg.PulseTTLDuration(),
			Logger:    h.logger,
		})
		if err := h.monitor.Start(ctx); err != nil {
			h.logger.WarnContext(ctx, "pulse autorun failed", slog.String("error", err.Error()))
		}
	}

	return h.checkpointer.Start(ctx)
}

// server builds the MCP server over the host's components.
func (h *host) server() *mcp.Server {
	return mcp.NewServer(mcp.ServerDeps{
		Kernel: h.kernel,
		Bus:    h.bus,
		Engine: h.engine,
		Pro:    h.pro,
		Logger: h.logger,
	})
}

// close stops background work, saves a final snapshot and releases the
// store. ctx should outlive the serve context so the save can run.
func (h *host) close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		h.checkpointer.Stop()
		if h.monitor != nil {
			h.monitor.Stop()
		}
		h.pro.StopDaemon()

		if !h.shield.SaveState(ctx) {
			h.logger.WarnContext(ctx, "final tuning snapshot not saved")
		}
		err = h.kernel.Close()
		h.logger.InfoContext(ctx, "mnemos host stopped", slog.Any("stats", h.kernel.Stats()))
	})
	return err
}

// busPublisher lets pro.Features publish daemon samples to a bus that is
// created after it.
type busPublisher struct {
	mu  sync.RWMutex
	bus *mnemos.Bus
}

var _ pulse.Publisher = (*busPublisher)(nil)

func (p *busPublisher) set(b *mnemos.Bus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bus = b
}

func (p *busPublisher) Publish(ctx context.Context, agent string, payload any, ttl *time.Duration) (string, error) {
	p.mu.RLock()
	b := p.bus
	p.mu.RUnlock()
	if b == nil {
		return "", schema.NewError(schema.ErrCodeUnavailable, "bus is not ready")
	}
	return b.Publish(ctx, agent, payload, ttl)
}

// trackedPool keeps a libSQL connection pool registered with the engine's
// handle tracker. A soft flush that finds it idle releases the connections
// and drops the registration; the next database access registers it again.
type trackedPool struct {
	mu      sync.Mutex
	tracker *tuning.HandleTracker
	name    string
	conns   io.Closer
	handle  *tuning.Handle
}

func (p *trackedPool) use() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil || !p.handle.Touch() {
		p.handle = p.tracker.Track(p.name, p.conns)
	}
}

// trackBackend registers backends that hold open descriptors between calls.
func trackBackend(tracker *tuning.HandleTracker, backend store.ThoughtBackend) {
	lb, ok := backend.(*store.LibSQLBackend)
	if !ok {
		return
	}
	pool := &trackedPool{tracker: tracker, name: "libsql:" + lb.Path(), conns: lb.IdleConns()}
	lb.OnUse(pool.use)
}
