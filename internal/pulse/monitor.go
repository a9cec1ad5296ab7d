package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/mnemos/internal/logging"
)

// Defaults for MonitorConfig.
const (
	DefaultInterval = 2 * time.Second
	DefaultTTL      = 60 * time.Second
	DefaultAgent    = "pulse"
)

// Publisher receives samples. Satisfied by *mnemos.Bus.
type Publisher interface {
	Publish(ctx context.Context, agent string, payload any, ttl *time.Duration) (string, error)
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Sampler   Sampler       // nil = NewSampler()
	Publisher Publisher     // nil = samples are not published
	Interval  time.Duration // 0 = DefaultInterval
	TTL       time.Duration // TTL of published samples (0 = DefaultTTL)
	Agent     string        // publishing agent ("" = DefaultAgent)
	OnSample  func(ctx context.Context, s Sample)
	Logger    *slog.Logger
}

// Monitor samples host load on a ticker until stopped. Sampling and
// publishing failures are logged and the loop continues.
type Monitor struct {
	cfg    MonitorConfig
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	latestMu sync.RWMutex
	latest   Sample
	hasData  bool
}

// NewMonitor creates a stopped Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Sampler == nil {
		cfg.Sampler = NewSampler()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Agent == "" {
		cfg.Agent = DefaultAgent
	}
	return &Monitor{cfg: cfg, logger: logging.OrDefault(cfg.Logger)}
}

// Start launches the sampling loop. It samples once immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("pulse monitor already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(loopCtx, done)
	m.logger.Info("pulse monitor started", slog.Duration("interval", m.cfg.Interval))
	return nil
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

// Stop cancels the loop and waits for it to exit. Stopping a stopped
// monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.logger.Info("pulse monitor stopped")
}

// Latest returns the most recent successful sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latest, m.hasData
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	s, err := m.cfg.Sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WarnContext(ctx, "pulse sample failed", slog.String("error", err.Error()))
		}
		return
	}

	m.latestMu.Lock()
	m.latest, m.hasData = s, true
	m.latestMu.Unlock()

	if m.cfg.Publisher != nil {
		ttl := m.cfg.TTL
		pubCtx := logging.WithAgent(ctx, m.cfg.Agent)
		if _, err := m.cfg.Publisher.Publish(pubCtx, m.cfg.Agent, s, &ttl); err != nil {
			m.logger.WarnContext(pubCtx, "pulse publish failed", slog.String("error", err.Error()))
		}
	}
	if m.cfg.OnSample != nil {
		m.cfg.OnSample(ctx, s)
	}
}
