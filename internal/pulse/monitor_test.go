package pulse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPublisher struct {
	mu     sync.Mutex
	agents []string
	ttls   []time.Duration
}

func (r *recordingPublisher) Publish(_ context.Context, agent string, _ any, ttl *time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, agent)
	r.ttls = append(r.ttls, *ttl)
	return "id", nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitor_PublishesSamples(t *testing.T) {
	pub := &recordingPublisher{}
	var hooks atomic.Int32
	sampler := SamplerFunc(func(context.Context) (Sample, error) {
		return Sample{CPUPercent: 12.5, MemPercent: 40, CPUCount: 8}, nil
	})

	m := NewMonitor(MonitorConfig{
		Sampler:   sampler,
		Publisher: pub,
		Interval:  5 * time.Millisecond,
		TTL:       30 * time.Second,
		OnSample:  func(context.Context, Sample) { hooks.Add(1) },
		Logger:    quietLogger(),
	})
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())

	require.Eventually(t, func() bool { return pub.count() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()
	assert.False(t, m.Running())

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 12.5, latest.CPUPercent)
	assert.GreaterOrEqual(t, int(hooks.Load()), 3)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, DefaultAgent, pub.agents[0])
	assert.Equal(t, 30*time.Second, pub.ttls[0])
}

func TestMonitor_SampleErrorsDoNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	sampler := SamplerFunc(func(context.Context) (Sample, error) {
		if calls.Add(1)%2 == 1 {
			return Sample{}, errors.New("transient")
		}
		return Sample{MemPercent: 1}, nil
	})

	m := NewMonitor(MonitorConfig{Sampler: sampler, Interval: 2 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, 2*time.Millisecond)
	_, ok := m.Latest()
	assert.True(t, ok)
}

func TestMonitor_StartTwiceAndStopIdempotent(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Sampler:  SamplerFunc(func(context.Context) (Sample, error) { return Sample{}, nil }),
		Interval: time.Hour,
		Logger:   quietLogger(),
	})

	m.Stop()
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()

	require.NoError(t, m.Start(context.Background()), "a stopped monitor can be restarted")
	m.Stop()
}

func TestMonitor_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMonitor(MonitorConfig{
		Sampler:  SamplerFunc(func(context.Context) (Sample, error) { return Sample{}, nil }),
		Interval: time.Millisecond,
		Logger:   quietLogger(),
	})
	require.NoError(t, m.Start(ctx))
	cancel()
	m.Stop()
}

func TestSample_Env(t *testing.T) {
	env := Sample{CPUPercent: 1.5, MemPercent: 2.5, CPUCount: 4}.Env()
	assert.Equal(t, 1.5, env["cpu_percent"])
	assert.Equal(t, 2.5, env["mem_percent"])
	assert.Equal(t, int64(4), env["cpu_count"])
}
