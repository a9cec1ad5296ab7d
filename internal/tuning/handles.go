package tuning

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// HandleTracker records long-lived handles (open files, connections) along
// with their last use, so that soft flushes can close those left idle.
// Only registered handles are ever closed.
type HandleTracker struct {
	mu      sync.Mutex
	handles map[uint64]*trackedHandle
	seq     atomic.Uint64
	now     func() time.Time
}

type trackedHandle struct {
	name     string
	closer   io.Closer
	lastUsed time.Time
}

// Handle is a registration returned by Track.
type Handle struct {
	t  *HandleTracker
	id uint64
}

// NewHandleTracker creates an empty tracker. now may be nil.
func NewHandleTracker(now func() time.Time) *HandleTracker {
	if now == nil {
		now = time.Now
	}
	return &HandleTracker{handles: make(map[uint64]*trackedHandle), now: now}
}

// Track registers c under name, marked as used now.
func (t *HandleTracker) Track(name string, c io.Closer) *Handle {
	id := t.seq.Add(1)
	t.mu.Lock()
	t.handles[id] = &trackedHandle{name: name, closer: c, lastUsed: t.now()}
	t.mu.Unlock()
	return &Handle{t: t, id: id}
}

// Touch marks the handle as used now. Touching a closed handle reports false.
func (h *Handle) Touch() bool {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	th, ok := h.t.handles[h.id]
	if !ok {
		return false
	}
	th.lastUsed = h.t.now()
	return true
}

// Close unregisters and closes the handle. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.t.mu.Lock()
	th, ok := h.t.handles[h.id]
	delete(h.t.handles, h.id)
	h.t.mu.Unlock()
	if !ok {
		return nil
	}
	return th.closer.Close()
}

// Len returns the number of registered handles.
func (t *HandleTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// CloseIdle closes every handle unused for longer than idle and returns
// their names. Close errors are joined; the handle is unregistered anyway.
func (t *HandleTracker) CloseIdle(idle time.Duration) ([]string, error) {
	now := t.now()

	t.mu.Lock()
	var stale []*trackedHandle
	for id, th := range t.handles {
		if now.Sub(th.lastUsed) > idle {
			stale = append(stale, th)
			delete(t.handles, id)
		}
	}
	t.mu.Unlock()

	names := make([]string, 0, len(stale))
	var errs []error
	for _, th := range stale {
		names = append(names, th.name)
		if err := th.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return names, errors.Join(errs...)
}
