package mnemos

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"path/filepath"
	"slices"
	"time"

	"github.com/rendis/mnemos/internal/expressions"
	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/internal/store"
	"github.com/rendis/mnemos/internal/streaming"
	"github.com/rendis/mnemos/pkg/schema"
)

// Entry is a bus publication. The payload lives in the kernel's store.
type Entry struct {
	ID        string
	Agent     string
	Published time.Time
	TTL       *time.Duration // nil = never expires
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL != nil && now.Sub(e.Published) > *e.TTL
}

// entryRecord is the persisted form of an Entry.
type entryRecord struct {
	ID        string   `json:"id"`
	Agent     string   `json:"agent"`
	Published float64  `json:"published"`
	TTL       *float64 `json:"ttl"`
}

func (e Entry) record() entryRecord {
	r := entryRecord{
		ID:        e.ID,
		Agent:     e.Agent,
		Published: float64(e.Published.UnixNano()) / float64(time.Second),
	}
	if e.TTL != nil {
		secs := e.TTL.Seconds()
		r.TTL = &secs
	}
	return r
}

func (r entryRecord) entry() Entry {
	sec, frac := math.Modf(r.Published)
	e := Entry{
		ID:        r.ID,
		Agent:     r.Agent,
		Published: time.Unix(int64(sec), int64(frac*float64(time.Second))),
	}
	if r.TTL != nil {
		ttl := time.Duration(*r.TTL * float64(time.Second))
		e.TTL = &ttl
	}
	return e
}

// Thought is a live bus entry resolved to its payload.
type Thought struct {
	ID        string          `json:"id"`
	Agent     string          `json:"agent"`
	Published time.Time       `json:"published"`
	Payload   json.RawMessage `json:"payload"`
}

// BusConfig holds the optional collaborators of a Bus.
type BusConfig struct {
	Hub   streaming.EventHub      // live subscriptions (nil = Subscribe unavailable)
	Query *expressions.GoJQEngine // payload queries (nil = a private engine)
	Tuner Tuner                   // tuning bridge (nil = pass-throughs no-op)
	Pro   ProFeatures             // licensed bridge (nil = pass-throughs no-op)
}

// Bus is an append-only list of expiring publications over a Kernel. It uses
// the kernel's lock, so bus and store mutations are serialized together.
type Bus struct {
	k       *Kernel
	doc     *store.Document
	entries []Entry

	hub    streaming.EventHub
	jq     *expressions.GoJQEngine
	tuner  Tuner
	pro    ProFeatures
	logger *slog.Logger
}

// NewBus loads persisted entries from the kernel's data directory.
// A missing or malformed document yields an empty bus.
func NewBus(ctx context.Context, k *Kernel, cfg BusConfig) *Bus {
	if cfg.Query == nil {
		cfg.Query = expressions.NewGoJQEngine()
	}
	b := &Bus{
		k:      k,
		doc:    store.NewDocument(filepath.Join(k.dataDir, BusFile)),
		hub:    cfg.Hub,
		jq:     cfg.Query,
		tuner:  cfg.Tuner,
		pro:    cfg.Pro,
		logger: k.logger,
	}

	var records []entryRecord
	if _, err := b.doc.Load(&records); err != nil {
		b.logger.WarnContext(ctx, "bus document unreadable, starting empty",
			slog.String("path", b.doc.Path()),
			slog.String("error", err.Error()))
		records = nil
	}

	k.mu.Lock()
	for _, r := range records {
		b.entries = append(b.entries, r.entry())
	}
	k.busLen = len(b.entries)
	k.mu.Unlock()

	return b
}

// Publish stores payload, appends an entry and persists both. ttl nil means
// the entry never expires.
func (b *Bus) Publish(ctx context.Context, agent string, payload any, ttl *time.Duration) (string, error) {
	if agent == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "agent is required")
	}
	if ttl != nil && *ttl < 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "ttl must not be negative")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	ctx = logging.WithAgent(ctx, agent)

	b.k.mu.Lock()
	id := b.k.storeLocked(ctx, raw)
	e := Entry{ID: id, Agent: agent, Published: b.k.now()}
	if ttl != nil {
		d := *ttl
		e.TTL = &d
	}
	b.entries = append(b.entries, e)
	b.persistLocked(ctx)
	b.k.mu.Unlock()

	b.notify(ctx, streaming.EventPublished, e, raw)
	return id, nil
}

// GetThoughts sweeps expired entries and returns the live ones published by
// agent (all agents when empty) in publication order. Entries whose record is
// missing from the store, or holds null, are skipped. Payloads are copies.
func (b *Bus) GetThoughts(ctx context.Context, agent string) []Thought {
	if b.hasExpired() {
		b.CleanExpired(ctx)
	}

	b.k.mu.RLock()
	defer b.k.mu.RUnlock()

	now := b.k.now()
	out := make([]Thought, 0, len(b.entries))
	for _, e := range b.entries {
		if agent != "" && e.Agent != agent {
			continue
		}
		// An entry can expire between the sweep and this read.
		if e.Expired(now) {
			continue
		}
		payload, ok := b.k.thoughts[e.ID]
		if !ok || isNull(payload) {
			continue
		}
		out = append(out, Thought{ID: e.ID, Agent: e.Agent, Published: e.Published, Payload: slices.Clone(payload)})
	}
	return out
}

// CleanExpired removes expired entries and persists the reduced list. The
// underlying records stay in the store. It returns the number removed.
func (b *Bus) CleanExpired(ctx context.Context) int {
	b.k.mu.Lock()
	now := b.k.now()
	kept := b.entries[:0]
	var removed []Entry
	for _, e := range b.entries {
		if e.Expired(now) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	// Clear the tail so dropped entries do not pin their TTL pointers.
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = Entry{}
	}
	b.entries = kept
	if len(removed) > 0 {
		b.persistLocked(ctx)
	}
	b.k.mu.Unlock()

	for _, e := range removed {
		b.notify(ctx, streaming.EventExpired, e, nil)
	}
	if len(removed) > 0 {
		b.logger.DebugContext(ctx, "expired thoughts removed", slog.Int("count", len(removed)))
	}
	return len(removed)
}

// Len returns the number of entries, including expired ones not yet swept.
func (b *Bus) Len() int {
	b.k.mu.RLock()
	defer b.k.mu.RUnlock()
	return len(b.entries)
}

// Subscribe streams future publications and expirations for agent (all
// agents when empty).
func (b *Bus) Subscribe(ctx context.Context, agent string) (<-chan streaming.ThoughtEvent, func(), error) {
	if b.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeUnavailable, "live subscriptions are not enabled")
	}
	return b.hub.Subscribe(ctx, streaming.EventFilter{Agent: agent})
}

func (b *Bus) hasExpired() bool {
	b.k.mu.RLock()
	defer b.k.mu.RUnlock()
	now := b.k.now()
	for _, e := range b.entries {
		if e.Expired(now) {
			return true
		}
	}
	return false
}

func (b *Bus) persistLocked(ctx context.Context) {
	b.k.busLen = len(b.entries)
	records := make([]entryRecord, len(b.entries))
	for i, e := range b.entries {
		records[i] = e.record()
	}
	if err := b.doc.Save(records); err != nil {
		b.logger.WarnContext(ctx, "bus persistence failed, continuing in memory",
			slog.String("path", b.doc.Path()),
			slog.String("error", err.Error()))
	}
}

func isNull(p json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(p), nullPayload)
}

func (b *Bus) notify(ctx context.Context, typ string, e Entry, payload json.RawMessage) {
	if b.hub == nil {
		return
	}
	evt := streaming.ThoughtEvent{
		Type:      typ,
		ID:        e.ID,
		Agent:     e.Agent,
		Published: e.Published,
		Payload:   slices.Clone(payload),
	}
	if err := b.hub.Publish(context.WithoutCancel(ctx), evt); err != nil {
		b.logger.DebugContext(ctx, "thought event dropped", slog.String("error", err.Error()))
	}
}
