// Package mnemos is the memory kernel: a durable thought store, a registry of
// named memory maps and an expiring thought bus. All three share a single
// read/write lock held for the whole read-modify-write-persist cycle.
package mnemos

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/internal/store"
	"github.com/rendis/mnemos/pkg/schema"
)

// File names under the data directory.
const (
	MapsFile = "maps.json"
	BusFile  = "bus.json"
)

var nullPayload = json.RawMessage("null")

// KernelConfig holds the collaborators of a Kernel.
type KernelConfig struct {
	DataDir string               // directory for maps.json and bus.json
	Backend store.ThoughtBackend // thought persistence (nil = JSON file under DataDir)
	Logger  *slog.Logger         // nil = stderr text logger
	Now     func() time.Time     // nil = time.Now
	NewID   func() string        // nil = uuid.NewString
}

// Stats reports kernel sizes.
type Stats struct {
	Thoughts   int `json:"thoughts"`
	Maps       int `json:"maps"`
	BusEntries int `json:"bus_entries"`
}

// Kernel owns thoughts and memory maps. Disk is a write-only cache loaded once
// at construction; the in-memory state is authoritative.
type Kernel struct {
	mu sync.RWMutex

	thoughts map[string]json.RawMessage
	maps     map[string]map[string]string

	backend store.ThoughtBackend
	mapsDoc *store.Document
	dataDir string
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	// busLen is maintained by the Bus sharing this kernel's lock.
	busLen int
}

type mapsDocument struct {
	Maps map[string]map[string]string `json:"maps"`
}

// NewKernel loads persisted thoughts and maps. Load failures leave the
// affected collection empty and are logged; construction never fails.
func NewKernel(ctx context.Context, cfg KernelConfig) *Kernel {
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Backend == nil {
		cfg.Backend = store.NewJSONBackend(filepath.Join(cfg.DataDir, store.StoreFile))
	}

	k := &Kernel{
		thoughts: make(map[string]json.RawMessage),
		maps:     make(map[string]map[string]string),
		backend:  cfg.Backend,
		mapsDoc:  store.NewDocument(filepath.Join(cfg.DataDir, MapsFile)),
		dataDir:  cfg.DataDir,
		logger:   logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}

	thoughts, err := k.backend.Load(ctx)
	switch {
	case err != nil && len(thoughts) == 0:
		k.logger.WarnContext(ctx, "thought store unreadable, starting empty",
			slog.String("error", err.Error()))
	case err != nil:
		k.logger.WarnContext(ctx, "thought store partly unreadable",
			slog.Int("loaded", len(thoughts)),
			slog.String("error", err.Error()))
	}
	if len(thoughts) > 0 {
		k.thoughts = thoughts
	}

	var doc mapsDocument
	if _, err := k.mapsDoc.Load(&doc); err != nil {
		k.logger.WarnContext(ctx, "memory maps unreadable, starting empty",
			slog.String("path", k.mapsDoc.Path()),
			slog.String("error", err.Error()))
	} else if doc.Maps != nil {
		k.maps = doc.Maps
	}

	return k
}

// Store inserts payload under a fresh identifier and persists the store.
// payload may be a json.RawMessage or any JSON-serializable value. The only
// error is an unserializable payload; persistence failures are logged.
func (k *Kernel) Store(ctx context.Context, payload any) (string, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	return k.storeLocked(ctx, raw), nil
}

// Retrieve returns a copy of the payload stored under id.
func (k *Kernel) Retrieve(id string) (json.RawMessage, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.thoughts[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(p), true
}

// Rebind replaces the named map with a copy of mapping.
func (k *Kernel) Rebind(ctx context.Context, name string, mapping map[string]string) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "map name is required")
	}

	cp := make(map[string]string, len(mapping))
	for slot, id := range mapping {
		cp[slot] = id
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.maps[name] = cp
	k.persistMapsLocked(ctx)
	return nil
}

// GetMap returns a copy of the named map.
func (k *Kernel) GetMap(name string) (map[string]string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	m, ok := k.maps[name]
	if !ok {
		return nil, false
	}
	cp := make(map[string]string, len(m))
	for slot, id := range m {
		cp[slot] = id
	}
	return cp, true
}

// MapNames returns the registered map names.
func (k *Kernel) MapNames() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.maps))
	for name := range k.maps {
		names = append(names, name)
	}
	return names
}

// ProvisionSlot returns the id bound to slot in the named map, creating the
// map, the slot and an empty thought when absent. An existing slot is never
// overwritten.
func (k *Kernel) ProvisionSlot(ctx context.Context, name, slot string) (string, error) {
	if name == "" || slot == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "map name and slot are required")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.maps[name]
	if ok {
		if id, exists := m[slot]; exists {
			return id, nil
		}
	} else {
		m = make(map[string]string)
		k.maps[name] = m
	}

	// Thoughts are flushed before the map so a crash between the two writes
	// never leaves a slot pointing at an unknown record.
	id := k.storeLocked(ctx, nullPayload)
	m[slot] = id
	k.persistMapsLocked(ctx)

	k.logger.DebugContext(logging.WithThoughtID(ctx, id), "slot provisioned",
		slog.String("map", name), slog.String("slot", slot))
	return id, nil
}

// Stats returns current collection sizes.
func (k *Kernel) Stats() Stats {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return Stats{Thoughts: len(k.thoughts), Maps: len(k.maps), BusEntries: k.busLen}
}

// Close releases the thought backend.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.backend.Close()
}

// storeLocked inserts raw and persists. Caller must hold k.mu for writing.
func (k *Kernel) storeLocked(ctx context.Context, raw json.RawMessage) string {
	id := k.newID()
	for _, taken := k.thoughts[id]; taken; _, taken = k.thoughts[id] {
		id = k.newID()
	}
	k.thoughts[id] = raw

	if err := k.backend.Sync(ctx, k.thoughts, []string{id}); err != nil {
		k.logger.WarnContext(logging.WithThoughtID(ctx, id), "thought persistence failed, continuing in memory",
			slog.String("error", err.Error()))
	}
	return id
}

func (k *Kernel) persistMapsLocked(ctx context.Context) {
	if err := k.mapsDoc.Save(mapsDocument{Maps: k.maps}); err != nil {
		k.logger.WarnContext(ctx, "memory map persistence failed, continuing in memory",
			slog.String("path", k.mapsDoc.Path()),
			slog.String("error", err.Error()))
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nullPayload, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nullPayload, nil
		}
		if !json.Valid(p) {
			return nil, schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON")
		}
		return slices.Clone(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "payload is not serializable: %s", err.Error()).
				WithCause(err)
		}
		return raw, nil
	}
}
