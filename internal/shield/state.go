// Package shield persists the tuning engine's restore targets so that a
// process which dies while tuned can undo its changes on the next boot.
package shield

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/internal/pulse"
	"github.com/rendis/mnemos/internal/store"
	"github.com/rendis/mnemos/internal/tuning"
	"github.com/rendis/mnemos/internal/validation"
	"github.com/rendis/mnemos/pkg/schema"
)

// StateFile is the snapshot document name inside the data directory.
const StateFile = "last_state.json"

const stateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["timestamp", "cpu_affinity", "priority"],
  "properties": {
    "timestamp": {"type": "number", "minimum": 0},
    "cpu_affinity": {
      "oneOf": [
        {"type": "null"},
        {"type": "array", "items": {"type": "integer", "minimum": 0}}
      ]
    },
    "priority": {"type": ["integer", "string", "null"]},
    "system": {
      "type": "object",
      "properties": {
        "cpu_percent": {"type": "number"},
        "mem_percent": {"type": "number"}
      }
    }
  }
}`

// SystemLoad is the coarse host reading stored alongside a snapshot.
type SystemLoad struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// StateDocument is the on-disk snapshot. Timestamp is epoch seconds.
type StateDocument struct {
	Timestamp   float64          `json:"timestamp"`
	CPUAffinity []int            `json:"cpu_affinity"`
	Priority    *schema.Priority `json:"priority"`
	System      SystemLoad       `json:"system"`
}

// RestoreReport describes what RestoreLastState found and applied.
type RestoreReport struct {
	Found    bool `json:"found"`
	Affinity bool `json:"affinity_restored"`
	Priority bool `json:"priority_restored"`
}

// Config holds Shield collaborators.
type Config struct {
	DataDir   string
	Engine    *tuning.Engine
	Sampler   pulse.Sampler         // nil = system load is recorded as zero
	Validator *validation.Validator // nil = a private validator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Shield saves and restores tuning snapshots.
type Shield struct {
	doc       *store.Document
	engine    *tuning.Engine
	sampler   pulse.Sampler
	validator *validation.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a Shield writing to <DataDir>/last_state.json.
func New(cfg Config) *Shield {
	s := &Shield{
		doc:       store.NewDocument(filepath.Join(cfg.DataDir, StateFile)),
		engine:    cfg.Engine,
		sampler:   cfg.Sampler,
		validator: cfg.Validator,
		logger:    logging.OrDefault(cfg.Logger),
		now:       cfg.Now,
	}
	if s.validator == nil {
		s.validator = validation.NewValidator()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Path returns the snapshot file location.
func (s *Shield) Path() string { return s.doc.Path() }

// SaveState writes the engine's current restore targets and a host load
// sample. It never fails; problems are logged and false is returned.
func (s *Shield) SaveState(ctx context.Context) bool {
	snap := s.engine.Snapshot()

	doc := StateDocument{
		Timestamp:   float64(s.now().UnixNano()) / float64(time.Second),
		CPUAffinity: snap.Affinity,
		Priority:    snap.Priority,
	}
	if s.sampler != nil {
		sample, err := s.sampler.Sample(ctx)
		if err != nil {
			s.logger.DebugContext(ctx, "system sample unavailable for snapshot",
				slog.String("error", err.Error()))
		} else {
			doc.System = SystemLoad{CPUPercent: sample.CPUPercent, MemPercent: sample.MemPercent}
		}
	}

	if err := s.doc.Save(doc); err != nil {
		s.logger.WarnContext(ctx, "failed to save tuning snapshot",
			slog.String("path", s.doc.Path()),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.logger.DebugContext(ctx, "tuning snapshot saved",
		slog.String("path", s.doc.Path()),
		slog.Bool("affinity", doc.CPUAffinity != nil),
		slog.Bool("priority", doc.Priority != nil),
	)
	return true
}

// RestoreLastState applies a saved snapshot, if any, and removes the file
// whatever the outcome. Affinity and priority are restored independently.
// A second call in the same boot finds nothing.
func (s *Shield) RestoreLastState(ctx context.Context) RestoreReport {
	var report RestoreReport
	if !s.doc.Exists() {
		return report
	}
	report.Found = true
	defer s.consume(ctx)

	doc, err := s.readDocument()
	if err != nil {
		s.logger.WarnContext(ctx, "discarding unreadable tuning snapshot",
			slog.String("path", s.doc.Path()),
			slog.String("error", err.Error()),
		)
		return report
	}

	if len(doc.CPUAffinity) > 0 {
		if err := s.engine.RestoreAffinity(ctx, doc.CPUAffinity); err != nil {
			s.logger.WarnContext(ctx, "affinity restore failed", slog.String("error", err.Error()))
		} else {
			report.Affinity = true
		}
	}
	if doc.Priority != nil {
		if err := s.engine.RestorePriority(ctx, *doc.Priority); err != nil {
			s.logger.WarnContext(ctx, "priority restore failed", slog.String("error", err.Error()))
		} else {
			report.Priority = true
		}
	}

	s.logger.InfoContext(ctx, "tuning snapshot consumed",
		slog.Bool("affinity_restored", report.Affinity),
		slog.Bool("priority_restored", report.Priority),
	)
	return report
}

func (s *Shield) readDocument() (StateDocument, error) {
	var doc StateDocument
	raw, err := s.doc.ReadRaw()
	if err != nil {
		return doc, err
	}
	if err := s.validator.ValidateJSON(raw, stateSchemaJSON); err != nil {
		return doc, err
	}
	if _, err := s.doc.Load(&doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func (s *Shield) consume(ctx context.Context) {
	if err := s.doc.Remove(); err != nil {
		s.logger.WarnContext(ctx, "failed to remove tuning snapshot",
			slog.String("path", s.doc.Path()),
			slog.String("error", err.Error()),
		)
	}
}
