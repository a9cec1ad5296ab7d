package shield

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/pkg/schema"
)

// DefaultCheckpointSchedule saves a snapshot once a minute.
const DefaultCheckpointSchedule = "@every 1m"

// Checkpointer calls SaveState on a cron schedule so a crash loses at most
// one interval of tuning history.
type Checkpointer struct {
	shield   *Shield
	spec     string
	schedule cron.Schedule
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
	runs int
}

// NewCheckpointer parses spec (standard five-field cron or a descriptor such
// as "@every 30s"). An empty spec uses DefaultCheckpointSchedule.
func NewCheckpointer(s *Shield, spec string, logger *slog.Logger) (*Checkpointer, error) {
	if spec == "" {
		spec = DefaultCheckpointSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid checkpoint schedule %q", spec).WithCause(err)
	}
	return &Checkpointer{
		shield:   s,
		spec:     spec,
		schedule: sched,
		logger:   logging.OrDefault(logger),
	}, nil
}

// Start begins checkpointing. ctx is handed to each SaveState call.
func (c *Checkpointer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return fmt.Errorf("checkpointer already started")
	}

	c.cron = cron.New()
	c.cron.Schedule(c.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		c.shield.SaveState(ctx)
		c.mu.Lock()
		c.runs++
		c.mu.Unlock()
	}))
	c.cron.Start()
	c.logger.InfoContext(ctx, "checkpointer started", slog.String("schedule", c.spec))
	return nil
}

// Stop halts the schedule and waits for an in-flight save. Safe to call
// more than once.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	<-cr.Stop().Done()
	c.logger.Info("checkpointer stopped")
}

// Runs returns how many scheduled saves have executed.
func (c *Checkpointer) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}
