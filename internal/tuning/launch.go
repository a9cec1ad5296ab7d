package tuning

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/mnemos/pkg/schema"
)

// LaunchOptions configures an ignite sequence. Zero fields are skipped.
type LaunchOptions struct {
	ModelPath string           `json:"model,omitempty"`
	ChunkSize int              `json:"chunk_size,omitempty"`
	CPUs      []int            `json:"cpus,omitempty"`
	Priority  *schema.Priority `json:"priority,omitempty"`
}

// LaunchReport describes what an ignite sequence applied.
type LaunchReport struct {
	Prefetched   bool          `json:"prefetched"`
	PrefetchTime time.Duration `json:"prefetch_time"`
	Affinity     bool          `json:"affinity"`
	Priority     bool          `json:"priority"`
}

// Launch prepares the process for an inference session: prefetch the model,
// then pin affinity, then set priority. Affinity and priority run even when
// the prefetch fails; the prefetch error is returned afterwards.
func (e *Engine) Launch(ctx context.Context, opts LaunchOptions) (LaunchReport, error) {
	var report LaunchReport
	var prefetchErr error

	if opts.ModelPath != "" {
		elapsed, err := e.PrefetchFile(ctx, opts.ModelPath, opts.ChunkSize)
		if err != nil {
			prefetchErr = err
			e.logger.WarnContext(ctx, "ignite prefetch failed",
				slog.String("path", opts.ModelPath),
				slog.String("error", err.Error()))
		} else {
			report.Prefetched = true
			report.PrefetchTime = elapsed
		}
	}

	if len(opts.CPUs) > 0 {
		report.Affinity = e.SetAffinity(ctx, opts.CPUs)
	}
	if opts.Priority != nil {
		report.Priority = e.SetPriority(ctx, *opts.Priority)
	}

	e.logger.InfoContext(ctx, "ignite launch completed",
		slog.Bool("prefetched", report.Prefetched),
		slog.Bool("affinity", report.Affinity),
		slog.Bool("priority", report.Priority))
	return report, prefetchErr
}
