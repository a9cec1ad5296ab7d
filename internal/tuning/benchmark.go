package tuning

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/pkg/schema"
)

// Benchmark runs command runs times (at least once) and returns each run's
// wall time. The first failing run aborts the benchmark with its error.
func Benchmark(ctx context.Context, logger *slog.Logger, command string, args []string, runs int) ([]time.Duration, error) {
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "benchmark command is required")
	}
	logger = logging.OrDefault(logger)
	runs = max(1, runs)

	durations := make([]time.Duration, 0, runs)
	for i := range runs {
		start := time.Now()
		if _, err := runCommand(ctx, 0, command, args...); err != nil {
			logger.ErrorContext(ctx, "benchmark run failed",
				slog.String("command", command),
				slog.Int("run", i+1),
				slog.String("error", err.Error()))
			return nil, err
		}
		durations = append(durations, time.Since(start))
	}
	return durations, nil
}
