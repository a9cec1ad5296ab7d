package tuning

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
)

// FlushReport describes what a FlushMemory pass did.
type FlushReport struct {
	Aggressive    bool     `json:"aggressive"`
	HeapReleased  uint64   `json:"heap_released_bytes"`
	HandlesClosed []string `json:"handles_closed,omitempty"`
	CacheDropped  bool     `json:"cache_dropped"`
}

// FlushMemory reclaims memory. The soft pass runs the garbage collector,
// returns freed heap to the OS and closes tracked handles idle for longer
// than the engine's idle threshold. The aggressive pass additionally runs the
// platform cache-drop primitive; its failures (usually missing privileges)
// are logged, not returned.
func (e *Engine) FlushMemory(ctx context.Context, aggressive bool) FlushReport {
	report := FlushReport{Aggressive: aggressive}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)
	if after.HeapReleased > before.HeapReleased {
		report.HeapReleased = after.HeapReleased - before.HeapReleased
	}

	closed, err := e.handles.CloseIdle(e.idleAfter)
	report.HandlesClosed = closed
	if err != nil {
		e.logger.WarnContext(ctx, "closing idle handles failed", slog.String("error", err.Error()))
	}

	e.logger.InfoContext(ctx, "soft memory flush",
		slog.Uint64("heap_released_bytes", report.HeapReleased),
		slog.Int("handles_closed", len(closed)))

	if !aggressive {
		return report
	}

	if err := e.platform.DropCaches(ctx); err != nil {
		e.logFailure(ctx, "drop caches", err)
		return report
	}
	report.CacheDropped = true
	e.logger.InfoContext(ctx, "os caches dropped", slog.String("platform", e.platform.Name()))
	return report
}
