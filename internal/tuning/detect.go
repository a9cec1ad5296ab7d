package tuning

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/pkg/schema"
)

// DefaultKeywords identify local model runtimes by process name or command line.
var DefaultKeywords = []string{
	"ollama",
	"lm studio",
	"lmstudio",
	"gpt4all",
	"mistral",
	"claude",
	"mojo",
	"llama",
}

// boostConcurrency bounds parallel ApplyBoost calls in BoostAll.
const boostConcurrency = 4

// BoostResult reports which hints ApplyBoost managed to apply.
type BoostResult struct {
	PID      int    `json:"pid"`
	Name     string `json:"name"`
	Affinity bool   `json:"affinity"`
	Priority bool   `json:"priority"`
}

// DetectRuntimes returns live processes whose name or command line contains
// one of keywords (case-insensitive). nil keywords selects the engine's set.
// Processes that vanish or deny access during the scan are skipped. A
// platform without a process table yields an empty result.
func (e *Engine) DetectRuntimes(ctx context.Context, keywords []string) []Process {
	if keywords == nil {
		keywords = e.keywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			lowered = append(lowered, kw)
		}
	}

	procs, err := e.platform.ListProcesses(ctx)
	if err != nil {
		e.logFailure(ctx, "list processes", err)
		return nil
	}

	var matches []Process
	for _, p := range procs {
		if matchesRuntime(p, lowered) {
			matches = append(matches, p)
		}
	}
	e.logger.DebugContext(ctx, "runtime scan finished",
		slog.Int("scanned", len(procs)), slog.Int("matched", len(matches)))
	return matches
}

func matchesRuntime(p Process, keywords []string) bool {
	name := strings.ToLower(p.Name)
	cmd := strings.ToLower(strings.Join(p.Cmdline, " "))
	for _, kw := range keywords {
		if strings.Contains(name, kw) || strings.Contains(cmd, kw) {
			return true
		}
	}
	return false
}

// ApplyBoost applies affinity (when cpus is non-empty) and priority to
// another process. A nil priority selects DefaultBoost. Failures are logged.
// Boosting another process never touches the engine's own snapshots.
func (e *Engine) ApplyBoost(ctx context.Context, proc Process, cpus []int, prio *schema.Priority) BoostResult {
	ctx = logging.WithPID(ctx, proc.PID)
	res := BoostResult{PID: proc.PID, Name: proc.Name}

	if len(cpus) > 0 {
		if err := e.platform.SetAffinity(proc.PID, cpus); err != nil {
			e.logFailure(ctx, "boost cpu affinity", err, slog.Any("cpus", cpus))
		} else {
			res.Affinity = true
			e.logger.InfoContext(ctx, "runtime affinity set", slog.Any("cpus", cpus))
		}
	}

	target := DefaultBoost(e.platform)
	if prio != nil {
		target = *prio
	}
	if err := e.platform.SetPriority(proc.PID, target); err != nil {
		e.logFailure(ctx, "boost priority", err, slog.String("priority", target.String()))
	} else {
		res.Priority = true
		e.logger.InfoContext(ctx, "runtime priority adjusted", slog.String("priority", target.String()))
	}
	return res
}

// BoostAll applies ApplyBoost to every process concurrently. Results keep
// the order of procs.
func (e *Engine) BoostAll(ctx context.Context, procs []Process, cpus []int, prio *schema.Priority) []BoostResult {
	results := make([]BoostResult, len(procs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(boostConcurrency)
	for i, p := range procs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = BoostResult{PID: p.PID, Name: p.Name}
				return nil
			}
			results[i] = e.ApplyBoost(gctx, p, cpus, prio)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
