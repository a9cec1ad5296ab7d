package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	agentKey ctxKey = iota
	thoughtIDKey
	pidKey
)

// WithAgent returns a context with the publishing agent name set.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// WithThoughtID returns a context with the thought ID set.
func WithThoughtID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, thoughtIDKey, id)
}

// WithPID returns a context with the target process ID set.
func WithPID(ctx context.Context, pid int) context.Context {
	return context.WithValue(ctx, pidKey, pid)
}

// Agent extracts the agent name from the context, or "" if absent.
func Agent(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}

// ThoughtID extracts the thought ID from the context, or "" if absent.
func ThoughtID(ctx context.Context) string {
	v, _ := ctx.Value(thoughtIDKey).(string)
	return v
}

// PID extracts the process ID from the context. ok is false if absent.
func PID(ctx context.Context) (pid int, ok bool) {
	pid, ok = ctx.Value(pidKey).(int)
	return pid, ok
}

// attrs collects the correlation attributes present in ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := Agent(ctx); v != "" {
		out = append(out, slog.String("agent", v))
	}
	if v := ThoughtID(ctx); v != "" {
		out = append(out, slog.String("thought_id", v))
	}
	if v, ok := PID(ctx); ok {
		out = append(out, slog.Int("pid", v))
	}
	return out
}

// LogWith returns a logger enriched with correlation values from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation values from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and the values appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
