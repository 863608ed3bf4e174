package logger

import (
	"context"
	"log/slog"
	"os"
)

// ContextExtractor extracts a slog attribute from context.
type ContextExtractor func(ctx context.Context) (slog.Attr, bool)

// New creates a JSON-formatted logger with optional context extractors.
// Extractors run on every log call, so values placed in context by the
// upholder (component name, cycle id) are attached automatically.
func New(level slog.Level, extractors ...ContextExtractor) *slog.Logger {
	log := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(newDecorator(log, extractors...))
}

type componentKey struct{}

type cycleKey struct{}

// WithComponent tags ctx with the upholder component name ("analyzer",
// "indexaudit", "cachemon", "pool"). Combined with ComponentExtractor,
// every log line produced under this context carries the component.
func WithComponent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, componentKey{}, name)
}

// WithCycleID tags ctx with the audit cycle identifier.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// ComponentExtractor surfaces the component name set by WithComponent.
func ComponentExtractor(ctx context.Context) (slog.Attr, bool) {
	if name, ok := ctx.Value(componentKey{}).(string); ok {
		return slog.String("component", name), true
	}
	return slog.Attr{}, false
}

// CycleIDExtractor surfaces the audit cycle id set by WithCycleID.
func CycleIDExtractor(ctx context.Context) (slog.Attr, bool) {
	if id, ok := ctx.Value(cycleKey{}).(string); ok {
		return slog.String("cycle_id", id), true
	}
	return slog.Attr{}, false
}
