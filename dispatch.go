package pgsteward

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AlertSink receives alerts. Implementations must be safe for
// concurrent use and should return quickly; heavy work belongs behind
// an internal buffer.
type AlertSink interface {
	OnAlert(ctx context.Context, a Alert) error
}

// ReportSink receives audit reports.
type ReportSink interface {
	OnReport(ctx context.Context, r Report) error
}

// sinkEntry tracks one registered sink's health.
type sinkEntry[T any] struct {
	deliver  func(ctx context.Context, v T) error
	failures int
	disabled bool
	name     string
}

// dispatcher delivers events best-effort: per-sink timeout, per-sink
// consecutive-failure counter, and automatic disablement after the
// limit. A sink failure never propagates to the audit cycle.
type dispatcher[T any] struct {
	mu      sync.Mutex
	sinks   []*sinkEntry[T]
	timeout time.Duration
	limit   int
	log     *slog.Logger
}

func newDispatcher[T any](timeout time.Duration, limit int, log *slog.Logger) *dispatcher[T] {
	return &dispatcher[T]{timeout: timeout, limit: limit, log: log}
}

func (d *dispatcher[T]) register(name string, deliver func(ctx context.Context, v T) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Re-registering a name re-enables a disabled sink.
	for _, e := range d.sinks {
		if e.name == name {
			e.deliver = deliver
			e.failures = 0
			e.disabled = false
			return
		}
	}
	d.sinks = append(d.sinks, &sinkEntry[T]{name: name, deliver: deliver})
}

func (d *dispatcher[T]) dispatch(ctx context.Context, v T) {
	d.mu.Lock()
	entries := make([]*sinkEntry[T], 0, len(d.sinks))
	for _, e := range d.sinks {
		if !e.disabled {
			entries = append(entries, e)
		}
	}
	d.mu.Unlock()

	for _, e := range entries {
		dctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := e.deliver(dctx, v)
		cancel()

		d.mu.Lock()
		if err != nil {
			e.failures++
			d.log.Warn("sink delivery failed",
				slog.String("sink", e.name),
				slog.Int("consecutive_failures", e.failures),
				slog.String("error", err.Error()))
			if e.failures >= d.limit {
				e.disabled = true
				d.log.Error("sink disabled until re-registered", slog.String("sink", e.name))
			}
		} else {
			e.failures = 0
		}
		d.mu.Unlock()
	}
}
