package pgpool

import (
	"log/slog"

	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// Option configures the pool.
type Option func(*Pool)

// WithDialer overrides how connections are opened. Tests inject fakes;
// production code keeps the default pgx dialer.
func WithDialer(d Dialer) Option {
	return func(p *Pool) {
		if d != nil {
			p.dial = d
		}
	}
}

// WithClock sets the time source used for idle aging and query timing.
func WithClock(c scheduler.Clock) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger for sweep and lifecycle reporting.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}
