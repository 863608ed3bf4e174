package scheduler

import (
	"log/slog"

	"github.com/dmitrymomot/pgsteward/pkg/logger"
)

type config struct {
	clock  Clock
	log    *slog.Logger
	randFn func() float64
}

// Option configures the scheduler.
type Option func(*config)

func newConfig() *config {
	return &config{
		clock:  System(),
		log:    logger.NewNope(),
		randFn: uniform,
	}
}

// WithClock sets the time source. Tests pass a *Fake.
func WithClock(c Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithLogger sets the logger for task failure reporting.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.log = l
		}
	}
}

// WithRand overrides the jitter source. Tests pass a deterministic
// function.
func WithRand(fn func() float64) Option {
	return func(cfg *config) {
		if fn != nil {
			cfg.randFn = fn
		}
	}
}
