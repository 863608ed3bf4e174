package pgsteward

import (
	"log/slog"

	"github.com/dmitrymomot/pgsteward/pkg/cachemon"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// Option configures the upholder.
type Option func(*Upholder)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(u *Upholder) {
		if l != nil {
			u.log = l
		}
	}
}

// WithClock sets the time source shared by all components. Tests pass
// a *scheduler.Fake.
func WithClock(c scheduler.Clock) Option {
	return func(u *Upholder) {
		if c != nil {
			u.clock = c
		}
	}
}

// WithPool injects a pre-built pool instead of constructing one from
// Config.Pool.
func WithPool(p *pgpool.Pool) Option {
	return func(u *Upholder) {
		if p != nil {
			u.pool = p
		}
	}
}

// WithDryRun toggles dry-run mode. It defaults to true: the upholder
// never executes DDL and all findings stay advisory.
func WithDryRun(dry bool) Option {
	return func(u *Upholder) { u.dryRun = dry }
}

// WithAutoApplySafe enables the closed set of autonomous actions
// (ANALYZE, safe CREATE INDEX) when dry-run is also disabled.
func WithAutoApplySafe(enabled bool) Option {
	return func(u *Upholder) { u.autoApply = enabled }
}

// WithSources overrides how catalog views are built over the cycle's
// shared session. Tests inject fakes.
func WithSources(fn sourceFactory) Option {
	return func(u *Upholder) {
		if fn != nil {
			u.newSources = fn
		}
	}
}

// WithConnectionSummary overrides the activity sampler.
func WithConnectionSummary(fn connSummaryFunc) Option {
	return func(u *Upholder) {
		if fn != nil {
			u.connSummary = fn
		}
	}
}

// WithCacheFetcher overrides the cache monitor's measurement source.
func WithCacheFetcher(fn cachemon.Fetcher) Option {
	return func(u *Upholder) {
		if fn != nil {
			u.cacheFetch = fn
		}
	}
}
