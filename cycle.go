package pgsteward

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
	"github.com/dmitrymomot/pgsteward/pkg/indexaudit"
	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

// runCycle assembles one audit cycle: cache sample, analyzer pass,
// index audit, connection overview, optional safe auto-apply, then
// report delivery. At most one cycle runs at a time. Component
// failures are recorded in the report without failing the cycle; only
// an unreachable database fails it.
func (u *Upholder) runCycle(ctx context.Context) (Report, error) {
	if !u.cycleBusy.CompareAndSwap(false, true) {
		return Report{}, ErrCycleInFlight
	}
	defer u.cycleBusy.Store(false)

	cycleID := uuid.New()
	ctx = logger.WithCycleID(ctx, cycleID.String())

	r := Report{ID: cycleID, StartedAt: u.clock.Now()}
	cancelled := func() bool {
		if ctx.Err() != nil {
			r.Cancelled = true
			return true
		}
		return false
	}

	// Cache sample uses its own session.
	if !cancelled() {
		if err := u.mon.Sample(logger.WithComponent(ctx, "cachemon")); err != nil && ctx.Err() == nil {
			u.log.Error("cache sample failed", slog.String("error", err.Error()))
			r.FailedComponents = append(r.FailedComponents, "cachemon")
		}
	}

	var ares analyzer.Result
	var ires indexaudit.Result

	// Analyzer and index auditor share one session so catalog reads
	// stay consistent within the cycle.
	var cycleErr error
	if !cancelled() {
		s, err := u.pool.Acquire(ctx)
		if err != nil {
			// Database unreachable: this fails the whole cycle.
			cycleErr = err
			r.FailedComponents = append(r.FailedComponents, "analyzer", "indexaudit")
		} else {
			healthy := true
			asrc, isrc := u.newSources(s)

			explainTimeout := u.cfg.Analyzer.ExplainTimeout
			if explainTimeout <= 0 {
				explainTimeout = 2 * time.Second
			}
			if err := s.SetStatementTimeout(ctx, explainTimeout); err != nil {
				u.log.Warn("statement timeout not applied", slog.String("error", err.Error()))
			}

			if !cancelled() {
				ares, err = u.an.Run(logger.WithComponent(ctx, "analyzer"), asrc)
				if err != nil && ctx.Err() == nil {
					u.log.Error("analyzer pass failed", slog.String("error", err.Error()))
					r.FailedComponents = append(r.FailedComponents, "analyzer")
					healthy = !pgpool.IsTransient(err)
				}
			}

			if !cancelled() {
				ires, err = u.aud.Run(logger.WithComponent(ctx, "indexaudit"), isrc, ares.Issues)
				if err != nil && ctx.Err() == nil {
					u.log.Error("index audit failed", slog.String("error", err.Error()))
					r.FailedComponents = append(r.FailedComponents, "indexaudit")
					healthy = healthy && !pgpool.IsTransient(err)
				}
			}

			if !cancelled() {
				if conns, err := u.connSummary(ctx, s); err == nil {
					r.Connections = conns
					u.checkConnectionUsage(conns)
				} else if ctx.Err() == nil {
					r.FailedComponents = append(r.FailedComponents, "connections")
				}
			}

			if !cancelled() && u.autoApply && !u.dryRun {
				r.AppliedActions = u.applySafe(ctx, s, ires.Findings)
			}

			u.pool.Release(s, healthy)
		}
	}

	// Assemble. Cache samples are clamped to the cycle window.
	r.Queries = ares.Issues
	r.QueryDeltas = ares.Deltas
	r.Settings = ares.Settings
	r.Indexes = ires.Findings
	r.Cache = u.mon.WindowSince(r.StartedAt)
	r.CacheSummary = u.mon.Summarize()
	r.Pool = u.pool.Stats()
	r.FinishedAt = u.clock.Now()
	r.Partial = r.Cancelled || len(r.FailedComponents) > 0
	slices.Sort(r.FailedComponents)
	r.FailedComponents = slices.Compact(r.FailedComponents)
	r.summarize()

	u.recordCycle(&r, cycleErr)

	// The report is delivered even when the cycle was cancelled; sink
	// delivery must survive the cycle context.
	u.reportSinks.dispatch(context.WithoutCancel(ctx), r)

	return r, cycleErr
}

// recordCycle updates failure bookkeeping and the degraded flag.
func (u *Upholder) recordCycle(r *Report, cycleErr error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastReport = r
	u.lastCycleOK = cycleErr == nil && !r.Cancelled

	switch {
	case cycleErr != nil:
		u.consecutiveFailures++
		if u.consecutiveFailures >= degradeAfterCycles && u.state == StateRunning {
			u.state = StateDegraded
			u.log.Error("upholder degraded after consecutive cycle failures",
				slog.Int("failures", u.consecutiveFailures))
		}
	case r.Cancelled:
		// Cancellation is structured shutdown, not a failure.
	default:
		u.consecutiveFailures = 0
		if u.state == StateDegraded {
			u.state = StateRunning
			u.log.Info("upholder recovered")
		}
	}
}

// checkConnectionUsage raises the high_connection_usage alert when
// activity approaches max_connections.
func (u *Upholder) checkConnectionUsage(conns ConnectionSummary) {
	if conns.MaxConnections == 0 || conns.UtilizationPct <= u.cfg.ConnectionUsageMax {
		return
	}
	u.emitAlert(AlertHighConnectionUsage, "",
		conns.UtilizationPct, u.cfg.ConnectionUsageMax,
		"connection count is approaching max_connections: review pool sizes or add a pooler")
}

// pgConnSummary is the production activity sampler.
func pgConnSummary(ctx context.Context, s *pgpool.Session) (ConnectionSummary, error) {
	out := ConnectionSummary{ByState: make(map[string]int)}

	rows, err := s.Query(ctx,
		`SELECT coalesce(state, 'unknown'), count(*) FROM pg_stat_activity GROUP BY 1`,
		nil, pgpool.ExecOptions{})
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return out, err
		}
		out.ByState[state] = count
		out.Total += count
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	if err := s.QueryRow(ctx,
		`SELECT setting::int FROM pg_settings WHERE name = 'max_connections'`,
	).Scan(&out.MaxConnections); err != nil {
		return out, err
	}
	if out.MaxConnections > 0 {
		out.UtilizationPct = float64(out.Total) / float64(out.MaxConnections)
	}
	return out, nil
}
