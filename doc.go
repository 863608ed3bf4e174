// Package pgsteward is a self-driving performance upholder for
// PostgreSQL: it continuously observes a live instance, diagnoses
// performance pathologies, and either emits prioritized recommendations
// or applies a small whitelisted set of fixes.
//
// The Upholder composes the subsystem packages:
//
//   - pkg/pgpool: bounded session pool with lifecycle metrics and a
//     per-session prepared statement cache
//   - pkg/scheduler: jittered, drift-free task dispatch
//   - pkg/analyzer: pg_stat_statements + EXPLAIN classification
//   - pkg/indexaudit: missing/unused/duplicate/bloated index findings
//   - pkg/cachemon: buffer cache hit ratio sampling and alerting
//   - pkg/bulk: adaptive bulk loading (inserts, batches, COPY)
//   - pkg/sink: alert/report receivers (slog, file, HTTP, Redis)
//
// A typical embedding:
//
//	u := pgsteward.New(pgsteward.Config{
//	    Pool: pgpool.Config{ConnectionString: dsn},
//	}, pgsteward.WithLogger(log))
//	u.RegisterReportSink("log", sink.NewSlog(log))
//
//	if err := u.Start(ctx); err != nil { ... }
//	defer u.Stop(5 * time.Second)
//
// Audit cycles run on a cadence (or cron expression), assemble the
// components' findings into an immutable Report, and deliver it to the
// registered sinks; threshold alerts are delivered as they fire, always
// before the cycle's report. Dry-run mode is the default: the upholder
// never executes DDL unless auto-apply is explicitly enabled, and even
// then only ANALYZE and safe index creation are permitted.
package pgsteward
