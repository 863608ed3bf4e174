package analyzer

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

// Source supplies the database-side inputs of an analyzer pass. The
// production implementation reads through a pool session; tests
// substitute fakes.
type Source interface {
	// TopStatements returns statement statistics ordered by mean
	// execution time descending, already filtered to calls >= minCalls
	// and capped at topN. Returns ErrExtensionMissing when
	// pg_stat_statements is absent.
	TopStatements(ctx context.Context, minCalls int64, topN int) ([]QueryStat, error)

	// Explain runs EXPLAIN (FORMAT JSON) for the given query text and
	// returns the raw JSON document. It must never run EXPLAIN ANALYZE.
	Explain(ctx context.Context, queryText string) ([]byte, error)

	// MostCommonValue returns a representative literal for a column
	// from the planner statistics, quoted for direct substitution.
	MostCommonValue(ctx context.Context, table, column string) (string, bool)

	// RowEstimate returns the planner row estimate for a table.
	RowEstimate(ctx context.Context, table string) (int64, error)

	// Settings returns the snapshot of pg_settings of interest.
	Settings(ctx context.Context) ([]Setting, error)
}

// SessionSource adapts one pool Session into a Source. The orchestrator
// hands the audit cycle's shared session here so analyzer and index
// auditor observe a consistent catalog.
type SessionSource struct {
	Session *pgpool.Session
}

// Column name variants across pg_stat_statements versions: >= 1.8 uses
// total_exec_time/mean_exec_time, older installs total_time/mean_time.
var statementsSQL = []string{
	`SELECT queryid::text, calls, total_exec_time, mean_exec_time, min_exec_time, max_exec_time,
        rows, shared_blks_hit, shared_blks_read, query
FROM pg_stat_statements
WHERE calls >= $1
ORDER BY mean_exec_time DESC NULLS LAST
LIMIT $2`,
	`SELECT queryid::text, calls, total_time, mean_time, min_time, max_time,
        rows, shared_blks_hit, shared_blks_read, query
FROM pg_stat_statements
WHERE calls >= $1
ORDER BY mean_time DESC NULLS LAST
LIMIT $2`,
}

func (s *SessionSource) TopStatements(ctx context.Context, minCalls int64, topN int) ([]QueryStat, error) {
	var lastErr error
	for _, sql := range statementsSQL {
		stats, err := s.fetchStatements(ctx, sql, minCalls, topN)
		if err == nil {
			return stats, nil
		}
		lastErr = err
		if pgpool.IsUndefinedObject(err) {
			return nil, ErrExtensionMissing
		}
		if pgpool.IsPermissionDenied(err) {
			return nil, ErrPermissionDenied
		}
		// Column mismatch: fall through to the older layout.
	}
	return nil, lastErr
}

func (s *SessionSource) fetchStatements(ctx context.Context, sql string, minCalls int64, topN int) ([]QueryStat, error) {
	rows, err := s.Session.Query(ctx, sql, []any{minCalls, topN}, pgpool.ExecOptions{})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryStat
	for rows.Next() {
		var q QueryStat
		if err := rows.Scan(&q.Fingerprint, &q.Calls, &q.TotalMS, &q.MeanMS, &q.MinMS, &q.MaxMS,
			&q.Rows, &q.SharedBlksHit, &q.SharedBlksRead, &q.SampleText); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SessionSource) Explain(ctx context.Context, queryText string) ([]byte, error) {
	var doc []byte
	row := s.Session.QueryRow(ctx, "EXPLAIN (FORMAT JSON) "+queryText)
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SessionSource) MostCommonValue(ctx context.Context, table, column string) (string, bool) {
	var literal string
	row := s.Session.QueryRow(ctx,
		`SELECT quote_literal(most_common_vals[1]::text)
FROM pg_stats
WHERE tablename = $1 AND attname = $2 AND most_common_vals IS NOT NULL`,
		table, column)
	if err := row.Scan(&literal); err != nil {
		return "", false
	}
	return literal, true
}

func (s *SessionSource) RowEstimate(ctx context.Context, table string) (int64, error) {
	var estimate int64
	row := s.Session.QueryRow(ctx,
		`SELECT reltuples::bigint FROM pg_class WHERE relname = $1 AND relkind = 'r'`,
		table)
	if err := row.Scan(&estimate); err != nil {
		return 0, fmt.Errorf("analyzer: row estimate for %s: %w", table, err)
	}
	return estimate, nil
}

// settingsOfInterest is the snapshot subset attached to reports.
var settingsOfInterest = []string{
	"shared_buffers", "work_mem", "maintenance_work_mem",
	"effective_cache_size", "max_connections", "random_page_cost",
	"seq_page_cost", "autovacuum", "track_io_timing",
}

func (s *SessionSource) Settings(ctx context.Context) ([]Setting, error) {
	rows, err := s.Session.Query(ctx,
		`SELECT name, setting, coalesce(unit,''), source FROM pg_settings WHERE name = ANY($1) ORDER BY name`,
		[]any{settingsOfInterest}, pgpool.ExecOptions{})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Name, &st.Value, &st.Unit, &st.Source); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
