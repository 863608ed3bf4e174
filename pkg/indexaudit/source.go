package indexaudit

import (
	"context"
	"time"

	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

// SessionSource adapts one pool Session into a Source. The audit cycle
// shares a session with the analyzer so catalog reads are consistent.
type SessionSource struct {
	Session *pgpool.Session
}

const tablesSQL = `SELECT n.nspname, c.relname,
       c.reltuples::bigint,
       pg_total_relation_size(c.oid),
       pg_relation_size(c.oid),
       pg_indexes_size(c.oid),
       coalesce(s.seq_scan, 0),
       coalesce(s.idx_scan, 0),
       coalesce(s.n_tup_upd, 0),
       coalesce(s.n_tup_hot_upd, 0),
       coalesce(s.n_live_tup, 0),
       coalesce(s.n_dead_tup, 0),
       greatest(s.last_analyze, s.last_autoanalyze)
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
WHERE c.relkind = 'r' AND n.nspname = ANY($1)
ORDER BY n.nspname, c.relname`

func (s *SessionSource) Tables(ctx context.Context, schemas []string) ([]TableProfile, error) {
	rows, err := s.Session.Query(ctx, tablesSQL, []any{schemas}, pgpool.ExecOptions{})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableProfile
	for rows.Next() {
		var t TableProfile
		var updates, hotUpdates, liveTup, deadTup int64
		var lastAnalyze *time.Time
		if err := rows.Scan(&t.Schema, &t.Name, &t.RowEstimate,
			&t.TotalBytes, &t.HeapBytes, &t.IndexBytes,
			&t.SeqScanCount, &t.IdxScanCount,
			&updates, &hotUpdates, &liveTup, &deadTup, &lastAnalyze); err != nil {
			return nil, err
		}
		if updates > 0 {
			t.HotUpdateRatio = float64(hotUpdates) / float64(updates)
		}
		if liveTup+deadTup > 0 {
			t.DeadTupFraction = float64(deadTup) / float64(liveTup+deadTup)
		}
		if lastAnalyze != nil {
			t.LastAnalyze = *lastAnalyze
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const indexesSQL = `SELECT s.schemaname, s.relname, s.indexrelname,
       i.indisunique, i.indisprimary, i.indpred IS NOT NULL,
       coalesce(pg_get_expr(i.indpred, i.indrelid), ''),
       pg_relation_size(s.indexrelid),
       coalesce(s.idx_scan, 0),
       coalesce(s.idx_tup_read, 0),
       coalesce(s.idx_tup_fetch, 0),
       coalesce(ts.n_dead_tup, 0),
       coalesce(ts.n_live_tup, 0),
       (SELECT array_agg(pg_get_indexdef(i.indexrelid, k, true) ORDER BY k)
        FROM generate_series(1, i.indnatts) k)
FROM pg_stat_user_indexes s
JOIN pg_index i ON i.indexrelid = s.indexrelid
LEFT JOIN pg_stat_user_tables ts ON ts.relid = i.indrelid
WHERE s.schemaname = ANY($1)
ORDER BY s.schemaname, s.relname, s.indexrelname`

func (s *SessionSource) Indexes(ctx context.Context, schemas []string) ([]IndexProfile, error) {
	rows, err := s.Session.Query(ctx, indexesSQL, []any{schemas}, pgpool.ExecOptions{})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexProfile
	for rows.Next() {
		var idx IndexProfile
		var deadTup, liveTup int64
		var columns []string
		if err := rows.Scan(&idx.Schema, &idx.Table, &idx.Name,
			&idx.IsUnique, &idx.IsPrimary, &idx.IsPartial, &idx.Predicate,
			&idx.SizeBytes, &idx.Scans, &idx.TuplesRead, &idx.TuplesFetched,
			&deadTup, &liveTup, &columns); err != nil {
			return nil, err
		}
		idx.Columns = columns
		// Statistics-driven estimator: the index decays with its
		// table's dead tuple fraction. Constants stay configurable at
		// the audit layer.
		if liveTup+deadTup > 0 {
			idx.BloatEstimate = float64(deadTup) / float64(liveTup+deadTup)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}
