package bulk

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

// singleInserts runs one parameterized INSERT per row. The statement is
// prepared after its first execution via the session cache.
func (l *Loader) singleInserts(ctx context.Context, s *pgpool.Session, job Job) (loaded, skipped int64, err error) {
	sql := insertSQL(job, 1)
	for _, row := range job.Rows {
		tag, err := s.Exec(ctx, sql, row, pgpool.ExecOptions{Prepared: pgpool.PrepareAuto})
		if err != nil {
			return 0, 0, err
		}
		loaded += tag.RowsAffected()
	}
	return loaded, int64(len(job.Rows)) - loaded, nil
}

// multiValues packs rows into multi-row VALUES statements.
func (l *Loader) multiValues(ctx context.Context, s *pgpool.Session, job Job) (loaded, skipped int64, err error) {
	chunk := l.cfg.ValuesPerStatement
	for start := 0; start < len(job.Rows); start += chunk {
		end := min(start+chunk, len(job.Rows))
		rows := job.Rows[start:end]

		sql := insertSQL(job, len(rows))
		args := make([]any, 0, len(rows)*len(job.Columns))
		for _, row := range rows {
			args = append(args, row...)
		}

		tag, err := s.Exec(ctx, sql, args, pgpool.ExecOptions{Prepared: pgpool.PrepareAuto})
		if err != nil {
			return 0, 0, err
		}
		loaded += tag.RowsAffected()
	}
	return loaded, int64(len(job.Rows)) - loaded, nil
}

// preparedBatch pipelines single-row inserts through the batch protocol
// using the session's statement cache.
func (l *Loader) preparedBatch(ctx context.Context, s *pgpool.Session, job Job) (loaded, skipped int64, err error) {
	sql := insertSQL(job, 1)
	name, err := s.StatementFor(ctx, sql)
	if err != nil {
		return 0, 0, err
	}

	batch := &pgx.Batch{}
	for _, row := range job.Rows {
		batch.Queue(name, row...)
	}

	results := s.Conn().SendBatch(ctx, batch)
	defer func() {
		if cerr := results.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for range job.Rows {
		tag, err := results.Exec()
		if err != nil {
			return 0, 0, err
		}
		loaded += tag.RowsAffected()
	}
	return loaded, int64(len(job.Rows)) - loaded, nil
}

// copyFrom streams rows with the COPY protocol. Conflict policies other
// than error stage through a session-temporary table and merge with a
// single INSERT ... SELECT ... ON CONFLICT.
func (l *Loader) copyFrom(ctx context.Context, s *pgpool.Session, job Job) (loaded, skipped int64, err error) {
	if job.OnConflict == "" || job.OnConflict == ConflictError {
		n, err := l.copyChunks(ctx, s, pgx.Identifier{job.Table}, job)
		if err != nil {
			return 0, 0, err
		}
		return n, 0, nil
	}

	staging := "bulk_staging_" + strings.ReplaceAll(job.ID.String(), "-", "")
	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(), pgx.Identifier{job.Table}.Sanitize())
	if _, err := s.Exec(ctx, createSQL, nil, pgpool.ExecOptions{Prepared: pgpool.PrepareNever}); err != nil {
		return 0, 0, err
	}

	copied, err := l.copyChunks(ctx, s, pgx.Identifier{staging}, job)
	if err != nil {
		return 0, 0, err
	}

	cols := quoteColumns(job.Columns)
	mergeSQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s%s",
		pgx.Identifier{job.Table}.Sanitize(), cols, cols,
		pgx.Identifier{staging}.Sanitize(), conflictClause(job))
	tag, err := s.Exec(ctx, mergeSQL, nil, pgpool.ExecOptions{Prepared: pgpool.PrepareNever})
	if err != nil {
		return 0, 0, err
	}
	return tag.RowsAffected(), copied - tag.RowsAffected(), nil
}

// copyChunks streams rows in CopyChunkRows batches so one oversized job
// cannot pin the connection's memory for its whole duration.
func (l *Loader) copyChunks(ctx context.Context, s *pgpool.Session, target pgx.Identifier, job Job) (int64, error) {
	chunk := l.cfg.CopyChunkRows
	if job.ChunkSize > 0 {
		chunk = job.ChunkSize
	}

	var total int64
	for start := 0; start < len(job.Rows); start += chunk {
		end := min(start+chunk, len(job.Rows))
		n, err := s.Conn().CopyFrom(ctx, target, job.Columns, pgx.CopyFromRows(job.Rows[start:end]))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// insertSQL builds a parameterized INSERT for n rows.
func insertSQL(job Job, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgx.Identifier{job.Table}.Sanitize())
	b.WriteString(" (")
	b.WriteString(quoteColumns(job.Columns))
	b.WriteString(") VALUES ")

	arg := 1
	for i := range n {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range job.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteByte(')')
	}
	b.WriteString(conflictClause(job))
	return b.String()
}

// conflictClause renders the ON CONFLICT suffix for insert-style paths.
func conflictClause(job Job) string {
	switch job.OnConflict {
	case ConflictIgnore:
		if len(job.ConflictTarget) > 0 {
			return " ON CONFLICT (" + quoteColumns(job.ConflictTarget) + ") DO NOTHING"
		}
		return " ON CONFLICT DO NOTHING"
	case ConflictUpdateAll:
		return onConflictUpdate(job.ConflictTarget, updatableColumns(job.Columns, job.ConflictTarget))
	case ConflictUpdateSpecified:
		return onConflictUpdate(job.ConflictTarget, job.UpdateColumns)
	default:
		return ""
	}
}

func onConflictUpdate(target, columns []string) string {
	var b strings.Builder
	b.WriteString(" ON CONFLICT (")
	b.WriteString(quoteColumns(target))
	b.WriteString(") DO UPDATE SET ")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		quoted := pgx.Identifier{col}.Sanitize()
		b.WriteString(quoted)
		b.WriteString(" = EXCLUDED.")
		b.WriteString(quoted)
	}
	return b.String()
}

func updatableColumns(all, target []string) []string {
	var out []string
	for _, col := range all {
		if !slices.Contains(target, col) {
			out = append(out, col)
		}
	}
	return out
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
