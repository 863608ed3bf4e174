package pgpool

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the driver surface a Session needs from its underlying
// PostgreSQL connection. *pgx.Conn satisfies it; tests substitute fakes.
type Conn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)
	Deallocate(ctx context.Context, name string) error
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Dialer opens a new database connection. The default dialer connects
// with pgx using the configured connection string.
type Dialer func(ctx context.Context) (Conn, error)

func pgxDialer(connString string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
