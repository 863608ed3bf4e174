package pgpool

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PrepareMode controls prepared statement use for a single call.
type PrepareMode int

const (
	// PrepareAuto prepares a statement once its fingerprint repeats on
	// this session.
	PrepareAuto PrepareMode = iota
	// PrepareNever sends the text protocol directly.
	PrepareNever
	// PrepareForce always prepares (and reuses) the statement.
	PrepareForce
)

// ExecOptions tune a single Query/Exec call.
type ExecOptions struct {
	// Timeout bounds the call; zero means no per-call bound.
	Timeout time.Duration
	// Prepared selects prepared statement behavior.
	Prepared PrepareMode
	// ReadOnly runs the call with default_transaction_read_only set on,
	// setting it back to off afterwards.
	ReadOnly bool
}

// Session is an owned handle to one database connection. It is
// exclusively owned by its current borrower and must be returned to the
// pool with Release exactly once. A session is never shared between
// goroutines.
type Session struct {
	conn  Conn
	pool  *Pool
	stmts *stmtCache
	seen  map[string]int

	lastUsed   time.Time
	usageCount int64

	errFlag  atomic.Bool
	inTx     atomic.Bool
	released atomic.Bool
}

func newSession(conn Conn, p *Pool) *Session {
	return &Session{
		conn:  conn,
		pool:  p,
		stmts: newStmtCache(conn, p.cfg.StatementCacheCap),
		seen:  make(map[string]int),
	}
}

// Conn exposes the raw driver connection for callers that need batch or
// copy protocol access (the bulk loader). The session still owns the
// connection; do not close it.
func (s *Session) Conn() Conn { return s.conn }

// usable guards against use-after-release.
func (s *Session) usable() error {
	if s.released.Load() {
		return ErrSessionReleased
	}
	return nil
}

// Query runs sql and returns rows. Rows must be closed; closing also
// releases any per-call timeout.
func (s *Session) Query(ctx context.Context, sql string, args []any, opts ExecOptions) (pgx.Rows, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	ctx, cancel := opts.bound(ctx)

	if opts.ReadOnly {
		if _, err := s.conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
			cancel()
			return nil, s.fail(err)
		}
	}

	sqlOrName := sql
	if name, err := s.resolvePrepared(ctx, sql, opts.Prepared); err != nil {
		cancel()
		return nil, s.fail(err)
	} else if name != "" {
		sqlOrName = name
	}

	start := s.pool.clock.Now()
	rows, err := s.conn.Query(ctx, sqlOrName, args...)
	if err != nil {
		s.pool.recordQuery(s.pool.clock.Now().Sub(start))
		if opts.ReadOnly {
			_, _ = s.conn.Exec(ctx, "SET default_transaction_read_only = off")
		}
		cancel()
		return nil, s.fail(err)
	}
	return &sessionRows{
		Rows:     rows,
		session:  s,
		start:    start,
		cancel:   cancel,
		readOnly: opts.ReadOnly,
	}, nil
}

// Exec runs sql and returns the command tag.
func (s *Session) Exec(ctx context.Context, sql string, args []any, opts ExecOptions) (pgconn.CommandTag, error) {
	if err := s.usable(); err != nil {
		return pgconn.CommandTag{}, err
	}

	ctx, cancel := opts.bound(ctx)
	defer cancel()

	if opts.ReadOnly {
		if _, err := s.conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
			return pgconn.CommandTag{}, s.fail(err)
		}
		defer func() { _, _ = s.conn.Exec(ctx, "SET default_transaction_read_only = off") }()
	}

	sqlOrName := sql
	if name, err := s.resolvePrepared(ctx, sql, opts.Prepared); err != nil {
		return pgconn.CommandTag{}, s.fail(err)
	} else if name != "" {
		sqlOrName = name
	}

	start := s.pool.clock.Now()
	tag, err := s.conn.Exec(ctx, sqlOrName, args...)
	s.pool.recordQuery(s.pool.clock.Now().Sub(start))
	if err != nil {
		return tag, s.fail(err)
	}
	return tag, nil
}

// QueryRow runs sql expecting at most one row.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := s.pool.clock.Now()
	row := s.conn.QueryRow(ctx, sql, args...)
	s.pool.recordQuery(s.pool.clock.Now().Sub(start))
	return row
}

// Begin starts a transaction. A session released while a transaction is
// open is discarded by the pool rather than returned to idle.
func (s *Session) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	s.inTx.Store(true)
	return &sessionTx{Tx: tx, session: s}, nil
}

// StatementFor prepares (or fetches the cached handle for) sql and
// returns the server-side statement name. Used by the bulk loader's
// prepared-batch path.
func (s *Session) StatementFor(ctx context.Context, sql string) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	return s.prepare(ctx, sql)
}

// SetStatementTimeout applies a session-level statement_timeout. The
// analyzer sets one before running EXPLAIN to bound runaway plans.
func (s *Session) SetStatementTimeout(ctx context.Context, d time.Duration) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.conn.Exec(ctx, "SET statement_timeout = "+itoaMillis(d))
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// CachedStatements reports the statement cache occupancy.
func (s *Session) CachedStatements() int { return s.stmts.len() }

// resolvePrepared maps the prepare mode to a statement name ("" means
// use the text protocol).
func (s *Session) resolvePrepared(ctx context.Context, sql string, mode PrepareMode) (string, error) {
	switch mode {
	case PrepareNever:
		return "", nil
	case PrepareForce:
		return s.prepare(ctx, sql)
	default:
		key := Fingerprint(sql)
		s.seen[key]++
		if s.seen[key] < 2 {
			return "", nil
		}
		return s.prepare(ctx, sql)
	}
}

func (s *Session) prepare(ctx context.Context, sql string) (string, error) {
	key := Fingerprint(sql)
	if name, err := s.stmts.get(key); err == nil {
		return name, nil
	}
	name := StatementName(key)
	if _, err := s.conn.Prepare(ctx, name, sql); err != nil {
		return "", err
	}
	s.stmts.put(ctx, key, name)
	return name, nil
}

// fail records connection-level failures on the session so the pool
// discards it at release. Logical errors (constraint violations, bad
// SQL) do not poison the connection.
func (s *Session) fail(err error) error {
	if IsTransient(err) || s.conn.IsClosed() {
		s.errFlag.Store(true)
	}
	return err
}

func (s *Session) touch(now time.Time) {
	s.lastUsed = now
	s.usageCount++
}

func (s *Session) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.conn.Ping(ctx)
}

func (s *Session) close() {
	s.stmts.clear()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.conn.Close(ctx)
}

func (o ExecOptions) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout > 0 {
		return context.WithTimeout(ctx, o.Timeout)
	}
	return ctx, func() {}
}

// sessionRows finishes per-call bookkeeping when the caller closes the
// result set.
type sessionRows struct {
	pgx.Rows
	session  *Session
	start    time.Time
	cancel   context.CancelFunc
	readOnly bool
	done     bool
}

func (r *sessionRows) Close() {
	r.Rows.Close()
	if r.done {
		return
	}
	r.done = true
	r.session.pool.recordQuery(r.session.pool.clock.Now().Sub(r.start))
	if r.readOnly {
		_, _ = r.session.conn.Exec(context.Background(), "SET default_transaction_read_only = off")
	}
	r.cancel()
}

// sessionTx clears the session's transaction flag on commit/rollback so
// the pool can tell a clean release from one abandoned mid-transaction.
type sessionTx struct {
	pgx.Tx
	session *Session
}

func (t *sessionTx) Commit(ctx context.Context) error {
	err := t.Tx.Commit(ctx)
	t.session.inTx.Store(false)
	return err
}

func (t *sessionTx) Rollback(ctx context.Context) error {
	err := t.Tx.Rollback(ctx)
	t.session.inTx.Store(false)
	return err
}

func itoaMillis(d time.Duration) string {
	ms := max(d.Milliseconds(), 0)
	// statement_timeout accepts plain integer milliseconds.
	return strconv.FormatInt(ms, 10)
}
