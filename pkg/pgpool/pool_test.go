package pgpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// fakeConn is an in-memory stand-in for *pgx.Conn.
type fakeConn struct {
	mu          sync.Mutex
	closed      bool
	pingErr     error
	execErr     error
	prepared    map[string]string
	deallocated []string
	execed      []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{prepared: make(map[string]string)}
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execed = append(c.execed, sql)
	if c.execErr != nil {
		return pgconn.CommandTag{}, c.execErr
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeConn: query not supported")
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (c *fakeConn) Prepare(_ context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared[name] = sql
	return &pgconn.StatementDescription{Name: name, SQL: sql}, nil
}

func (c *fakeConn) Deallocate(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deallocated = append(c.deallocated, name)
	delete(c.prepared, name)
	return nil
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	return fakeTx{}, nil
}

func (c *fakeConn) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return nil
}

func (c *fakeConn) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

// fakeTx satisfies pgx.Tx; only Commit/Rollback matter here.
type fakeTx struct{}

func (fakeTx) Begin(context.Context) (pgx.Tx, error)          { return fakeTx{}, nil }
func (fakeTx) Commit(context.Context) error                   { return nil }
func (fakeTx) Rollback(context.Context) error                 { return nil }
func (fakeTx) Conn() *pgx.Conn                                { return nil }
func (fakeTx) LargeObjects() pgx.LargeObjects                 { return pgx.LargeObjects{} }
func (fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults  { return nil }
func (fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithDialer(func(context.Context) (Conn, error) {
		return newFakeConn(), nil
	})}, opts...)
	p := New(cfg, opts...)
	t.Cleanup(p.CloseAll)
	return p
}

func TestPool_Acquire(t *testing.T) {
	t.Parallel()

	t.Run("creates up to max connections", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 2, AcquireTimeout: 50 * time.Millisecond})
		ctx := context.Background()

		s1, err := p.Acquire(ctx)
		require.NoError(t, err)
		s2, err := p.Acquire(ctx)
		require.NoError(t, err)

		st := p.Stats()
		require.Equal(t, int32(2), st.InUse)
		require.Equal(t, int64(2), st.TotalCreated)

		p.Release(s1, true)
		p.Release(s2, true)
	})

	t.Run("zero timeout fails immediately at capacity", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 1})
		ctx := context.Background()

		s, err := p.Acquire(ctx)
		require.NoError(t, err)
		defer p.Release(s, true)

		_, err = p.AcquireTimeout(ctx, 0)
		require.ErrorIs(t, err, ErrPoolExhausted)
	})

	t.Run("zero timeout succeeds when idle available", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 1})
		ctx := context.Background()

		s, err := p.Acquire(ctx)
		require.NoError(t, err)
		p.Release(s, true)

		s2, err := p.AcquireTimeout(ctx, 0)
		require.NoError(t, err)
		p.Release(s2, true)
	})

	t.Run("surfaces the driver error, not a pool error", func(t *testing.T) {
		t.Parallel()

		dialErr := errors.New("connection refused")
		p := New(Config{MaxConns: 2}, WithDialer(func(context.Context) (Conn, error) {
			return nil, dialErr
		}))
		defer p.CloseAll()

		_, err := p.Acquire(context.Background())
		require.ErrorIs(t, err, dialErr)
		require.Equal(t, int64(1), p.Stats().TotalFailed)
	})

	t.Run("LIFO reuse of idle sessions", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 4})
		ctx := context.Background()

		s1, _ := p.Acquire(ctx)
		s2, _ := p.Acquire(ctx)
		p.Release(s1, true)
		p.Release(s2, true)

		// s2 was returned last, so it comes back first.
		got, err := p.Acquire(ctx)
		require.NoError(t, err)
		require.Same(t, s2, got)
		p.Release(got, true)
	})

	t.Run("invalid idle session is discarded and replaced", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 2})
		ctx := context.Background()

		s1, err := p.Acquire(ctx)
		require.NoError(t, err)
		p.Release(s1, true)
		s1.conn.(*fakeConn).pingErr = errors.New("server closed the connection")

		s2, err := p.Acquire(ctx)
		require.NoError(t, err)
		require.NotSame(t, s1, s2)
		require.True(t, s1.conn.IsClosed())
		p.Release(s2, true)
	})
}

// Pool fairness under contention: two held sessions, five waiters, the
// two released sessions go to the first two waiters in FIFO order and
// the rest time out with pool exhaustion.
func TestPool_FairnessUnderContention(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConns: 2, AcquireTimeout: time.Second})
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)

	type outcome struct {
		idx     int
		session *Session
		err     error
	}
	results := make(chan outcome, 5)
	var order []int
	var orderMu sync.Mutex

	for i := range 5 {
		go func(i int) {
			// Winners hold their session so later waiters cannot reuse it.
			s, err := p.Acquire(ctx)
			if err == nil {
				orderMu.Lock()
				order = append(order, i)
				orderMu.Unlock()
			}
			results <- outcome{idx: i, session: s, err: err}
		}(i)
		// Stagger so the wait queue order matches the launch order.
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	p.Release(s1, true)
	time.Sleep(200 * time.Millisecond)
	p.Release(s2, true)

	var succeeded, exhausted int
	var won []*Session
	for range 5 {
		r := <-results
		if r.err == nil {
			succeeded++
			won = append(won, r.session)
		} else {
			require.ErrorIs(t, r.err, ErrPoolExhausted)
			exhausted++
		}
	}
	require.Equal(t, 2, succeeded)
	require.Equal(t, 3, exhausted)

	orderMu.Lock()
	require.Equal(t, []int{0, 1}, order, "FIFO handoff to the oldest waiters")
	orderMu.Unlock()

	st := p.Stats()
	require.LessOrEqual(t, st.TotalCreated, int64(2))
	require.Equal(t, int64(3), st.AcquireTimeouts)

	for _, s := range won {
		p.Release(s, true)
	}
	require.Equal(t, int32(0), p.Stats().InUse)
}

func TestPool_Release(t *testing.T) {
	t.Parallel()

	t.Run("ok=false closes the connection", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 2})
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)

		p.Release(s, false)
		require.True(t, s.conn.IsClosed())

		st := p.Stats()
		require.Equal(t, int32(0), st.InUse)
		require.Equal(t, int32(0), st.Idle)
		require.Equal(t, int64(1), st.TotalFailed)
	})

	t.Run("double release is ignored", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 2})
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)

		p.Release(s, true)
		p.Release(s, true)

		st := p.Stats()
		require.Equal(t, int32(1), st.Idle)
		require.Equal(t, int64(1), st.TotalReturned)
	})

	t.Run("session abandoned mid-transaction is discarded", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 2})
		ctx := context.Background()
		s, err := p.Acquire(ctx)
		require.NoError(t, err)

		_, err = s.Begin(ctx)
		require.NoError(t, err)

		p.Release(s, true)
		require.True(t, s.conn.IsClosed())
		require.Equal(t, int32(0), p.Stats().Idle)
	})

	t.Run("committed transaction returns to idle", func(t *testing.T) {
		t.Parallel()

		p := newTestPool(t, Config{MaxConns: 2})
		ctx := context.Background()
		s, err := p.Acquire(ctx)
		require.NoError(t, err)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		p.Release(s, true)
		require.Equal(t, int32(1), p.Stats().Idle)
	})
}

func TestPool_CloseAll(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConns: 2})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle, true)

	p.CloseAll()

	require.True(t, idle.conn.IsClosed(), "idle sessions drained")

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)

	// In-use sessions are closed on release.
	p.Release(held, true)
	require.True(t, held.conn.IsClosed())
	require.Equal(t, int32(0), p.Stats().InUse)
}

func TestPool_Sweep(t *testing.T) {
	t.Parallel()

	clk := scheduler.NewFake(time.Unix(10_000, 0))
	p := newTestPool(t, Config{
		MinConns:   1,
		MaxConns:   4,
		MaxIdleAge: time.Minute,
	}, WithClock(clk))
	ctx := context.Background()

	var held []*Session
	for range 3 {
		s, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, s)
	}
	for _, s := range held {
		p.Release(s, true)
	}
	require.Equal(t, int32(3), p.Stats().Idle)

	clk.Advance(2 * time.Minute)
	closed := p.Sweep(ctx)

	require.Equal(t, 2, closed, "keeps MinConns warm")
	st := p.Stats()
	require.Equal(t, int32(1), st.Idle)
}

func TestPool_Warm(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MinConns: 3, MaxConns: 8})
	require.NoError(t, p.Warm(context.Background()))
	require.Equal(t, int32(3), p.Stats().Idle)

	var dials atomic.Int64
	q := New(Config{MinConns: 2, MaxConns: 4}, WithDialer(func(context.Context) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("dns failure")
	}))
	defer q.CloseAll()
	require.Error(t, q.Warm(context.Background()))
	require.Equal(t, int64(1), dials.Load(), "stops after first dial failure")
}
