package pgpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStmtCache_RoundTrip(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConns: 2, StatementCacheCap: 2})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(s, true)

	name, err := s.StatementFor(ctx, "SELECT id FROM campaigns WHERE status = $1")
	require.NoError(t, err)
	require.NotEmpty(t, name)

	// Same statement (modulo whitespace and placeholder numbering)
	// resolves to the same handle without a second Prepare.
	again, err := s.StatementFor(ctx, "SELECT id  FROM campaigns\nWHERE status = $2")
	require.NoError(t, err)
	require.Equal(t, name, again)

	fc := s.conn.(*fakeConn)
	require.Len(t, fc.prepared, 1)
	require.Equal(t, 1, s.CachedStatements())
}

func TestStmtCache_EvictionDeallocates(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConns: 2, StatementCacheCap: 2})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(s, true)

	first, err := s.StatementFor(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = s.StatementFor(ctx, "SELECT 2")
	require.NoError(t, err)

	// Touch the first so "SELECT 2" is the LRU victim.
	_, err = s.StatementFor(ctx, "SELECT 1")
	require.NoError(t, err)

	_, err = s.StatementFor(ctx, "SELECT 3")
	require.NoError(t, err)

	fc := s.conn.(*fakeConn)
	require.Len(t, fc.deallocated, 1)
	require.Equal(t, 2, s.CachedStatements())

	// The survivor is still served from cache.
	got, err := s.StatementFor(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, first, got)
}

func TestStmtCache_DiesWithSession(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConns: 2})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = s.StatementFor(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, 1, s.CachedStatements())

	p.Release(s, false)
	require.Equal(t, 0, s.CachedStatements())

	_, err = s.StatementFor(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrSessionReleased)
}

func TestSession_SetStatementTimeout(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConns: 1})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(s, true)

	require.NoError(t, s.SetStatementTimeout(ctx, 1500*time.Millisecond))
	fc := s.conn.(*fakeConn)
	require.Contains(t, fc.execed, "SET statement_timeout = 1500")
}
