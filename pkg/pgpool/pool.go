package pgpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// Pool is a bounded, concurrency-safe pool of database sessions.
//
// Idle sessions are served LIFO for cache warmth; acquirers blocked on a
// full pool are served FIFO. Every session returned to the pool has
// either been committed or rolled back; a session released
// mid-transaction is discarded.
type Pool struct {
	cfg   Config
	dial  Dialer
	clock scheduler.Clock
	log   *slog.Logger

	mu      sync.Mutex
	idle    []*Session
	inUse   map[*Session]struct{}
	waiters []*waiter
	total   int32
	closed  bool
	stats   counters
}

type waiter struct {
	ch chan *Session
}

// New creates a pool. No connections are opened until Acquire or Warm.
func New(cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:   cfg,
		clock: scheduler.System(),
		log:   logger.NewNope(),
		inUse: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dial == nil {
		p.dial = pgxDialer(cfg.ConnectionString)
	}
	return p
}

// Warm pre-opens MinConns idle sessions. Dial failures are returned but
// leave the pool usable; Acquire will keep trying.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinConns {
			p.mu.Unlock()
			return nil
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.stats.totalFailed++
			p.mu.Unlock()
			return err
		}

		s := newSession(conn, p)
		s.touch(p.clock.Now())
		s.released.Store(true)
		p.mu.Lock()
		p.stats.totalCreated++
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}
}

// Acquire returns a healthy session, blocking up to the configured
// acquire timeout when the pool is at capacity. A negative
// Config.AcquireTimeout (a zero one takes the 5s default) makes Acquire
// non-blocking: it fails with ErrPoolExhausted immediately when nothing
// is available.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	return p.acquire(ctx, p.cfg.AcquireTimeout)
}

// AcquireTimeout is Acquire with a per-call timeout override.
func (p *Pool) AcquireTimeout(ctx context.Context, timeout time.Duration) (*Session, error) {
	return p.acquire(ctx, timeout)
}

func (p *Pool) acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Warm-cache preference: most recently returned session first.
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			s.released.Store(false)
			p.inUse[s] = struct{}{}
			p.mu.Unlock()

			if err := s.ping(waitCtx); err != nil {
				p.discard(s)
				continue
			}
			s.touch(p.clock.Now())
			return s, nil
		}

		if p.total < p.cfg.MaxConns {
			p.total++
			p.mu.Unlock()

			conn, err := p.dial(waitCtx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.stats.totalFailed++
				p.wakeLocked()
				p.mu.Unlock()
				// The caller sees the driver's error, not a pool error.
				return nil, err
			}

			s := newSession(conn, p)
			s.touch(p.clock.Now())
			p.mu.Lock()
			p.stats.totalCreated++
			p.inUse[s] = struct{}{}
			p.mu.Unlock()
			return s, nil
		}

		if timeout == 0 {
			p.stats.acquireTimeouts++
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}

		// Full: join the FIFO wait queue.
		w := &waiter{ch: make(chan *Session, 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case s := <-w.ch:
			if s == nil {
				// A slot freed without a reusable session; retry and
				// possibly dial.
				continue
			}
			if err := s.ping(waitCtx); err != nil {
				p.discard(s)
				continue
			}
			s.touch(p.clock.Now())
			return s, nil

		case <-waitCtx.Done():
			p.mu.Lock()
			if !p.removeWaiterLocked(w) {
				// Delivery raced the timeout; the value is already
				// buffered. Reclaim it so nothing leaks.
				s := <-w.ch
				if s != nil {
					delete(p.inUse, s)
					s.released.Store(true)
					p.idle = append(p.idle, s)
				} else {
					p.wakeLocked()
				}
			}
			p.stats.acquireTimeouts++
			p.mu.Unlock()

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrPoolExhausted
		}
	}
}

// Release returns a session to the pool. ok=false (or a session with a
// connection-level error, or one abandoned mid-transaction) closes the
// connection instead. Release is infallible and must be called exactly
// once per acquire; extra calls are ignored.
func (p *Pool) Release(s *Session, ok bool) {
	if s == nil || s.released.Swap(true) {
		return
	}

	p.mu.Lock()
	delete(p.inUse, s)

	healthy := ok &&
		!s.errFlag.Load() &&
		!s.inTx.Load() &&
		!p.closed &&
		!s.conn.IsClosed()

	if healthy {
		p.stats.totalReturned++
		s.lastUsed = p.clock.Now()

		// FIFO handoff to the oldest waiter, bypassing the idle stack.
		if w := p.popWaiterLocked(); w != nil {
			s.released.Store(false)
			p.inUse[s] = struct{}{}
			w.ch <- s
			p.mu.Unlock()
			return
		}

		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}

	// Unhealthy or pool closing: the session is discarded.
	p.total--
	if !ok || s.errFlag.Load() {
		p.stats.totalFailed++
	} else {
		p.stats.totalReturned++
	}
	w := p.popWaiterLocked()
	p.mu.Unlock()

	s.close()
	if w != nil {
		w.ch <- nil
	}
}

// discard removes a session that failed validation mid-acquire.
func (p *Pool) discard(s *Session) {
	p.mu.Lock()
	delete(p.inUse, s)
	p.total--
	p.stats.totalFailed++
	w := p.popWaiterLocked()
	p.mu.Unlock()

	s.close()
	if w != nil {
		w.ch <- nil
	}
}

// Sweep closes idle sessions older than MaxIdleAge, keeping MinConns
// warm. The orchestrator schedules it at HealthSweepInterval. Returns
// the number of sessions closed.
func (p *Pool) Sweep(_ context.Context) int {
	now := p.clock.Now()
	cutoff := now.Add(-p.cfg.MaxIdleAge)

	p.mu.Lock()
	var keep, drop []*Session
	for _, s := range p.idle {
		tooOld := s.lastUsed.Before(cutoff)
		if (tooOld || s.errFlag.Load()) && int32(len(p.idle)-len(drop)) > p.cfg.MinConns {
			drop = append(drop, s)
		} else {
			keep = append(keep, s)
		}
	}
	p.idle = keep
	p.total -= int32(len(drop))
	p.mu.Unlock()

	for _, s := range drop {
		s.close()
	}
	if len(drop) > 0 {
		p.log.Debug("health sweep closed idle sessions", slog.Int("closed", len(drop)))
	}
	return len(drop)
}

// CloseAll drains idle sessions and marks in-use sessions to be closed
// on release. No acquire succeeds afterwards.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= int32(len(idle))
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, s := range idle {
		s.close()
	}
	// Wake blocked acquirers so they observe the closed pool.
	for _, w := range waiters {
		w.ch <- nil
	}
}

// Reopen makes a closed pool usable again; sessions are re-dialed on
// demand. The upholder uses it when restarted after a stop.
func (p *Pool) Reopen() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

// Stats returns a lock-protected snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		MinSize:         p.cfg.MinConns,
		MaxSize:         p.cfg.MaxConns,
		InUse:           int32(len(p.inUse)),
		Idle:            int32(len(p.idle)),
		TotalCreated:    p.stats.totalCreated,
		TotalReturned:   p.stats.totalReturned,
		TotalFailed:     p.stats.totalFailed,
		TotalQueries:    p.stats.totalQueries,
		SlowQueries:     p.stats.slowQueries,
		AcquireTimeouts: p.stats.acquireTimeouts,
	}
	if p.stats.totalQueries > 0 {
		st.AvgQueryMS = float64(p.stats.totalQueryNanos) / float64(p.stats.totalQueries) / 1e6
	}
	return st
}

func (p *Pool) recordQuery(d time.Duration) {
	p.mu.Lock()
	p.stats.totalQueries++
	p.stats.totalQueryNanos += d.Nanoseconds()
	if d >= p.cfg.SlowQueryThreshold {
		p.stats.slowQueries++
	}
	p.mu.Unlock()
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// wakeLocked hands a freed slot to the oldest waiter.
func (p *Pool) wakeLocked() {
	if w := p.popWaiterLocked(); w != nil {
		w.ch <- nil
	}
}
