// Package pgpool provides a bounded PostgreSQL session pool with
// per-connection lifecycle metrics and a per-session prepared statement
// cache.
//
// The pool hands out Sessions: exclusively owned connection handles that
// must be released exactly once. Idle sessions are reused LIFO to keep
// server-side caches warm; acquirers blocked on a full pool are served
// in FIFO order. A background health sweep (scheduled by the upholder)
// retires idle sessions past their maximum age.
//
//	pool := pgpool.New(pgpool.Config{ConnectionString: dsn})
//	s, err := pool.Acquire(ctx)
//	if err != nil { ... }
//	defer pool.Release(s, err == nil)
//
//	rows, err := s.Query(ctx, "SELECT ...", args, pgpool.ExecOptions{
//	    Timeout:  2 * time.Second,
//	    Prepared: pgpool.PrepareAuto,
//	})
//
// Each session carries an LRU cache of prepared statements keyed by the
// SQL fingerprint (see Fingerprint). The cache never outlives its
// session, matching PostgreSQL's session-scoped prepared statements;
// eviction deallocates the statement on the wire.
//
// Error taxonomy helpers (IsTransient, IsPermissionDenied,
// IsUndefinedObject) classify driver errors for the retry and
// degradation policies used across the upholder.
package pgpool
