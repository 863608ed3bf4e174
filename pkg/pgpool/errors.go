package pgpool

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for pool operations.
var (
	// ErrPoolExhausted is returned when Acquire cannot obtain a session
	// within its timeout. It is retryable by the caller; the pool never
	// retries internally.
	ErrPoolExhausted = errors.New("pgpool: pool exhausted")

	// ErrPoolClosed is returned for operations on a closed pool.
	ErrPoolClosed = errors.New("pgpool: pool closed")

	// ErrSessionReleased is returned when a released session is used.
	ErrSessionReleased = errors.New("pgpool: session already released")

	// ErrStatementNotFound is returned by the statement cache when a
	// fingerprint has no cached handle.
	ErrStatementNotFound = errors.New("pgpool: statement not cached")
)

// IsTransient reports whether err is a transient driver condition worth
// retrying on a fresh session: connection failures (class 08),
// serialization failures and deadlocks (40001, 40P01), or admin
// shutdown (57P01).
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return true
		}
		return false
	}
	// Network-level resets arrive as plain errors from the driver.
	return pgconn.SafeToRetry(err)
}

// IsPermissionDenied reports whether err is a privilege failure
// (insufficient_privilege, 42501). It only classifies the error;
// callers are not disabled by it.
func IsPermissionDenied(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

// IsUndefinedObject reports whether err names a missing relation or
// function (42P01, 42883). The analyzer uses it to detect an absent
// pg_stat_statements extension.
func IsUndefinedObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "42P01" || pgErr.Code == "42883"
}
