package bulk

import "errors"

// Sentinel errors for bulk loading.
var (
	// ErrBadInput marks malformed jobs: empty table, no columns, or a
	// row whose arity does not match the column list. Never retried.
	ErrBadInput = errors.New("bulk: bad input")

	// ErrNoRows is returned for jobs with zero rows.
	ErrNoRows = errors.New("bulk: no rows to load")

	// ErrAttemptsExhausted wraps the last transient error after
	// MaxAttempts tries.
	ErrAttemptsExhausted = errors.New("bulk: attempts exhausted")
)
