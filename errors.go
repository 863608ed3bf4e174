package pgsteward

import "errors"

// Sentinel errors for the upholder lifecycle.
var (
	// ErrInvalidState is returned for lifecycle calls that are not
	// legal in the current state (Start on a running upholder, etc.).
	ErrInvalidState = errors.New("pgsteward: invalid state transition")

	// ErrCycleInFlight is returned by TriggerAudit while another cycle
	// is being assembled; concurrent triggers coalesce rather than
	// queue.
	ErrCycleInFlight = errors.New("pgsteward: audit cycle already in flight")

	// ErrStopped is returned when the upholder has been stopped.
	ErrStopped = errors.New("pgsteward: stopped")
)
