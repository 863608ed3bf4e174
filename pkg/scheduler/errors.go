package scheduler

import "errors"

// Sentinel errors for scheduler operations.
var (
	// ErrAlreadyStarted is returned when Start is called on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler: already started")

	// ErrNotStarted is returned when an operation requires a running scheduler.
	ErrNotStarted = errors.New("scheduler: not started")

	// ErrUnknownTask is returned when a task name is not registered.
	ErrUnknownTask = errors.New("scheduler: unknown task")

	// ErrDuplicateTask is returned when registering a name twice.
	ErrDuplicateTask = errors.New("scheduler: task already registered")

	// ErrStopTimeout is returned when Stop's grace period expires with
	// tasks still in flight. Abandoned tasks observe cancellation on
	// their next blocking call.
	ErrStopTimeout = errors.New("scheduler: stop timed out")

	// ErrInvalidInterval is returned for non-positive intervals.
	ErrInvalidInterval = errors.New("scheduler: interval must be positive")
)
