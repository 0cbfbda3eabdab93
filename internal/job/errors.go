package job

import "errors"

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when the caller no longer owns the job's
	// lease: the lease expired and the job was reclaimed, possibly by
	// another worker. Callers must stop work on the job instead of
	// retrying the call.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrTerminal is returned when an operation targets a job that already
	// reached a terminal state.
	ErrTerminal = errors.New("job in terminal state")

	// ErrUnavailable marks a transient backend I/O failure. The operation
	// did not mutate job state and may be retried by the caller.
	ErrUnavailable = errors.New("backend unavailable")
)
