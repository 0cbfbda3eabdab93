package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the persistence contract for jobs. Every backend implements
// these operations with its own atomicity mechanism; the invariant they all
// share is that a job is never handed to two workers while a lease is
// active, and that a caller who lost its lease can never mutate the job.
type Store interface {
	// Push persists a new pending job and returns its id. If the job
	// carries a dedup key and a job with that key already exists, the
	// existing job's id is returned and nothing is written.
	Push(ctx context.Context, j *Job) (uuid.UUID, error)

	// Poll atomically claims up to limit pending jobs whose run_at has
	// passed, transitions them to running with the caller's lock identity
	// and a lease of the given duration, and returns them ordered by
	// run_at. No two concurrent callers ever receive the same job.
	Poll(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*Job, error)

	// ExtendLease pushes out the lease deadline of a running job owned by
	// the caller. Returns ErrLeaseLost if the caller no longer owns it.
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error

	// Ack marks a job owned by the caller as done.
	Ack(ctx context.Context, id uuid.UUID, workerID string) error

	// Retry records a handler failure for a job owned by the caller,
	// incrementing attempts. If attempts remain, the job becomes pending
	// again with run_at advanced by the backend's backoff policy;
	// otherwise it becomes failed.
	Retry(ctx context.Context, id uuid.UUID, workerID string, cause error) error

	// Kill forces a job into the killed state regardless of remaining
	// attempts. Killing an already-killed job is a no-op; killing a done
	// job returns ErrTerminal.
	Kill(ctx context.Context, id uuid.UUID) error

	// Reap reverts all running jobs whose lease deadline has passed back
	// to pending, clearing their lock identity, and returns how many were
	// reclaimed. Safe to run concurrently with itself and with ack/retry
	// traffic.
	Reap(ctx context.Context) (int64, error)

	// Get retrieves a job by id.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// List returns jobs in the given state, newest first, with pagination.
	List(ctx context.Context, state State, limit, offset int) ([]*Job, error)

	// Stats returns the number of jobs in each state.
	Stats(ctx context.Context) (map[State]int64, error)
}
