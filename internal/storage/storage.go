// Package storage provides the backend implementations of the job store
// contract: Postgres (row-level claiming), Redis (atomic multi-structure
// scripts), and an in-process store for tests and local development.
package storage

import (
	"errors"
	"fmt"

	"github.com/derekleverenz/apalis/internal/clock"
	"github.com/derekleverenz/apalis/internal/job"
	"github.com/derekleverenz/apalis/internal/retry"
)

// Options configures behavior shared by every backend.
type Options struct {
	// Backoff decides how far out a retried job is rescheduled.
	Backoff *retry.Policy

	// Clock supplies time; defaults to the system clock.
	Clock clock.Clock

	// ReapIncrementsAttempts controls whether a lease-reaper requeue
	// counts toward the job's attempts. Off by default: a worker crash is
	// not a handler failure.
	ReapIncrementsAttempts bool
}

func (o Options) withDefaults() Options {
	if o.Backoff == nil {
		o.Backoff = retry.DefaultPolicy()
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	return o
}

// unavailable wraps a transient backend I/O failure so callers can detect
// it with errors.Is(err, job.ErrUnavailable) and apply their own backoff.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(job.ErrUnavailable, err))
}
