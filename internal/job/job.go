// Package job defines the core job record, its state machine, and the
// storage contract every backend implements.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State represents the current state of a job in its lifecycle.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateKilled  State = "killed"
)

// Terminal reports whether a job in this state can never transition again.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateKilled
}

// Job represents a unit of work to be executed by a worker. The payload is
// opaque to the engine; only the handler registered for the job's type ever
// inspects it.
type Job struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	DedupKey       string          `json:"dedup_key,omitempty" db:"dedup_key"`
	Type           string          `json:"type" db:"type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	State          State           `json:"state" db:"state"`
	RunAt          time.Time       `json:"run_at" db:"run_at"`
	Attempts       int             `json:"attempts" db:"attempts"`
	MaxAttempts    int             `json:"max_attempts" db:"max_attempts"`
	LockedBy       string          `json:"locked_by,omitempty" db:"locked_by"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	LastError      string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	DoneAt         *time.Time      `json:"done_at,omitempty" db:"done_at"`
}

// New creates a pending job of the given type, due immediately.
func New(jobType string, payload json.RawMessage, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.New(),
		Type:        jobType,
		Payload:     payload,
		State:       StatePending,
		RunAt:       now,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Due reports whether the job is eligible for claiming at the given instant.
func (j *Job) Due(now time.Time) bool {
	return j.State == StatePending && !j.RunAt.After(now)
}

// LeaseExpired reports whether the job's lease has lapsed at the given
// instant. Only meaningful for running jobs.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.State == StateRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// OwnedBy reports whether the worker currently holds the job's lease.
func (j *Job) OwnedBy(workerID string) bool {
	return j.State == StateRunning && j.LockedBy == workerID
}
