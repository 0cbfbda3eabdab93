package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/derekleverenz/apalis/internal/job"
)

// MemoryStore is an in-process implementation of the job store contract.
// It mirrors the semantics of the durable backends exactly, which makes it
// the reference implementation for contract tests and a convenient backend
// for local development.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*job.Job
	dedup map[string]uuid.UUID
	opts  Options
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[uuid.UUID]*job.Job),
		dedup: make(map[string]uuid.UUID),
		opts:  opts.withDefaults(),
	}
}

// Push persists a new pending job.
func (s *MemoryStore) Push(_ context.Context, j *job.Job) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.DedupKey != "" {
		if existing, ok := s.dedup[j.DedupKey]; ok {
			return existing, nil
		}
		s.dedup[j.DedupKey] = j.ID
	}

	cp := *j
	cp.State = job.StatePending
	cp.UpdatedAt = s.opts.Clock.Now()
	s.jobs[cp.ID] = &cp
	return cp.ID, nil
}

// Poll claims up to limit due pending jobs for the caller.
func (s *MemoryStore) Poll(_ context.Context, workerID string, limit int, lease time.Duration) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	due := make([]*job.Job, 0, limit)
	for _, j := range s.jobs {
		if j.Due(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*job.Job, 0, len(due))
	deadline := now.Add(lease)
	for _, j := range due {
		j.State = job.StateRunning
		j.LockedBy = workerID
		j.LeaseExpiresAt = &deadline
		j.UpdatedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// ExtendLease pushes out the lease deadline of a job owned by the caller.
func (s *MemoryStore) ExtendLease(_ context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if !j.OwnedBy(workerID) {
		return job.ErrLeaseLost
	}
	now := s.opts.Clock.Now()
	deadline := now.Add(lease)
	j.LeaseExpiresAt = &deadline
	j.UpdatedAt = now
	return nil
}

// Ack marks a job owned by the caller as done.
func (s *MemoryStore) Ack(_ context.Context, id uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if !j.OwnedBy(workerID) {
		return job.ErrLeaseLost
	}
	now := s.opts.Clock.Now()
	j.State = job.StateDone
	j.LockedBy = ""
	j.LeaseExpiresAt = nil
	j.DoneAt = &now
	j.UpdatedAt = now
	return nil
}

// Retry records a handler failure, rescheduling or failing the job.
func (s *MemoryStore) Retry(_ context.Context, id uuid.UUID, workerID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if !j.OwnedBy(workerID) {
		return job.ErrLeaseLost
	}

	now := s.opts.Clock.Now()
	j.Attempts++
	j.LockedBy = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	if cause != nil {
		j.LastError = cause.Error()
	}

	if j.Attempts >= j.MaxAttempts {
		j.State = job.StateFailed
		j.DoneAt = &now
		return nil
	}
	j.State = job.StatePending
	j.RunAt = now.Add(s.opts.Backoff.NextDelay(j.Attempts))
	return nil
}

// Kill forces a job into the killed state.
func (s *MemoryStore) Kill(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	switch j.State {
	case job.StateKilled:
		return nil
	case job.StateDone:
		return job.ErrTerminal
	}
	now := s.opts.Clock.Now()
	j.State = job.StateKilled
	j.LockedBy = ""
	j.LeaseExpiresAt = nil
	j.DoneAt = &now
	j.UpdatedAt = now
	return nil
}

// Reap reverts all running jobs with an expired lease back to pending.
func (s *MemoryStore) Reap(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	var count int64
	for _, j := range s.jobs {
		if !j.LeaseExpired(now) {
			continue
		}
		j.State = job.StatePending
		j.LockedBy = ""
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		if s.opts.ReapIncrementsAttempts {
			j.Attempts++
		}
		count++
	}
	return count, nil
}

// Get retrieves a job by id.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// List returns jobs in the given state, newest first.
func (s *MemoryStore) List(_ context.Context, state job.State, limit, offset int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*job.Job, 0)
	for _, j := range s.jobs {
		if j.State == state {
			cp := *j
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].CreatedAt.After(matched[k].CreatedAt) })

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// Stats returns the number of jobs in each state.
func (s *MemoryStore) Stats(_ context.Context) (map[job.State]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[job.State]int64)
	for _, j := range s.jobs {
		counts[j.State]++
	}
	return counts, nil
}
