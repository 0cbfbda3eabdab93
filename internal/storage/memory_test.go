package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/derekleverenz/apalis/internal/clock"
	"github.com/derekleverenz/apalis/internal/job"
	"github.com/derekleverenz/apalis/internal/retry"
)

func newTestStore(t *testing.T) (*MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(Options{
		Clock: clk,
		Backoff: &retry.Policy{
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			Multiplier:  2.0,
			JitterRatio: 0,
		},
	})
	return s, clk
}

func push(t *testing.T, s *MemoryStore, maxAttempts int) *job.Job {
	t.Helper()
	j := job.New("test", json.RawMessage(`{}`), maxAttempts)
	j.RunAt = s.opts.Clock.Now()
	if _, err := s.Push(context.Background(), j); err != nil {
		t.Fatalf("push: %v", err)
	}
	return j
}

func TestPollClaimsDueJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	j := push(t, s, 3)

	got, err := s.Poll(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 1 || got[0].ID != j.ID {
		t.Fatalf("expected the pushed job, got %v", got)
	}
	if got[0].State != job.StateRunning {
		t.Errorf("expected running, got %s", got[0].State)
	}
	if got[0].LockedBy != "w1" {
		t.Errorf("expected lock held by w1, got %q", got[0].LockedBy)
	}
	if got[0].LeaseExpiresAt == nil {
		t.Error("expected a lease deadline")
	}
}

func TestPollRespectsRunAt(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	j := job.New("test", nil, 3)
	j.RunAt = clk.Now().Add(time.Hour)
	if _, err := s.Push(ctx, j); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := s.Poll(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty poll before run_at, got %d jobs", len(got))
	}

	clk.Advance(2 * time.Hour)
	got, err = s.Poll(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected job after run_at passed, got %d jobs", len(got))
	}
}

func TestPollOrdersByRunAt(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	late := job.New("test", nil, 3)
	late.RunAt = clk.Now().Add(-time.Minute)
	early := job.New("test", nil, 3)
	early.RunAt = clk.Now().Add(-time.Hour)
	s.Push(ctx, late)
	s.Push(ctx, early)

	got, err := s.Poll(ctx, "w1", 1, time.Minute)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 1 || got[0].ID != early.ID {
		t.Fatal("expected the earliest-due job first")
	}
}

func TestPollExclusivity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	push(t, s, 3)

	// Two concurrent pollers race for one due job: exactly one wins.
	const pollers = 16
	var wg sync.WaitGroup
	results := make([][]*job.Job, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.Poll(ctx, "w", 1, time.Minute)
			if err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, got := range results {
		winners += len(got)
	}
	if winners != 1 {
		t.Fatalf("expected exactly one claimant, got %d", winners)
	}
}

func TestAck(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	j := push(t, s, 3)
	s.Poll(ctx, "w1", 1, time.Minute)

	if err := s.Ack(ctx, j.ID, "w1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.State != job.StateDone {
		t.Errorf("expected done, got %s", got.State)
	}
	if got.DoneAt == nil {
		t.Error("expected done_at to be set")
	}

	// A second ack must fail: the job is terminal and the lease is gone.
	if err := s.Ack(ctx, j.ID, "w1"); !errors.Is(err, job.ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost on double ack, got %v", err)
	}
}

func TestRetryReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	j := push(t, s, 3)
	s.Poll(ctx, "w1", 1, time.Minute)

	if err := s.Retry(ctx, j.ID, "w1", errors.New("boom")); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.State != job.StatePending {
		t.Errorf("expected pending, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", got.Attempts)
	}
	if got.LastError != "boom" {
		t.Errorf("expected last_error recorded, got %q", got.LastError)
	}
	// Backoff for attempt 1 is the base delay of 1s.
	want := clk.Now().Add(time.Second)
	if !got.RunAt.Equal(want) {
		t.Errorf("expected run_at %s, got %s", want, got.RunAt)
	}
}

func TestRetryExhaustsToFailed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	j := push(t, s, 1)
	s.Poll(ctx, "w1", 1, time.Minute)

	if err := s.Retry(ctx, j.ID, "w1", errors.New("boom")); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("expected failed after exhausting attempts, got %s", got.State)
	}

	// A failed job is never polled again.
	polled, _ := s.Poll(ctx, "w2", 10, time.Minute)
	if len(polled) != 0 {
		t.Error("expected no polls for a failed job")
	}
}

func TestBackoffGrows(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	j := push(t, s, 10)

	var prevDelay time.Duration
	for i := 0; i < 5; i++ {
		clk.Advance(time.Hour) // make the job due again
		polled, err := s.Poll(ctx, "w1", 1, time.Minute)
		if err != nil || len(polled) != 1 {
			t.Fatalf("poll %d: %v (%d jobs)", i, err, len(polled))
		}
		if err := s.Retry(ctx, j.ID, "w1", errors.New("boom")); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		got, _ := s.Get(ctx, j.ID)
		delay := got.RunAt.Sub(clk.Now())
		if delay < prevDelay {
			t.Fatalf("backoff shrank: attempt %d gave %s after %s", got.Attempts, delay, prevDelay)
		}
		prevDelay = delay
	}
}

func TestReapReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	j := push(t, s, 3)

	polled, _ := s.Poll(ctx, "w1", 1, time.Second)
	if len(polled) != 1 {
		t.Fatal("expected to claim the job")
	}

	// Lease still live: nothing to reap.
	count, err := s.Reap(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected no reaps with live lease, got %d (%v)", count, err)
	}

	clk.Advance(2 * time.Second)
	count, err = s.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reaped job, got %d", count)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.State != job.StatePending {
		t.Errorf("expected pending after reap, got %s", got.State)
	}
	if got.Attempts != 0 {
		t.Errorf("expected attempts unchanged by reap, got %d", got.Attempts)
	}

	// The job is deliverable again: at-least-once.
	polled, _ = s.Poll(ctx, "w2", 1, time.Minute)
	if len(polled) != 1 || polled[0].ID != j.ID {
		t.Fatal("expected reaped job to be polled again")
	}
}

func TestReapAttemptPenaltyOptIn(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(Options{Clock: clk, ReapIncrementsAttempts: true})

	j := job.New("test", nil, 3)
	j.RunAt = clk.Now()
	s.Push(ctx, j)
	s.Poll(ctx, "w1", 1, time.Second)
	clk.Advance(2 * time.Second)

	if _, err := s.Reap(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Attempts != 1 {
		t.Errorf("expected reap to count an attempt when opted in, got %d", got.Attempts)
	}
}

func TestReapDoesNotResurrectAckedJob(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	j := push(t, s, 3)

	s.Poll(ctx, "w1", 1, time.Second)
	s.Ack(ctx, j.ID, "w1")
	clk.Advance(time.Minute)

	count, _ := s.Reap(ctx)
	if count != 0 {
		t.Fatalf("expected acked job untouched by reaper, reaped %d", count)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.State != job.StateDone {
		t.Errorf("expected done, got %s", got.State)
	}
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	j := push(t, s, 3)
	s.Poll(ctx, "w1", 1, 2*time.Second)

	// Owner extends: the reaper must not reclaim at the old deadline.
	if err := s.ExtendLease(ctx, j.ID, "w1", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	clk.Advance(3 * time.Second)
	if count, _ := s.Reap(ctx); count != 0 {
		t.Fatalf("expected extended lease to survive, reaped %d", count)
	}

	// Let the lease lapse and get reclaimed; the old owner is now stale.
	clk.Advance(2 * time.Minute)
	if count, _ := s.Reap(ctx); count != 1 {
		t.Fatal("expected lease to be reaped")
	}
	if err := s.ExtendLease(ctx, j.ID, "w1", time.Minute); !errors.Is(err, job.ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for stale owner, got %v", err)
	}
}

func TestStaleOwnerCannotMutate(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	j := push(t, s, 3)

	s.Poll(ctx, "w1", 1, time.Second)
	clk.Advance(2 * time.Second)
	s.Reap(ctx)

	// w2 claims the reclaimed job; w1's reports must all be refused.
	polled, _ := s.Poll(ctx, "w2", 1, time.Minute)
	if len(polled) != 1 {
		t.Fatal("expected w2 to claim the reclaimed job")
	}

	if err := s.Ack(ctx, j.ID, "w1"); !errors.Is(err, job.ErrLeaseLost) {
		t.Errorf("stale ack: expected ErrLeaseLost, got %v", err)
	}
	if err := s.Retry(ctx, j.ID, "w1", errors.New("boom")); !errors.Is(err, job.ErrLeaseLost) {
		t.Errorf("stale retry: expected ErrLeaseLost, got %v", err)
	}

	got, _ := s.Get(ctx, j.ID)
	if !got.OwnedBy("w2") {
		t.Error("expected w2 to still own the job")
	}
}

func TestKill(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	j := push(t, s, 3)

	if err := s.Kill(ctx, j.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.State != job.StateKilled {
		t.Errorf("expected killed, got %s", got.State)
	}

	// Idempotent on killed, refused on done.
	if err := s.Kill(ctx, j.ID); err != nil {
		t.Errorf("expected kill to be idempotent, got %v", err)
	}

	done := push(t, s, 3)
	s.Poll(ctx, "w1", 10, time.Minute)
	s.Ack(ctx, done.ID, "w1")
	if err := s.Kill(ctx, done.ID); !errors.Is(err, job.ErrTerminal) {
		t.Errorf("expected ErrTerminal killing a done job, got %v", err)
	}

	// A killed job is never polled.
	if polled, _ := s.Poll(ctx, "w2", 10, time.Minute); len(polled) != 0 {
		t.Error("expected no polls for killed jobs")
	}
}

func TestPushDedup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first := job.New("test", nil, 3)
	first.DedupKey = "order-42"
	second := job.New("test", nil, 3)
	second.DedupKey = "order-42"

	id1, err := s.Push(ctx, first)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	id2, err := s.Push(ctx, second)
	if err != nil {
		t.Fatalf("push duplicate: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected duplicate push to return the original id")
	}
	if _, err := s.Get(ctx, second.ID); !errors.Is(err, job.ErrNotFound) {
		t.Error("expected the duplicate job not to be persisted")
	}
}

func TestOperationsOnUnknownJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	unknown := job.New("test", nil, 3)

	if err := s.Ack(ctx, unknown.ID, "w1"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("ack: expected ErrNotFound, got %v", err)
	}
	if err := s.Retry(ctx, unknown.ID, "w1", nil); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("retry: expected ErrNotFound, got %v", err)
	}
	if err := s.Kill(ctx, unknown.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("kill: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, unknown.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("get: expected ErrNotFound, got %v", err)
	}
}

func TestListAndStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	for i := 0; i < 4; i++ {
		push(t, s, 3)
	}
	s.Poll(ctx, "w1", 1, time.Minute)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[job.StatePending] != 3 || stats[job.StateRunning] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}

	pending, err := s.List(ctx, job.StatePending, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected limit 2, got %d", len(pending))
	}
}
