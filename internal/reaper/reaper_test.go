package reaper

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/clock"
	"github.com/derekleverenz/apalis/internal/job"
	"github.com/derekleverenz/apalis/internal/storage"
)

func TestReaperReclaimsExpiredLeases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore(storage.Options{Clock: clk})

	j := job.New("test", nil, 3)
	j.RunAt = clk.Now()
	if _, err := store.Push(ctx, j); err != nil {
		t.Fatalf("push: %v", err)
	}
	claimed, err := store.Poll(ctx, "w1", 1, time.Second)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("poll: %v (%d jobs)", err, len(claimed))
	}

	// Each sweep advances the manual clock past the lease deadline.
	r := New(store, 2*time.Second, nil, zap.NewNop(), clk)
	go r.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, j.ID)
		if err == nil && got.State == job.StatePending {
			if got.Attempts != 0 {
				t.Errorf("expected attempts untouched by reap, got %d", got.Attempts)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reaper never reclaimed the expired lease")
}

func TestReaperStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	r := New(store, time.Millisecond, nil, zap.NewNop(), clock.System{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on cancellation")
	}
}
