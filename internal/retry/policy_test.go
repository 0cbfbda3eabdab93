package retry

import (
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.BaseDelay != 500*time.Millisecond {
		t.Errorf("expected base_delay 500ms, got %s", p.BaseDelay)
	}
	if p.MaxDelay != 5*time.Minute {
		t.Errorf("expected max_delay 5m, got %s", p.MaxDelay)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("expected multiplier 2.0, got %f", p.Multiplier)
	}
}

func TestNextDelay_ExponentialGrowth(t *testing.T) {
	p := &Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0, // Disable jitter for deterministic testing.
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1600 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := p.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %s, got %s", tt.attempt, tt.want, got)
		}
	}
}

func TestNextDelay_Cap(t *testing.T) {
	p := &Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    4 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0,
	}

	if got := p.NextDelay(10); got != 4*time.Second {
		t.Errorf("expected capped delay 4s, got %s", got)
	}
}

func TestNextDelay_Monotonic(t *testing.T) {
	p := &Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		JitterRatio: 0.1,
	}

	// With jitter ratio 0.1 and multiplier 2 the bands are disjoint, so
	// delays must be non-decreasing across attempts even with jitter on.
	for trial := 0; trial < 100; trial++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 8; attempt++ {
			d := p.NextDelay(attempt)
			if d < prev {
				t.Fatalf("delay decreased: attempt %d gave %s after %s", attempt, d, prev)
			}
			prev = d
		}
	}
}

func TestNextDelay_JitterBounds(t *testing.T) {
	p := &Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		JitterRatio: 0.5,
	}

	for i := 0; i < 1000; i++ {
		d := p.NextDelay(3)
		// Base for attempt 3 is 400ms; jitter is +/-50%.
		if d < 200*time.Millisecond || d > 600*time.Millisecond {
			t.Fatalf("delay %s outside jitter bounds [200ms, 600ms]", d)
		}
	}
}
