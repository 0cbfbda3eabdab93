package job

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	payload := json.RawMessage(`{"key":"value"}`)
	j := New("email.send", payload, 3)

	if j.ID.String() == "" {
		t.Error("expected non-empty ID")
	}
	if j.Type != "email.send" {
		t.Errorf("expected type 'email.send', got '%s'", j.Type)
	}
	if j.State != StatePending {
		t.Errorf("expected state 'pending', got '%s'", j.State)
	}
	if j.MaxAttempts != 3 {
		t.Errorf("expected max_attempts 3, got %d", j.MaxAttempts)
	}
	if j.Attempts != 0 {
		t.Errorf("expected attempts 0, got %d", j.Attempts)
	}
	if j.RunAt.After(time.Now().UTC()) {
		t.Error("expected new job to be due immediately")
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateRunning, false},
		{StateDone, true},
		{StateFailed, true},
		{StateKilled, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestDue(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name  string
		state State
		runAt time.Time
		want  bool
	}{
		{"pending and past due", StatePending, now.Add(-time.Minute), true},
		{"pending exactly due", StatePending, now, true},
		{"pending in the future", StatePending, now.Add(time.Minute), false},
		{"running", StateRunning, now.Add(-time.Minute), false},
		{"done", StateDone, now.Add(-time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{State: tt.state, RunAt: tt.runAt}
			if got := j.Due(now); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		state State
		lease *time.Time
		want  bool
	}{
		{"running with expired lease", StateRunning, &past, true},
		{"running with live lease", StateRunning, &future, false},
		{"running with no lease recorded", StateRunning, nil, false},
		{"pending", StatePending, &past, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{State: tt.state, LeaseExpiresAt: tt.lease}
			if got := j.LeaseExpired(now); got != tt.want {
				t.Errorf("LeaseExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOwnedBy(t *testing.T) {
	j := &Job{State: StateRunning, LockedBy: "worker-1"}
	if !j.OwnedBy("worker-1") {
		t.Error("expected worker-1 to own the lease")
	}
	if j.OwnedBy("worker-2") {
		t.Error("expected worker-2 not to own the lease")
	}

	j.State = StatePending
	if j.OwnedBy("worker-1") {
		t.Error("expected no ownership once job left running")
	}
}
