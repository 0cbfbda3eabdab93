// Package retry provides the backoff policy governing when a retried job
// becomes eligible again.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff with jitter. The number of attempts a
// job gets lives on the job record itself; the policy only decides delays.
type Policy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	JitterRatio float64       `yaml:"jitter_ratio"` // 0.0 to 1.0
}

// DefaultPolicy returns a sensible default backoff policy.
func DefaultPolicy() *Policy {
	return &Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2.0,
		JitterRatio: 0.1,
	}
}

// NextDelay computes the delay before the next eligibility of a job that
// has failed the given number of attempts. With JitterRatio below
// (Multiplier-1)/(Multiplier+1) the delay is monotonic in the attempt
// number until the cap is reached.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.jittered(float64(p.BaseDelay))
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return p.jittered(delay)
}

func (p *Policy) jittered(delay float64) time.Duration {
	jitter := delay * p.JitterRatio * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}
