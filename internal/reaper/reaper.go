// Package reaper implements the background sweep that reclaims jobs whose
// lease expired without an outcome report.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/clock"
	"github.com/derekleverenz/apalis/internal/job"
	"github.com/derekleverenz/apalis/internal/metrics"
)

// Reaper periodically reverts expired leases to pending. It needs no
// coordination with pollers or with other reaper instances: the store's
// conditional ownership checks make the sweep safe under concurrency.
type Reaper struct {
	store    job.Store
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clk      clock.Clock
}

// New creates a reaper sweeping at the given interval.
func New(store job.Store, interval time.Duration, m *metrics.Metrics, logger *zap.Logger, clk clock.Clock) *Reaper {
	if clk == nil {
		clk = clock.System{}
	}
	return &Reaper{
		store:    store,
		interval: interval,
		metrics:  m,
		logger:   logger,
		clk:      clk,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", zap.Duration("interval", r.interval))

	for {
		if err := r.clk.Sleep(ctx, r.interval); err != nil {
			r.logger.Info("reaper stopping")
			return nil
		}

		count, err := r.store.Reap(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("reap sweep failed", zap.Error(err))
			continue
		}
		if count > 0 {
			if r.metrics != nil {
				r.metrics.JobsReapedTotal.Add(float64(count))
			}
			r.logger.Info("reclaimed expired leases", zap.Int64("count", count))
		}

		r.refreshDepth(ctx)
	}
}

// refreshDepth publishes per-state queue depth after each sweep.
func (r *Reaper) refreshDepth(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	counts, err := r.store.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("queue depth refresh failed", zap.Error(err))
		}
		return
	}
	for state, n := range counts {
		r.metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
	}
}
