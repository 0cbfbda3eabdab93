// Package poller implements the poll, dispatch, report loop that drives job
// execution against any store backend.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/clock"
	"github.com/derekleverenz/apalis/internal/job"
	"github.com/derekleverenz/apalis/internal/metrics"
)

var tracer = otel.Tracer("apalis/poller")

// Handler executes the logic for one job type. The engine never inspects
// the payload; it only routes the handler's success or error back to the
// store.
type Handler func(ctx context.Context, j *job.Job) error

// Config holds poller configuration.
type Config struct {
	Concurrency       int
	BatchSize         int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration // 0 disables lease extension
	IdleSleep         time.Duration
	IdleSleepMax      time.Duration
	DrainTimeout      time.Duration
}

// DefaultConfig returns sensible poller defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		BatchSize:         20,
		LeaseDuration:     time.Minute,
		HeartbeatInterval: 20 * time.Second,
		IdleSleep:         250 * time.Millisecond,
		IdleSleepMax:      5 * time.Second,
		DrainTimeout:      30 * time.Second,
	}
}

// Pool claims batches of due jobs and dispatches them to a bounded set of
// concurrent handler executions. Multiple pools may run against the same
// store; the store's conditional claim keeps them from stepping on each
// other.
type Pool struct {
	workerID string
	store    job.Store
	handlers map[string]Handler
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clk      clock.Clock
	cfg      Config

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a poller pool with its own lock identity.
func New(store job.Store, m *metrics.Metrics, logger *zap.Logger, clk clock.Clock, cfg Config) *Pool {
	if clk == nil {
		clk = clock.System{}
	}
	return &Pool{
		workerID: fmt.Sprintf("poller-%s", uuid.New().String()[:8]),
		store:    store,
		handlers: make(map[string]Handler),
		metrics:  m,
		logger:   logger,
		clk:      clk,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// WorkerID returns the pool's lock identity.
func (p *Pool) WorkerID() string { return p.workerID }

// RegisterHandler registers a handler for a job type. Not safe to call
// after Run has started.
func (p *Pool) RegisterHandler(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Run drives the poll loop until the context is cancelled, then drains
// in-flight handlers for at most DrainTimeout. Handlers still running after
// the drain window are abandoned; the lease reaper will make their jobs
// eligible again.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		zap.String("worker_id", p.workerID),
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	idle := p.cfg.IdleSleep
	for {
		if ctx.Err() != nil {
			return p.drain()
		}

		jobs, err := p.store.Poll(ctx, p.workerID, p.cfg.BatchSize, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return p.drain()
			}
			if errors.Is(err, job.ErrUnavailable) {
				p.logger.Warn("backend unavailable, backing off", zap.Error(err))
			} else {
				p.logger.Error("poll failed", zap.Error(err))
			}
			p.clk.Sleep(ctx, jitter(idle))
			idle = grow(idle, p.cfg.IdleSleepMax)
			continue
		}

		if len(jobs) == 0 {
			p.clk.Sleep(ctx, jitter(idle))
			idle = grow(idle, p.cfg.IdleSleepMax)
			continue
		}
		idle = p.cfg.IdleSleep
		p.metrics.JobsPolledTotal.Add(float64(len(jobs)))

		for _, j := range jobs {
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				// Unstarted claims are left running in the store; the
				// reaper reclaims them once their lease lapses.
				return p.drain()
			}
			p.wg.Add(1)
			go p.execute(ctx, j)
		}
	}
}

// execute runs one job through its handler and reports the outcome.
func (p *Pool) execute(ctx context.Context, j *job.Job) {
	defer p.wg.Done()
	defer func() { <-p.sem }()

	p.metrics.WorkerBusy.WithLabelValues(p.workerID).Inc()
	defer p.metrics.WorkerBusy.WithLabelValues(p.workerID).Dec()

	// Handlers keep running through pool shutdown: the drain window gives
	// them a chance to finish, and abandoning them mid-flight is the
	// reaper's job, not ours.
	runCtx := context.WithoutCancel(ctx)

	runCtx, span := tracer.Start(runCtx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", j.ID.String()),
			attribute.String("job.type", j.Type),
			attribute.Int("job.attempts", j.Attempts),
		),
	)
	defer span.End()

	hbStop := make(chan struct{})
	if p.cfg.HeartbeatInterval > 0 {
		go p.heartbeat(runCtx, j, hbStop)
	}

	handler, ok := p.handlers[j.Type]
	if !ok {
		close(hbStop)
		p.logger.Error("no handler registered", zap.String("type", j.Type), zap.String("job_id", j.ID.String()))
		p.report(runCtx, j, fmt.Errorf("no handler for type %q", j.Type))
		return
	}

	start := p.clk.Now()
	err := handler(runCtx, j)
	close(hbStop)
	p.metrics.JobDuration.Observe(p.clk.Now().Sub(start).Seconds())

	p.report(runCtx, j, err)
}

// report acks a successful job or routes a handler error through retry.
// Transient store failures are retried with bounded backoff; a lost lease
// is surfaced and the result is discarded, since another worker owns the
// job now.
func (p *Pool) report(ctx context.Context, j *job.Job, handlerErr error) {
	var err error
	if handlerErr == nil {
		err = p.withStoreRetry(ctx, func() error {
			return p.store.Ack(ctx, j.ID, p.workerID)
		})
		if err == nil {
			p.metrics.JobsAckedTotal.Inc()
			p.logger.Info("job completed",
				zap.String("job_id", j.ID.String()),
				zap.String("type", j.Type),
			)
			return
		}
	} else {
		err = p.withStoreRetry(ctx, func() error {
			return p.store.Retry(ctx, j.ID, p.workerID, handlerErr)
		})
		if err == nil {
			p.metrics.JobsRetriedTotal.Inc()
			if j.Attempts+1 >= j.MaxAttempts {
				p.metrics.JobsFailedTotal.Inc()
				p.logger.Error("job permanently failed",
					zap.String("job_id", j.ID.String()),
					zap.String("type", j.Type),
					zap.Error(handlerErr),
				)
			} else {
				p.logger.Warn("job failed, rescheduled",
					zap.String("job_id", j.ID.String()),
					zap.String("type", j.Type),
					zap.Int("attempts", j.Attempts+1),
					zap.Error(handlerErr),
				)
			}
			return
		}
	}

	if errors.Is(err, job.ErrLeaseLost) {
		p.logger.Warn("lease lost before outcome report, result discarded",
			zap.String("job_id", j.ID.String()),
		)
		return
	}
	p.logger.Error("outcome report failed, job left to the reaper",
		zap.String("job_id", j.ID.String()),
		zap.Error(err),
	)
}

// heartbeat extends the job's lease while the handler runs so long
// handlers are not reclaimed mid-execution.
func (p *Pool) heartbeat(ctx context.Context, j *job.Job, stop <-chan struct{}) {
	t := time.NewTicker(p.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			err := p.store.ExtendLease(ctx, j.ID, p.workerID, p.cfg.LeaseDuration)
			if err == nil {
				continue
			}
			if errors.Is(err, job.ErrLeaseLost) {
				p.logger.Warn("lease lost during execution",
					zap.String("job_id", j.ID.String()),
				)
				return
			}
			p.logger.Warn("lease extension failed",
				zap.String("job_id", j.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// withStoreRetry retries transient store failures a bounded number of
// times. Ownership errors are returned immediately.
func (p *Pool) withStoreRetry(ctx context.Context, op func() error) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, job.ErrUnavailable) {
			return err
		}
		if sleepErr := p.clk.Sleep(ctx, delay); sleepErr != nil {
			return err
		}
		delay *= 2
	}
	return err
}

// drain waits for in-flight handlers to finish, up to the drain timeout.
func (p *Pool) drain() error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller drained", zap.String("worker_id", p.workerID))
		return nil
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("drain timeout, abandoning in-flight jobs to the reaper",
			zap.String("worker_id", p.workerID),
		)
		return nil
	}
}

func grow(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	// Spread sleeps across [0.5d, 1.5d) so idle pollers don't synchronize.
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
