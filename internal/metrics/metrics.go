// Package metrics provides Prometheus instrumentation for the job engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for the job engine.
type Metrics struct {
	JobsPushedTotal  *prometheus.CounterVec
	JobsPolledTotal  prometheus.Counter
	JobsAckedTotal   prometheus.Counter
	JobsRetriedTotal prometheus.Counter
	JobsFailedTotal  prometheus.Counter
	JobsKilledTotal  prometheus.Counter
	JobsReapedTotal  prometheus.Counter
	JobDuration      prometheus.Histogram
	QueueDepth       *prometheus.GaugeVec
	WorkerBusy       *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		JobsPushedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_pushed_total",
			Help: "Total number of jobs pushed, partitioned by type.",
		}, []string{"type"}),

		JobsPolledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_polled_total",
			Help: "Total number of jobs claimed by pollers.",
		}),

		JobsAckedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_acked_total",
			Help: "Total number of jobs completed successfully.",
		}),

		JobsRetriedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of handler failures routed through retry.",
		}),

		JobsFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that exhausted their attempts.",
		}),

		JobsKilledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_killed_total",
			Help: "Total number of jobs killed by operators.",
		}),

		JobsReapedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_reaped_total",
			Help: "Total number of expired leases reclaimed by the reaper.",
		}),

		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler execution time per job.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of jobs by state.",
		}, []string{"state"}),

		WorkerBusy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_busy",
			Help: "Number of handler slots currently occupied per poller.",
		}, []string{"worker_id"}),
	}
}
