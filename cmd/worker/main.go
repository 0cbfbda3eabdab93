// Command worker polls the store and executes jobs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/config"
	"github.com/derekleverenz/apalis/internal/job"
	"github.com/derekleverenz/apalis/internal/metrics"
	"github.com/derekleverenz/apalis/internal/poller"
	"github.com/derekleverenz/apalis/internal/reaper"
	"github.com/derekleverenz/apalis/internal/storage"
	"github.com/derekleverenz/apalis/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	shutdownTracer, err := tracing.Init(ctx, "apalis-worker", otlpEndpoint)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracer(ctx)
	}

	store, closeStore, err := storage.FromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("connect store", zap.Error(err))
	}
	defer closeStore()

	m := metrics.New()

	pool := poller.New(store, m, logger, nil, poller.Config{
		Concurrency:       cfg.Poller.Concurrency,
		BatchSize:         cfg.Poller.BatchSize,
		LeaseDuration:     cfg.Poller.LeaseDuration.Std(),
		HeartbeatInterval: cfg.Poller.HeartbeatInterval.Std(),
		IdleSleep:         cfg.Poller.IdleSleep.Std(),
		IdleSleepMax:      cfg.Poller.IdleSleepMax.Std(),
		DrainTimeout:      cfg.Poller.DrainTimeout.Std(),
	})

	// Register task handlers.
	pool.RegisterHandler("default", defaultHandler(logger))
	pool.RegisterHandler("compute", computeHandler(logger))
	pool.RegisterHandler("notify", notifyHandler(logger))
	pool.RegisterHandler("flaky", flakyHandler(logger))

	// Expose metrics endpoint for Prometheus scraping.
	metricsAddr := getEnv("METRICS_ADDR", ":9091")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics server starting", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	r := reaper.New(store, cfg.Reaper.Interval.Std(), m, logger, nil)
	go func() {
		if err := r.Run(ctx); err != nil {
			logger.Error("reaper error", zap.Error(err))
		}
	}()

	if err := pool.Run(ctx); err != nil {
		logger.Fatal("poller error", zap.Error(err))
	}
}

// defaultHandler simulates a generic task with random duration.
func defaultHandler(logger *zap.Logger) poller.Handler {
	return func(ctx context.Context, j *job.Job) error {
		logger.Info("executing default task",
			zap.String("job_id", j.ID.String()),
			zap.String("type", j.Type),
		)
		// Simulate work with 1-50ms latency.
		time.Sleep(time.Duration(1+rand.Intn(50)) * time.Millisecond)
		return nil
	}
}

// computeHandler simulates a CPU-intensive computation.
func computeHandler(logger *zap.Logger) poller.Handler {
	return func(ctx context.Context, j *job.Job) error {
		logger.Info("executing compute task", zap.String("job_id", j.ID.String()))

		var payload struct {
			Iterations int `json:"iterations"`
		}
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}

		if payload.Iterations <= 0 {
			payload.Iterations = 1000
		}

		result := 0.0
		for i := 0; i < payload.Iterations; i++ {
			result += float64(i) * 0.001
		}

		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
		return nil
	}
}

// notifyHandler simulates sending a notification.
func notifyHandler(logger *zap.Logger) poller.Handler {
	return func(ctx context.Context, j *job.Job) error {
		logger.Info("executing notify task", zap.String("job_id", j.ID.String()))
		time.Sleep(time.Duration(2+rand.Intn(10)) * time.Millisecond)
		return nil
	}
}

// flakyHandler simulates an unreliable external service. It reads a
// failure_rate from the payload (0.0-1.0) and fails that percentage of
// executions. Jobs that exhaust retries end up failed, demonstrating
// the retry pipeline under load.
func flakyHandler(logger *zap.Logger) poller.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var payload struct {
			FailureRate float64 `json:"failure_rate"`
		}
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		if payload.FailureRate <= 0 {
			payload.FailureRate = 0.5
		}

		time.Sleep(time.Duration(1+rand.Intn(5)) * time.Millisecond)

		if rand.Float64() < payload.FailureRate {
			logger.Warn("flaky task failed",
				zap.String("job_id", j.ID.String()),
				zap.Int("attempt", j.Attempts),
				zap.Float64("failure_rate", payload.FailureRate),
			)
			return fmt.Errorf("simulated transient failure (attempt %d/%d)", j.Attempts+1, j.MaxAttempts)
		}

		logger.Info("flaky task succeeded",
			zap.String("job_id", j.ID.String()),
			zap.Int("attempt", j.Attempts),
		)
		return nil
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
