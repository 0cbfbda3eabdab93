// Command api starts the HTTP API server for the job engine.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/api"
	"github.com/derekleverenz/apalis/internal/config"
	"github.com/derekleverenz/apalis/internal/metrics"
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
	shutdownTracer, err := tracing.Init(ctx, "apalis-api", otlpEndpoint)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracer(ctx)
	}

	store, closeStore, err := storage.FromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("connect to backend", zap.Error(err))
	}
	defer closeStore()

	m := metrics.New()
	handler := api.NewHandler(store, m, logger)

	r := handler.Router()
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      r,
		ReadTimeout:  cfg.API.ReadTimeout.Std(),
		WriteTimeout: cfg.API.WriteTimeout.Std(),
		IdleTimeout:  cfg.API.IdleTimeout.Std(),
	}

	go func() {
		logger.Info("api server starting",
			zap.String("addr", cfg.API.Addr),
			zap.String("backend", cfg.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout.Std())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server shutdown failed", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
