package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/config"
	"github.com/derekleverenz/apalis/internal/job"
)

// FromConfig connects the backend named by the configuration and returns
// the store along with a close function for its connections.
func FromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (job.Store, func(), error) {
	opts := Options{
		Backoff:                cfg.Backoff.Policy(),
		ReapIncrementsAttempts: cfg.Reaper.IncrementAttempts,
	}

	switch cfg.Backend {
	case "postgres":
		pgCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgCfg.MaxConns = cfg.Postgres.MaxConns
		pgCfg.MinConns = cfg.Postgres.MinConns
		pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return NewPostgresStore(pool, logger, opts), pool.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return NewRedisStore(client, logger, opts), func() { client.Close() }, nil

	case "memory":
		return NewMemoryStore(opts), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
