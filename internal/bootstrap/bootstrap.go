// Package bootstrap opens the backing services both binaries share.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/meter-billing/config"
	"github.com/vnmchuo/meter-billing/internal/billing"
	"github.com/vnmchuo/meter-billing/pkg/ratelimit"
)

// OpenStore connects the configured store driver and wraps it with retries
// and a circuit breaker. The returned close func releases the connection.
func OpenStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (billing.Store, func(), error) {
	policy := billing.RetryPolicy{Attempts: cfg.StoreRetryAttempts, Delay: cfg.StoreRetryDelay}

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn("using in-memory store, records are lost on exit")
		return billing.NewResilientStore(billing.NewMemoryStore(), policy, log), func() {}, nil

	case config.StoreDriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		pg := billing.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("PostgreSQL connected")
		return billing.NewResilientStore(pg, policy, log), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// OpenLimiter returns nil when REDIS_ADDR is unset, which disables rate
// limiting.
func OpenLimiter(ctx context.Context, cfg *config.Config, log *zap.Logger) (*ratelimit.Limiter, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("REDIS_ADDR not set, ingest rate limiting disabled")
		return nil, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Info("Redis connected", zap.Int("readings_per_minute", cfg.IngestRateLimitPerMinute))
	return ratelimit.NewLimiter(rdb, cfg.IngestRateLimitPerMinute), func() { _ = rdb.Close() }, nil
}
