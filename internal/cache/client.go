// Package cache provides the Redis-backed result cache: a thin key-value
// store abstraction plus the read-through coordinator that serves user
// experiment resolutions and banner mixtures.
package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cohortd/cohortd/internal/config"
	"github.com/cohortd/cohortd/internal/logger"
)

// NewRedisClient initializes a Redis client from configuration and verifies
// connectivity before returning. Startup retries the initial ping so the
// service survives Redis coming up slightly later in orchestrated deploys.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
		if cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.MinRetryBackoff
	opts.MaxRetryBackoff = cfg.MaxRetryBackoff

	client := redis.NewClient(opts)

	log := logger.FromContext(ctx)
	var pingErr error
	for attempt := 1; attempt <= cfg.PingMaxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		pingErr = client.Ping(pingCtx).Err()
		cancel()

		if pingErr == nil {
			return client, nil
		}

		log.Warn("redis ping failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.PingMaxRetries,
			"error", pingErr,
		)

		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.PingBackoff):
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", cfg.PingMaxRetries, pingErr)
}
