package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/admit/internal/config"
	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/retry"
	"github.com/nhalm/admit/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// backend is the counter store and limiter built from configuration.
type backend struct {
	Store   store.Store
	Health  store.HealthReporter
	Limiter *ratelimit.Limiter
	Policy  *retry.Policy

	client   *redis.Client
	recorder *ratelimit.AsyncRecorder
}

func (b *backend) Close() error {
	var errs []error
	if b.recorder != nil {
		b.recorder.Close()
	}
	if err := b.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newBackend wires the configured counter store into a limiter. A remote store
// that cannot be reached at startup is an error unless local fallback is on.
func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}
	limiterOpts := []ratelimit.Option{
		ratelimit.WithFailOpen(cfg.RateLimitFailOpen),
		ratelimit.WithLogger(logger),
	}

	switch cfg.RateLimitBackend {
	case config.BackendRemote:
		b.client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := b.client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			if !cfg.RateLimitLocalFallback {
				b.client.Close()
				return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisURL, err)
			}
			logger.Warn("redis unreachable at startup, serving from local fallback",
				zap.String("event", "store.startup_degraded"),
				zap.String("addr", cfg.RedisURL),
				zap.Error(err))
		}

		remote := store.NewRedisFromClient(b.client, cfg.RedisPrefix, logger)
		if cfg.RateLimitLocalFallback {
			f := store.NewFailover(remote, store.NewMemory(), logger)
			b.Store, b.Health = f, f
		} else {
			b.Store, b.Health = remote, remote
		}

		if cfg.RateLimitStats {
			b.recorder = ratelimit.NewAsyncRecorder(
				ratelimit.NewRedisRecorder(b.client,
					ratelimit.WithRecorderPrefix(cfg.RedisPrefix+"stats"),
					ratelimit.WithIdentityTracking(true)),
				ratelimit.WithRecorderLogger(logger))
			limiterOpts = append(limiterOpts, ratelimit.WithRecorder(b.recorder))
		}
	default:
		b.Store = store.NewMemory()
	}

	policy, err := retry.NewPolicy(cfg.Retry(), retry.WithLogger(logger))
	if err != nil {
		b.Close()
		return nil, err
	}

	b.Limiter = ratelimit.New(b.Store, limiterOpts...)
	b.Policy = policy
	return b, nil
}
