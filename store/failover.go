package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Failover serves counters from a primary (usually Redis) store and falls back
// to a local Memory store while the primary is unavailable.
//
// Fallback counters are per process, so during an outage the effective limit
// across N instances is limit × N. Failover reports HealthDegraded for as long
// as requests are being served locally, which the limiter surfaces as a degraded
// decision.
type Failover struct {
	primary Store
	local   *Memory
	health  *health
	logger  *zap.Logger
}

// NewFailover wraps primary with a local fallback. Failover owns local and
// closes it together with primary.
func NewFailover(primary Store, local *Memory, logger *zap.Logger) *Failover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Failover{
		primary: primary,
		local:   local,
		health:  newHealth("failover", logger),
		logger:  logger,
	}
}

// Increment tries the primary store and falls back to the local store when the
// primary is unavailable. Errors other than unavailability are returned as is.
func (f *Failover) Increment(ctx context.Context, key string, n int64, ttl time.Duration) (int64, time.Duration, error) {
	count, remaining, err := f.primary.Increment(ctx, key, n, ttl)
	if err == nil {
		f.health.observe(nil)
		return count, remaining, nil
	}
	if !IsUnavailable(err) {
		return 0, 0, err
	}

	f.health.observe(err)
	f.logger.Debug("serving counter from local fallback",
		zap.String("event", "store.fallback"),
		zap.String("key", key))
	return f.local.Increment(ctx, key, n, ttl)
}

// Get reads from the primary store, or the local store during an outage.
func (f *Failover) Get(ctx context.Context, key string) (int64, error) {
	count, err := f.primary.Get(ctx, key)
	if err != nil && IsUnavailable(err) {
		return f.local.Get(ctx, key)
	}
	return count, err
}

// Reset removes the key from both stores.
func (f *Failover) Reset(ctx context.Context, key string) error {
	localErr := f.local.Reset(ctx, key)
	return errors.Join(f.primary.Reset(ctx, key), localErr)
}

// Health reports degraded while the local fallback is in use.
func (f *Failover) Health() HealthState {
	return f.health.load()
}

// Ping pings the primary when it supports it. Success ends the degraded
// state, so an idle instance recovers without waiting for traffic.
func (f *Failover) Ping(ctx context.Context) error {
	p, ok := f.primary.(Pinger)
	if !ok {
		return nil
	}
	err := p.Ping(ctx)
	f.health.observe(err)
	return err
}

// Close closes both stores.
func (f *Failover) Close() error {
	return errors.Join(f.primary.Close(), f.local.Close())
}
