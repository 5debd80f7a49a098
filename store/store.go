// Package store provides counter backends for admission control.
//
// A Store atomically increments a per-key counter and sets the key's TTL in the
// same operation, so abandoned keys expire without a separate sweep. Two
// backends ship with the package:
//
//   - Redis: a shared counter for multi-instance deployments. Increment is a
//     single Lua script round trip (INCRBY + PEXPIRE + PTTL).
//   - Memory: a process-local fallback with per-key locking and a periodic sweep.
//
// Failover combines the two: it serves from Redis and switches to Memory while
// Redis is unreachable.
//
// Backend outages surface as ErrBackendUnavailable so callers can apply a
// degraded-mode policy instead of treating them as generic failures.
package store

import (
	"context"
	"time"
)

// Store defines the interface for admission counter backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment adds n to the counter for key and returns the new count and the
	// time remaining until the key expires. When the key has no TTL yet, ttl is
	// applied in the same operation.
	Increment(ctx context.Context, key string, n int64, ttl time.Duration) (count int64, remaining time.Duration, err error)

	// Get retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// HealthReporter is implemented by stores that track backend health.
type HealthReporter interface {
	Health() HealthState
}

// Pinger is implemented by stores that can check their backend without
// touching any counter. A successful ping clears a degraded health state.
type Pinger interface {
	Ping(ctx context.Context) error
}
