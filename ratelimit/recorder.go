package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event describes one admission decision.
type Event struct {
	Identity string
	Allowed  bool
	Degraded bool
	At       time.Time
}

// Recorder persists admission decisions for dashboards and alerting.
// Implementations should be cheap; the limiter ignores their errors.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) error { return nil }

// RedisRecorder aggregates decisions into Redis hashes:
//
//	{prefix}:total                     allowed / denied / degraded counters
//	{prefix}:minute:{yyyymmddhhmm}     per-minute counters, expiring after TTL
//	{prefix}:identity:{identity}       per-identity counters (opt-in)
//
// Per-identity tracking creates one key per caller; enable it only when the
// identity space is small.
type RedisRecorder struct {
	client        redis.UniversalClient
	prefix        string
	ttl           time.Duration
	trackIdentity bool
}

// RecorderOption configures a RedisRecorder.
type RecorderOption func(*RedisRecorder)

// WithRecorderPrefix sets the key prefix (default: "admit:stats").
func WithRecorderPrefix(prefix string) RecorderOption {
	return func(r *RedisRecorder) {
		r.prefix = strings.Trim(prefix, ":")
	}
}

// WithRecorderTTL sets the expiry of per-minute and per-identity keys (default: 24h).
func WithRecorderTTL(d time.Duration) RecorderOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

// WithIdentityTracking enables per-identity counters.
func WithIdentityTracking(track bool) RecorderOption {
	return func(r *RedisRecorder) { r.trackIdentity = track }
}

// NewRedisRecorder creates a recorder writing to client.
func NewRedisRecorder(client redis.UniversalClient, opts ...RecorderOption) *RedisRecorder {
	r := &RedisRecorder{
		client: client,
		prefix: "admit:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record implements Recorder with a single pipelined round trip.
func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.client == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := r.client.Pipeline()

	totalKey := r.prefix + ":total"
	pipe.HIncrBy(ctx, totalKey, field, 1)
	if ev.Degraded {
		pipe.HIncrBy(ctx, totalKey, "degraded", 1)
	}

	minuteKey := r.prefix + ":minute:" + at.UTC().Format("200601021504")
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if ev.Degraded {
		pipe.HIncrBy(ctx, minuteKey, "degraded", 1)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, minuteKey, r.ttl)
	}

	if r.trackIdentity {
		if id := strings.TrimSpace(ev.Identity); id != "" {
			idKey := r.prefix + ":identity:" + id
			pipe.HIncrBy(ctx, idKey, field, 1)
			if r.ttl > 0 {
				pipe.Expire(ctx, idKey, r.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
