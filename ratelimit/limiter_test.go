package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func setupRedis(t *testing.T) (*store.Redis, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { client.Close() })

	return store.NewRedisFromClient(client, "test:", nil), mr, client
}

func TestLimiter_EndToEnd(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(5 * time.Second)
	st := store.NewMemory(store.WithSweepInterval(0), store.WithMemoryClock(clock.Now))
	defer st.Close()

	l := ratelimit.New(st, ratelimit.WithClock(clock.Now))
	lim := ratelimit.Limit{Max: 5, Window: 60 * time.Second}
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		dec, err := l.Check(ctx, "user:42", lim, 1)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "call %d", i)
		assert.Equal(t, 5-i, dec.Remaining, "call %d", i)
		assert.Equal(t, int64(5), dec.Limit)
		assert.False(t, dec.Degraded)
	}

	dec, err := l.Check(ctx, "user:42", lim, 1)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(0), dec.Remaining)
	assert.WithinDuration(t, clock.Now().Add(60*time.Second), dec.ResetAt, 60*time.Second)
	assert.Equal(t, time.Date(2026, 1, 15, 14, 31, 0, 0, time.UTC), dec.ResetAt)
	assert.Equal(t, 55*time.Second, dec.RetryAfter(clock.Now()))
}

func TestLimiter_Enforcement_Redis(t *testing.T) {
	clock := newFakeClock()
	st, _, _ := setupRedis(t)
	l := ratelimit.New(st, ratelimit.WithClock(clock.Now))
	lim := ratelimit.Limit{Max: 10, Window: time.Hour}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Check(context.Background(), "user:7", lim, 1)
			if err != nil {
				t.Error(err)
				return
			}
			if dec.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())

	dec, err := l.Check(context.Background(), "user:7", lim, 1)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(0), dec.Remaining)
}

func TestLimiter_Enforcement_ExactCount(t *testing.T) {
	clock := newFakeClock()
	st, mr, _ := setupRedis(t)
	mr.SetTime(clock.Now())

	l := ratelimit.New(st, ratelimit.WithClock(clock.Now))
	lim := ratelimit.Limit{Max: 3, Window: time.Minute}

	var results []bool
	for range 6 {
		dec, err := l.Check(context.Background(), "ip:10.0.0.1", lim, 1)
		require.NoError(t, err)
		results = append(results, dec.Allowed)
	}
	assert.Equal(t, []bool{true, true, true, false, false, false}, results)
}

func TestLimiter_WindowBoundary(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithSweepInterval(0), store.WithMemoryClock(clock.Now))
	defer st.Close()

	l := ratelimit.New(st, ratelimit.WithClock(clock.Now))
	lim := ratelimit.Limit{Max: 1, Window: time.Minute}
	ctx := context.Background()

	boundary := time.Date(2026, 1, 15, 14, 31, 0, 0, time.UTC)

	clock.Set(boundary.Add(-time.Millisecond))
	before, err := l.Check(ctx, "user:1", lim, 1)
	require.NoError(t, err)
	assert.True(t, before.Allowed)
	assert.Equal(t, boundary, before.ResetAt)

	clock.Set(boundary.Add(time.Millisecond))
	after, err := l.Check(ctx, "user:1", lim, 1)
	require.NoError(t, err)
	assert.True(t, after.Allowed, "request just past the boundary must land in a new window")
	assert.Equal(t, boundary.Add(time.Minute), after.ResetAt)

	again, err := l.Check(ctx, "user:1", lim, 1)
	require.NoError(t, err)
	assert.False(t, again.Allowed)
}

func TestLimiter_BurstAcrossBoundary(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithSweepInterval(0), store.WithMemoryClock(clock.Now))
	defer st.Close()

	l := ratelimit.New(st, ratelimit.WithClock(clock.Now))
	lim := ratelimit.Limit{Max: 5, Window: time.Minute}
	ctx := context.Background()

	admitted := 0
	clock.Advance(59 * time.Second)
	for range 5 {
		dec, err := l.Check(ctx, "user:burst", lim, 1)
		require.NoError(t, err)
		if dec.Allowed {
			admitted++
		}
	}
	clock.Advance(2 * time.Second)
	for range 5 {
		dec, err := l.Check(ctx, "user:burst", lim, 1)
		require.NoError(t, err)
		if dec.Allowed {
			admitted++
		}
	}

	assert.Equal(t, 10, admitted)
}

func TestLimiter_Cost(t *testing.T) {
	l := newMemoryLimiter(t)
	lim := ratelimit.Limit{Max: 10, Window: time.Minute}
	ctx := context.Background()

	dec, err := l.Check(ctx, "user:c", lim, 7)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(3), dec.Remaining)

	dec, err = l.Check(ctx, "user:c", lim, 4)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(0), dec.Remaining)

	dec, err = l.Check(ctx, "user:d", lim, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), dec.Remaining, "non-positive cost counts as one")
}

func TestLimiter_InvalidInput(t *testing.T) {
	l := newMemoryLimiter(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		identity string
		limit    ratelimit.Limit
	}{
		{name: "empty identity", identity: "", limit: ratelimit.PerMinute(1)},
		{name: "zero max", identity: "user:1", limit: ratelimit.Limit{Max: 0, Window: time.Minute}},
		{name: "sub-second window", identity: "user:1", limit: ratelimit.Limit{Max: 1, Window: 500 * time.Millisecond}},
		{name: "fractional window", identity: "user:1", limit: ratelimit.Limit{Max: 1, Window: 1500 * time.Millisecond}},
		{name: "negative window", identity: "user:1", limit: ratelimit.Limit{Max: 1, Window: -time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Check(ctx, tt.identity, tt.limit, 1)
			assert.ErrorIs(t, err, ratelimit.ErrInvalidLimit)
		})
	}
}

func TestLimiter_FractionalWindowNotRounded(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithSweepInterval(0), store.WithMemoryClock(clock.Now))
	defer st.Close()
	l := ratelimit.New(st, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	_, err := l.Check(ctx, "user:1", ratelimit.Limit{Max: 1, Window: 1500 * time.Millisecond}, 1)
	require.ErrorIs(t, err, ratelimit.ErrInvalidLimit)

	dec, err := l.Check(ctx, "user:1", ratelimit.Limit{Max: 1, Window: 2 * time.Second}, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 2*time.Second, dec.ResetAt.Sub(clock.Now()))

	clock.Advance(1100 * time.Millisecond)
	dec, err = l.Check(ctx, "user:1", ratelimit.Limit{Max: 1, Window: 2 * time.Second}, 1)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestLimiter_DegradedMode(t *testing.T) {
	tests := []struct {
		name        string
		failOpen    bool
		wantAllowed bool
		wantEvent   string
	}{
		{name: "fail open admits", failOpen: true, wantAllowed: true, wantEvent: "ratelimit.degraded_admit"},
		{name: "fail closed rejects", failOpen: false, wantAllowed: false, wantEvent: "ratelimit.degraded_reject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, mr, _ := setupRedis(t)
			core, logs := observer.New(zap.WarnLevel)

			l := ratelimit.New(st,
				ratelimit.WithFailOpen(tt.failOpen),
				ratelimit.WithLogger(zap.New(core)),
				ratelimit.WithAlertInterval(0),
			)
			lim := ratelimit.Limit{Max: 2, Window: time.Minute}
			ctx := context.Background()

			dec, err := l.Check(ctx, "user:9", lim, 1)
			require.NoError(t, err)
			require.True(t, dec.Allowed)

			mr.Close()

			for range 10 {
				dec, err := l.Check(ctx, "user:9", lim, 1)
				require.NoError(t, err, "unavailability must be absorbed by the policy")
				assert.Equal(t, tt.wantAllowed, dec.Allowed)
				assert.True(t, dec.Degraded)
				assert.Equal(t, int64(2), dec.Limit)
			}

			assert.Equal(t, store.HealthDegraded, st.Health())
			assert.Equal(t, 10, logs.FilterField(zap.String("event", tt.wantEvent)).Len())
			assert.Equal(t, tt.failOpen, l.FailOpen())
		})
	}
}

func TestLimiter_DegradedAlertsThrottled(t *testing.T) {
	st := store.NewMemory()
	st.Close()

	_, mr, client := setupRedis(t)
	core, logs := observer.New(zap.WarnLevel)
	l := ratelimit.New(st,
		ratelimit.WithFailOpen(true),
		ratelimit.WithLogger(zap.New(core)),
		ratelimit.WithAlertInterval(time.Hour),
		ratelimit.WithRecorder(ratelimit.NewRedisRecorder(client)),
	)

	for range 50 {
		dec, err := l.Check(context.Background(), "user:1", ratelimit.PerMinute(1), 1)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}

	assert.Equal(t, 5, logs.Len())
	// The recorder keeps every degraded decision the log throttle dropped.
	assert.Equal(t, "50", mr.HGet("admit:stats:total", "degraded"))
}

func TestLimiter_FailoverMarksDegraded(t *testing.T) {
	primary, mr, _ := setupRedis(t)
	local := store.NewMemory(store.WithSweepInterval(0))
	fo := store.NewFailover(primary, local, nil)
	defer local.Close()

	l := ratelimit.New(fo)
	lim := ratelimit.Limit{Max: 2, Window: time.Minute}
	ctx := context.Background()

	dec, err := l.Check(ctx, "user:f", lim, 1)
	require.NoError(t, err)
	assert.False(t, dec.Degraded)

	mr.Close()

	dec, err = l.Check(ctx, "user:f", lim, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "local fallback enforces its own count")
	assert.True(t, dec.Degraded)
	assert.Equal(t, int64(1), dec.Remaining)
}

func TestWindowKey(t *testing.T) {
	start := time.Unix(1768487400, 0)
	assert.Equal(t, "user:42:60:1768487400", ratelimit.WindowKey("user:42", time.Minute, start))
	assert.NotEqual(t,
		ratelimit.WindowKey("user:42", time.Minute, start),
		ratelimit.WindowKey("user:42", time.Hour, start))
}
