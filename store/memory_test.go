package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newTestMemory(t *testing.T, clock *fakeClock) *Memory {
	t.Helper()
	m := NewMemory(WithSweepInterval(0), WithMemoryClock(clock.Now))
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemory_Increment(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Memory, *fakeClock)
		n     int64
		ttl   time.Duration
		want  int64
	}{
		{
			name: "first increment creates new entry",
			n:    1,
			ttl:  time.Minute,
			want: 1,
		},
		{
			name: "increment existing key",
			setup: func(m *Memory, _ *fakeClock) {
				for range 5 {
					m.Increment(context.Background(), "test:key", 1, time.Minute)
				}
			},
			n:    1,
			ttl:  time.Minute,
			want: 6,
		},
		{
			name: "increment by cost",
			n:    3,
			ttl:  time.Minute,
			want: 3,
		},
		{
			name: "expired key starts a new window",
			setup: func(m *Memory, c *fakeClock) {
				for range 10 {
					m.Increment(context.Background(), "test:key", 1, time.Minute)
				}
				c.Advance(time.Minute)
			},
			n:    1,
			ttl:  time.Minute,
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestMemory(t, clock)
			if tt.setup != nil {
				tt.setup(m, clock)
			}

			got, _, err := m.Increment(context.Background(), "test:key", tt.n, tt.ttl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemory_IncrementRemainingTTL(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(t, clock)
	ctx := context.Background()

	_, remaining, err := m.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, remaining)

	clock.Advance(20 * time.Second)
	_, remaining, err = m.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, remaining, "ttl must not be refreshed within a window")
}

func TestMemory_Get(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(t, clock)
	ctx := context.Background()

	got, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, got)

	m.Increment(ctx, "k", 1, time.Minute)
	m.Increment(ctx, "k", 1, time.Minute)
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	clock.Advance(time.Minute)
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, got, "expired entries read as zero")
}

func TestMemory_Reset(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(t, clock)
	ctx := context.Background()

	m.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, m.Reset(ctx, "k"))

	got, _, err := m.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestMemory_Sweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(t, clock)
	ctx := context.Background()

	m.Increment(ctx, "short", 1, time.Second)
	m.Increment(ctx, "long", 1, time.Hour)
	require.Equal(t, 2, m.Len())

	clock.Advance(2 * time.Second)
	m.runSweep()

	assert.Equal(t, 1, m.Len())
	got, err := m.Get(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestMemory_SweepDoesNotLoseConcurrentIncrements(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(t, clock)
	ctx := context.Background()

	m.Increment(ctx, "k", 1, time.Second)
	clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 100 {
			m.Increment(ctx, "k", 1, time.Hour)
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			m.runSweep()
		}
	}()
	wg.Wait()

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)
}

func TestMemory_Concurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "shared"
			if i%2 == 0 {
				key = "other"
			}
			for range perGoroutine {
				if _, _, err := m.Increment(ctx, key, 1, time.Minute); err != nil {
					t.Errorf("Increment() error = %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	shared, _ := m.Get(ctx, "shared")
	other, _ := m.Get(ctx, "other")
	assert.Equal(t, int64(goroutines/2*perGoroutine), shared)
	assert.Equal(t, int64(goroutines/2*perGoroutine), other)
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory(WithSweepInterval(10 * time.Millisecond))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "Close must be idempotent")

	_, _, err := m.Increment(context.Background(), "k", 1, time.Minute)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
