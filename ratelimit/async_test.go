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
)

type blockingRecorder struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	events []ratelimit.Event
}

func newBlockingRecorder() *blockingRecorder {
	return &blockingRecorder{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (b *blockingRecorder) Record(_ context.Context, ev ratelimit.Event) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release

	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *blockingRecorder) recorded() []ratelimit.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ratelimit.Event(nil), b.events...)
}

// roundTrips counts commands and pipelines sent through a client.
type roundTrips struct {
	cmds      atomic.Int64
	pipelines atomic.Int64
}

func (h *roundTrips) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *roundTrips) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.cmds.Add(1)
		return next(ctx, cmd)
	}
}

func (h *roundTrips) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.pipelines.Add(1)
		return next(ctx, cmds)
	}
}

func TestAsyncRecorder_CheckDoesNotWaitForRecorder(t *testing.T) {
	slow := newBlockingRecorder()
	rec := ratelimit.NewAsyncRecorder(slow)

	l := newMemoryLimiter(t, ratelimit.WithRecorder(rec))

	done := make(chan ratelimit.Decision, 1)
	go func() {
		dec, err := l.Check(context.Background(), "user:1", ratelimit.PerMinute(5), 1)
		assert.NoError(t, err)
		done <- dec
	}()

	select {
	case dec := <-done:
		assert.True(t, dec.Allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("Check blocked on the recorder")
	}

	close(slow.release)
	require.NoError(t, rec.Close())

	events := slow.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "user:1", events[0].Identity)
	assert.True(t, events[0].Allowed)
}

func TestAsyncRecorder_OutageCostsOneRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { client.Close() })

	hook := &roundTrips{}
	client.AddHook(hook)

	rec := ratelimit.NewAsyncRecorder(ratelimit.NewRedisRecorder(client))
	l := ratelimit.New(store.NewRedisFromClient(client, "test:", nil),
		ratelimit.WithFailOpen(true),
		ratelimit.WithRecorder(rec),
	)

	mr.Close()

	dec, err := l.Check(context.Background(), "user:1", ratelimit.PerMinute(5), 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Degraded)
	assert.Equal(t, int64(1), hook.cmds.Load(), "Check should issue only the counter script")

	require.NoError(t, rec.Close())
	assert.Equal(t, int64(1), hook.pipelines.Load(), "the degraded decision is still recorded")
}

func TestAsyncRecorder_DropsWhenFull(t *testing.T) {
	slow := newBlockingRecorder()
	rec := ratelimit.NewAsyncRecorder(slow, ratelimit.WithBufferSize(1))
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, ratelimit.Event{Identity: "a"}))
	<-slow.started

	require.NoError(t, rec.Record(ctx, ratelimit.Event{Identity: "b"}))
	assert.ErrorIs(t, rec.Record(ctx, ratelimit.Event{Identity: "c"}), ratelimit.ErrRecorderFull)
	assert.Equal(t, int64(1), rec.Dropped())

	close(slow.release)
	require.NoError(t, rec.Close())

	events := slow.recorded()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Identity)
	assert.Equal(t, "b", events[1].Identity)
}

func TestAsyncRecorder_Closed(t *testing.T) {
	rec := ratelimit.NewAsyncRecorder(ratelimit.NopRecorder{})
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	err := rec.Record(context.Background(), ratelimit.Event{Identity: "a"})
	assert.ErrorIs(t, err, ratelimit.ErrRecorderClosed)
}
