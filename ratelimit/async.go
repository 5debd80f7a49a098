package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrRecorderFull is returned by AsyncRecorder.Record when its buffer is full
// and the event was dropped.
var ErrRecorderFull = errors.New("ratelimit: recorder buffer full")

// ErrRecorderClosed is returned by AsyncRecorder.Record after Close.
var ErrRecorderClosed = errors.New("ratelimit: recorder closed")

// AsyncRecorder moves recording off the request path. Record only enqueues;
// one goroutine drains the queue into the wrapped Recorder, giving each write
// its own timeout. During a Redis outage a Check therefore waits on the
// counter store alone, never on a second stats write to the same server.
type AsyncRecorder struct {
	next    Recorder
	events  chan Event
	timeout time.Duration
	logger  *zap.Logger

	dropped atomic.Int64
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// AsyncOption configures an AsyncRecorder.
type AsyncOption func(*AsyncRecorder)

// WithBufferSize sets the queue length (default: 1024).
func WithBufferSize(n int) AsyncOption {
	return func(a *AsyncRecorder) {
		if n > 0 {
			a.events = make(chan Event, n)
		}
	}
}

// WithWriteTimeout bounds each write to the wrapped recorder (default: 250ms).
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *AsyncRecorder) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithRecorderLogger logs failed writes at debug level.
func WithRecorderLogger(logger *zap.Logger) AsyncOption {
	return func(a *AsyncRecorder) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAsyncRecorder starts the drain goroutine. Call Close to flush and stop it.
func NewAsyncRecorder(next Recorder, opts ...AsyncOption) *AsyncRecorder {
	a := &AsyncRecorder{
		next:    next,
		events:  make(chan Event, 1024),
		timeout: 250 * time.Millisecond,
		logger:  zap.NewNop(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Record enqueues ev without blocking.
func (a *AsyncRecorder) Record(_ context.Context, ev Event) error {
	select {
	case <-a.stop:
		return ErrRecorderClosed
	default:
	}

	select {
	case a.events <- ev:
		return nil
	default:
		a.dropped.Add(1)
		return ErrRecorderFull
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (a *AsyncRecorder) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events, writes what is already queued and waits for
// the drain goroutine to exit.
func (a *AsyncRecorder) Close() error {
	a.once.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

func (a *AsyncRecorder) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.events:
			a.write(ev)
		case <-a.stop:
			for {
				select {
				case ev := <-a.events:
					a.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncRecorder) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Record(ctx, ev); err != nil {
		a.logger.Debug("decision record failed",
			zap.String("event", "ratelimit.record_failed"),
			zap.Error(err))
	}
}
