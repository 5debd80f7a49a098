package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/admit/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrInvalidLimit is returned by Check for an empty identity or a limit that
// cannot be enforced.
var ErrInvalidLimit = errors.New("ratelimit: invalid limit")

// Limit is a per-window request cap.
type Limit struct {
	// Max is the number of units admitted per window.
	Max int64
	// Window is the bucket length: a whole number of seconds, at least one.
	Window time.Duration
}

// PerMinute returns a limit of n per minute.
func PerMinute(n int64) Limit {
	return Limit{Max: n, Window: time.Minute}
}

// windowStart returns the start of the fixed window containing t, aligned to
// the Unix epoch so every instance computes the same buckets.
func (l Limit) windowStart(t time.Time) time.Time {
	secs := int64(l.Window / time.Second)
	unix := t.Unix()
	return time.Unix(unix-unix%secs, 0).In(t.Location())
}

func (l Limit) validate() error {
	if l.Max <= 0 || l.Window < time.Second || l.Window%time.Second != 0 {
		return ErrInvalidLimit
	}
	return nil
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	ResetAt   time.Time
	// Degraded is set when the decision was made without the shared counter,
	// either by the fail-open/fail-closed policy or by a local fallback store.
	Degraded bool
}

// RetryAfter returns the time until ResetAt, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	return max(0, d.ResetAt.Sub(now))
}

// Limiter turns counter store increments into admission decisions.
//
// Windows are fixed, not rolling: every request whose timestamp falls in
// [windowStart, windowStart+Window) shares one counter. A client can therefore
// get up to 2×Max requests through across a window boundary.
type Limiter struct {
	store    store.Store
	failOpen bool
	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder
	alerts   *rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailOpen sets the policy applied when the counter store is unavailable.
// Fail-open admits every request during the outage; fail-closed (the default)
// rejects every request.
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) {
		l.failOpen = failOpen
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger for degraded-mode events.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithRecorder records every decision. Recording is best-effort and runs
// inside Check; wrap recorders that do network I/O in NewAsyncRecorder.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) {
		l.recorder = r
	}
}

// WithAlertInterval bounds how often degraded-mode events are logged
// (default: one per second with a burst of 5). Zero logs every event.
//
// Throttled events are not lost from the record: every degraded decision is
// still passed to the Recorder, and RedisRecorder counts each one in the
// "degraded" field of its total and per-minute hashes. Those counters are the
// per-decision record; the log events are the alert signal.
func WithAlertInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d <= 0 {
			l.alerts = rate.NewLimiter(rate.Inf, 0)
			return
		}
		l.alerts = rate.NewLimiter(rate.Every(d), 5)
	}
}

// New creates a Limiter backed by st.
func New(st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:    st,
		now:      time.Now,
		logger:   zap.NewNop(),
		recorder: NopRecorder{},
		alerts:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailOpen reports the configured degraded-mode policy.
func (l *Limiter) FailOpen() bool {
	return l.failOpen
}

// Check counts cost units against identity's current window and returns the
// decision. A cost of zero or less counts as 1.
//
// When the store reports store.ErrBackendUnavailable, Check applies the
// fail-open or fail-closed policy and returns a Degraded decision with a nil
// error. Any other store failure is returned.
func (l *Limiter) Check(ctx context.Context, identity string, limit Limit, cost int64) (Decision, error) {
	if identity == "" {
		return Decision{}, ErrInvalidLimit
	}
	if err := limit.validate(); err != nil {
		return Decision{}, err
	}
	if cost <= 0 {
		cost = 1
	}

	now := l.now()
	windowStart := limit.windowStart(now)
	resetAt := windowStart.Add(limit.Window)
	key := WindowKey(identity, limit.Window, windowStart)

	count, _, err := l.store.Increment(ctx, key, cost, resetAt.Sub(now))
	if err != nil {
		if !store.IsUnavailable(err) {
			return Decision{}, err
		}
		dec := l.degraded(ctx, identity, limit, resetAt, err)
		l.record(ctx, identity, dec)
		return dec, nil
	}

	dec := Decision{
		Allowed:   count <= limit.Max,
		Remaining: max(0, limit.Max-count),
		Limit:     limit.Max,
		ResetAt:   resetAt,
	}
	if hr, ok := l.store.(store.HealthReporter); ok && hr.Health() == store.HealthDegraded {
		dec.Degraded = true
	}
	l.record(ctx, identity, dec)
	return dec, nil
}

func (l *Limiter) degraded(_ context.Context, identity string, limit Limit, resetAt time.Time, cause error) Decision {
	dec := Decision{
		Allowed:  l.failOpen,
		Limit:    limit.Max,
		ResetAt:  resetAt,
		Degraded: true,
	}
	if l.failOpen {
		dec.Remaining = limit.Max
	}

	if !l.alerts.Allow() {
		return dec
	}
	event := "ratelimit.degraded_reject"
	if l.failOpen {
		event = "ratelimit.degraded_admit"
	}
	l.logger.Warn("counter store unavailable, applying degraded policy",
		zap.String("event", event),
		zap.String("identity", identity),
		zap.Bool("fail_open", l.failOpen),
		zap.Error(cause))
	return dec
}

func (l *Limiter) record(ctx context.Context, identity string, dec Decision) {
	ev := Event{
		Identity: identity,
		Allowed:  dec.Allowed,
		Degraded: dec.Degraded,
		At:       l.now(),
	}
	if err := l.recorder.Record(ctx, ev); err != nil {
		l.logger.Debug("decision record failed", zap.Error(err))
	}
}

// WindowKey derives the counter key for identity in the window starting at
// windowStart. Limits with different window lengths never share a counter.
func WindowKey(identity string, window time.Duration, windowStart time.Time) string {
	var b strings.Builder
	b.Grow(len(identity) + 24)
	b.WriteString(identity)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(int64(window/time.Second), 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(windowStart.Unix(), 10))
	return b.String()
}
