// Package retry runs fallible operations with exponential backoff, jitter and
// an allow-list of retryable error categories.
//
// Only errors whose Category appears in the policy's allow-list are retried.
// Anything else, including errors nobody classified, is returned on first
// occurrence wrapped in a *FatalError. Waits between attempts honor context
// cancellation; no attempt starts after the context is done.
//
// Retried operations must be idempotent or otherwise safe to repeat. The
// package does not deduplicate.
//
//	p, err := retry.NewPolicy(retry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	doc, err := retry.Execute(ctx, p, func(ctx context.Context) (*Doc, error) {
//		return repo.Get(ctx, id)
//	})
package retry

import (
	"context"
	"time"

	"github.com/nhalm/canonlog"
)

var defaultPolicy = MustPolicy(DefaultConfig())

// Default returns the policy built from DefaultConfig.
func Default() *Policy {
	return defaultPolicy
}

// Do runs op under p. See Execute.
func Do(ctx context.Context, p *Policy, op func(context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op until it succeeds, fails with a non-retryable error, runs
// out of attempts or ctx ends. A nil p uses Default().
//
// Errors returned: *FatalError, *ExhaustedError or *AbortedError.
func Execute[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p == nil {
		p = defaultPolicy
	}

	history := make([]Attempt, 0, p.MaxAttempts())
	var (
		delay   time.Duration
		lastErr error
	)

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return zero, p.abort(ctx, history, lastErr, err)
		}

		v, err := op(ctx)
		a := Attempt{Number: n + 1, Delay: delay}
		if err == nil {
			a.Outcome = OutcomeSuccess
			history = append(history, a)
			p.observer.Observe(ctx, Event{Kind: EventSucceeded, Attempt: a, History: history})
			annotate(ctx, len(history))
			return v, nil
		}

		a.Err = err
		a.Category = CategoryOf(err)
		lastErr = err

		if !p.Retryable(a.Category) {
			a.Outcome = OutcomeFatal
			history = append(history, a)
			p.observer.Observe(ctx, Event{Kind: EventFatal, Attempt: a, History: history})
			annotate(ctx, len(history))
			return zero, &FatalError{Attempts: history, Err: err}
		}

		a.Outcome = OutcomeRetryable
		history = append(history, a)

		if n >= p.cfg.MaxRetries {
			p.observer.Observe(ctx, Event{Kind: EventAttemptFailed, Attempt: a})
			p.observer.Observe(ctx, Event{Kind: EventExhausted, Attempt: a, History: history})
			annotate(ctx, len(history))
			return zero, &ExhaustedError{Attempts: history, Last: err}
		}

		delay = p.Delay(n)
		p.observer.Observe(ctx, Event{Kind: EventAttemptFailed, Attempt: a, NextDelay: delay})

		if err := sleep(ctx, delay); err != nil {
			return zero, p.abort(ctx, history, lastErr, err)
		}
	}
}

func (p *Policy) abort(ctx context.Context, history []Attempt, last, cause error) error {
	var a Attempt
	if len(history) > 0 {
		a = history[len(history)-1]
	}
	p.observer.Observe(ctx, Event{Kind: EventAborted, Attempt: a, History: history})
	annotate(ctx, len(history))
	return &AbortedError{Attempts: history, Last: last, Cause: cause}
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func annotate(ctx context.Context, attempts int) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{"retry_attempts": attempts})
}
