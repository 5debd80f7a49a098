// Package gateway is the admission-control entry point. It checks the rate
// limiter before any work happens and, once a request is admitted, runs the
// operation either directly or under a retry policy.
//
// The admission check itself is never retried. A rejected call returns
// immediately with a *RateLimitedError carrying the decision; when to try again
// is the caller's choice, informed by Decision.ResetAt.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/retry"
	"go.uber.org/zap"
)

// ErrRateLimited matches every *RateLimitedError.
var ErrRateLimited = errors.New("gateway: rate limit exceeded")

// RateLimitedError is returned when the limiter rejects a call. It is a
// control signal, not a fault.
type RateLimitedError struct {
	Identity string
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("gateway: rate limit exceeded for %s until %s",
		e.Identity, e.Decision.ResetAt.UTC().Format(time.RFC3339))
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Result is the outcome of an admitted or rejected call.
type Result[T any] struct {
	Decision ratelimit.Decision
	Value    T
}

// Gateway composes a Limiter and an optional default retry policy.
type Gateway struct {
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	limit   ratelimit.Limit
	policy  *retry.Policy
	now     func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for failures that cross the gateway.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithDefaultLimit sets the limit applied when a call passes the zero Limit
// (default: 100 per minute).
func WithDefaultLimit(limit ratelimit.Limit) Option {
	return func(g *Gateway) {
		g.limit = limit
	}
}

// WithDefaultPolicy sets the retry policy used when Run is given a nil policy.
// Without it, a nil policy runs the operation once.
func WithDefaultPolicy(p *retry.Policy) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

// WithClock overrides the time source used for Retry-After.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New creates a Gateway admitting calls through l.
func New(l *ratelimit.Limiter, opts ...Option) *Gateway {
	g := &Gateway{
		limiter: l,
		logger:  zap.NewNop(),
		limit:   ratelimit.PerMinute(100),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DefaultLimit returns the limit used for the zero Limit.
func (g *Gateway) DefaultLimit() ratelimit.Limit {
	return g.limit
}

// Admit runs a single admission check for identity. A zero limit means the
// default limit.
func (g *Gateway) Admit(ctx context.Context, identity string, limit ratelimit.Limit) (ratelimit.Decision, error) {
	if limit == (ratelimit.Limit{}) {
		limit = g.limit
	}
	dec, err := g.limiter.Check(ctx, identity, limit, 1)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("gateway: admit %s: %w", identity, err)
	}
	return dec, nil
}

// Run admits identity and, if allowed, runs op. With a non-nil policy (or a
// default policy) op runs under retry.Execute; otherwise it runs once.
//
// A rejected call returns the decision and a *RateLimitedError without
// invoking op.
func Run[T any](ctx context.Context, g *Gateway, identity string, limit ratelimit.Limit, op func(context.Context) (T, error), policy *retry.Policy) (Result[T], error) {
	dec, err := g.Admit(ctx, identity, limit)
	if err != nil {
		return Result[T]{}, err
	}

	res := Result[T]{Decision: dec}
	if !dec.Allowed {
		return res, &RateLimitedError{Identity: identity, Decision: dec}
	}

	if policy == nil {
		policy = g.policy
	}

	var v T
	if policy != nil {
		v, err = retry.Execute(ctx, policy, op)
	} else {
		v, err = op(ctx)
	}
	if err != nil {
		g.logFailure(identity, err)
		return res, err
	}

	res.Value = v
	return res, nil
}

// RunErr is Run for operations without a result value.
func RunErr(ctx context.Context, g *Gateway, identity string, limit ratelimit.Limit, op func(context.Context) error, policy *retry.Policy) (ratelimit.Decision, error) {
	res, err := Run(ctx, g, identity, limit, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, policy)
	return res.Decision, err
}

func (g *Gateway) logFailure(identity string, err error) {
	fields := []zap.Field{
		zap.String("identity", identity),
		zap.Error(err),
	}

	var (
		exhausted *retry.ExhaustedError
		fatal     *retry.FatalError
		aborted   *retry.AbortedError
	)
	switch {
	case errors.As(err, &exhausted):
		g.logger.Error("operation failed after retries",
			append(fields, zap.String("event", "gateway.exhausted"), zap.Int("attempts", len(exhausted.Attempts)))...)
	case errors.As(err, &fatal):
		g.logger.Warn("operation failed",
			append(fields, zap.String("event", "gateway.fatal"), zap.String("category", string(retry.CategoryOf(fatal.Err))))...)
	case errors.As(err, &aborted):
		g.logger.Info("operation cancelled",
			append(fields, zap.String("event", "gateway.aborted"), zap.Int("attempts", len(aborted.Attempts)))...)
	default:
		g.logger.Warn("operation failed", append(fields, zap.String("event", "gateway.failed"))...)
	}
}
