package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrInvalidPolicy is returned by NewPolicy for a configuration that cannot be
// enforced.
var ErrInvalidPolicy = errors.New("retry: invalid policy")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config describes a retry policy.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int `validate:"gte=0"`
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration `validate:"gt=0"`
	// MaxDelay caps the unjittered wait.
	MaxDelay time.Duration `validate:"gtefield=InitialDelay"`
	// Multiplier scales the wait after every retry.
	Multiplier float64 `validate:"gte=1"`
	// Jitter multiplies each wait by a factor drawn uniformly from [0.75, 1.25].
	Jitter bool
	// Retryable lists the categories worth retrying. Empty means DefaultRetryable.
	Retryable []Category `validate:"dive,oneof=transient timeout unavailable conflict validation internal unknown"`
}

// DefaultConfig returns 3 retries starting at 100ms, doubling up to 5s, with jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Policy is a validated, immutable retry policy. It is safe for concurrent use.
type Policy struct {
	cfg       Config
	retryable map[Category]struct{}
	rand      *lockedRand
	observer  Observer
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithRand sets the jitter source. Calls on r are serialized by the policy.
func WithRand(r *rand.Rand) PolicyOption {
	return func(p *Policy) {
		p.rand = &lockedRand{r: r}
	}
}

// WithObserver sets the receiver of attempt and terminal events
// (default: LogObserver with a no-op logger).
func WithObserver(o Observer) PolicyOption {
	return func(p *Policy) {
		p.observer = o
	}
}

// WithLogger is shorthand for WithObserver(LogObserver(logger)).
func WithLogger(logger *zap.Logger) PolicyOption {
	return WithObserver(LogObserver(logger))
}

// NewPolicy validates cfg and builds a Policy. Invalid configurations fail here
// rather than on the first retry.
func NewPolicy(cfg Config, opts ...PolicyOption) (*Policy, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	cats := cfg.Retryable
	if len(cats) == 0 {
		cats = DefaultRetryable
	}
	cfg.Retryable = append([]Category(nil), cats...)

	p := &Policy{
		cfg:       cfg,
		retryable: make(map[Category]struct{}, len(cats)),
		rand:      newLockedRand(time.Now().UnixNano()),
		observer:  LogObserver(nil),
	}
	for _, c := range cats {
		p.retryable[c] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MustPolicy is like NewPolicy but panics on an invalid configuration.
func MustPolicy(cfg Config, opts ...PolicyOption) *Policy {
	p, err := NewPolicy(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Config returns a copy of the policy's configuration.
func (p *Policy) Config() Config {
	cfg := p.cfg
	cfg.Retryable = append([]Category(nil), p.cfg.Retryable...)
	return cfg
}

// MaxAttempts is MaxRetries+1.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxRetries + 1
}

// Retryable reports whether failures of category c are retried.
func (p *Policy) Retryable(c Category) bool {
	_, ok := p.retryable[c]
	return ok
}

// Delay returns the wait before retry n+1 (n is 0-indexed):
// min(MaxDelay, InitialDelay × Multiplier^n), scaled by a factor in
// [0.75, 1.25] when jitter is on.
func (p *Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(n))
	if d > float64(p.cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter {
		d *= 0.75 + 0.5*p.rand.Float64()
	}
	return time.Duration(d)
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
