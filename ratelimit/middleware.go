package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/admit/wrapper"
	"github.com/nhalm/canonlog"
)

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers in any response.
	HeadersNever
)

// KeyFunc extracts one identity component from a request.
// Returning an empty string means the value is missing.
type KeyFunc func(*http.Request) string

type dimension struct {
	fn       KeyFunc
	required bool
	name     string
}

// Middleware applies a Limiter to HTTP requests.
type Middleware struct {
	limiter    *Limiter
	limit      Limit
	name       string
	dims       []dimension
	headerMode HeaderMode
	cost       func(*http.Request) int64
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithHeaderMode configures when rate limit headers are included in responses.
func WithHeaderMode(mode HeaderMode) MiddlewareOption {
	return func(m *Middleware) {
		m.headerMode = mode
	}
}

// WithName sets a prefix for identities.
// Use to prevent collisions when layering several middlewares on one store.
func WithName(name string) MiddlewareOption {
	return func(m *Middleware) {
		m.name = name
	}
}

// WithCost sets the number of units a request consumes (default: 1).
func WithCost(fn func(*http.Request) int64) MiddlewareOption {
	return func(m *Middleware) {
		m.cost = fn
	}
}

// WithIP adds "ip:<addr>" from RemoteAddr to the identity.
// RemoteAddr is always present.
func WithIP() MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{fn: ClientIP, name: "IP"})
	}
}

// WithRealIP adds "ip:<addr>" taken from X-Forwarded-For or X-Real-IP.
// When required is false and neither header is present, rate limiting is
// skipped; when required is true the request is rejected with 400.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
func WithRealIP(required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				ip := forwardedIP(r)
				if ip == "" {
					return ""
				}
				return "ip:" + ip
			},
			required: required,
			name:     "X-Forwarded-For or X-Real-IP header",
		})
	}
}

// WithUser adds "user:<id>" taken from header. Identity verification happens
// upstream; the header is trusted as is.
func WithUser(header string, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				id := strings.TrimSpace(r.Header.Get(header))
				if id == "" {
					return ""
				}
				return "user:" + id
			},
			required: required,
			name:     "header " + header,
		})
	}
}

// WithHeader adds a raw header value to the identity.
func WithHeader(header string, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				return r.Header.Get(header)
			},
			required: required,
			name:     "header " + header,
		})
	}
}

// WithEndpoint adds "<method>:<path>" to the identity.
func WithEndpoint() MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				var sb strings.Builder
				sb.Grow(len(r.Method) + 1 + len(r.URL.Path))
				sb.WriteString(r.Method)
				sb.WriteByte(':')
				sb.WriteString(r.URL.Path)
				return sb.String()
			},
			name: "endpoint",
		})
	}
}

// WithKeyFunc adds a custom identity component.
func WithKeyFunc(name string, fn KeyFunc, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{fn: fn, required: required, name: name})
	}
}

// NewMiddleware creates rate limiting middleware enforcing limit with l.
//
// Returns 429 (Too Many Requests) when the limit is exceeded, 400 (Bad Request)
// if a required dimension is missing, and 500 (Internal Server Error) if the
// store fails with anything other than unavailability. Unavailability is
// handled by the limiter's degraded-mode policy.
//
// Panics if no key dimensions are configured.
func NewMiddleware(l *Limiter, limit Limit, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		limiter:    l,
		limit:      limit,
		headerMode: HeadersAlways,
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.dims) == 0 {
		panic("ratelimit: must configure at least one key dimension option (WithIP, WithRealIP, WithUser, WithHeader, WithEndpoint, or WithKeyFunc)")
	}
	return m
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The limit for the current window
//   - RateLimit-Remaining: Units remaining in the current window
//   - RateLimit-Reset: Unix timestamp when the current window resets
//
// A rejected request always gets Retry-After, whatever the header mode.
// Errors are JSON API errors, written through wrapper.Write.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		identity, missing := m.identity(r)
		if missing != "" {
			wrapper.Write(w, r, wrapper.ErrBadRequest.With("Missing required "+missing))
			return
		}
		if identity == "" {
			next.ServeHTTP(w, r)
			return
		}

		var cost int64 = 1
		if m.cost != nil {
			cost = m.cost(r)
		}

		dec, err := m.limiter.Check(ctx, identity, m.limit, cost)
		if err != nil {
			if _, ok := canonlog.TryGetLogger(ctx); ok {
				canonlog.ErrorAdd(ctx, fmt.Errorf("rate limit check: %w", err))
			}
			wrapper.Write(w, r, wrapper.ErrInternal.With("Rate limit check failed"))
			return
		}

		annotate(ctx, identity, dec)

		exceeded := !dec.Allowed
		if m.headerMode == HeadersAlways || (m.headerMode == HeadersOnLimitExceeded && exceeded) {
			SetHeaders(w, r, dec)
		}

		if exceeded {
			msg := fmt.Sprintf("Rate limit exceeded: %d requests per %s", m.limit.Max, m.limit.Window)
			wrapper.Write(w, r, Rejection(dec, m.limiter.now()).With(msg))
			return
		}

		next.ServeHTTP(w, r.WithContext(NewContext(ctx, dec)))
	})
}

// identity joins all dimensions. Returns (identity, missingDimName); a
// non-empty missingDimName means a required dimension was absent.
func (m *Middleware) identity(r *http.Request) (string, string) {
	var sb strings.Builder
	sb.Grow(20 + len(m.dims)*30)
	hasContent := false

	if m.name != "" {
		sb.WriteString(m.name)
		hasContent = true
	}

	for _, dim := range m.dims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return "", dim.name
			}
			continue
		}
		if hasContent {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
		hasContent = true
	}

	if !hasContent || sb.Len() == len(m.name) {
		return "", ""
	}
	return sb.String(), ""
}

// SetHeaders writes the IETF RateLimit-Limit, RateLimit-Remaining and
// RateLimit-Reset headers for dec, through the wrapper when one is active.
// Retry-After belongs to the rejection itself; see Rejection.
func SetHeaders(w http.ResponseWriter, r *http.Request, dec Decision) {
	set := w.Header().Set
	if wrapper.HasState(r.Context()) {
		set = func(k, v string) { wrapper.SetHeader(r, k, v) }
	}

	set("RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
	set("RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
	set("RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
}

// Rejection is the 429 API error for a rejected decision. Its RetryAfter is
// max(0, ResetAt-now), which the wrapper sends as Retry-After.
func Rejection(dec Decision, now time.Time) *wrapper.Error {
	return wrapper.ErrRateLimited.
		With(fmt.Sprintf("Rate limit exceeded, retry in %d seconds", RetryAfterSeconds(dec, now))).
		WithRetryAfter(dec.RetryAfter(now))
}

// RetryAfterSeconds is the Retry-After value for dec: max(0, ResetAt-now) in
// whole seconds, rounded up.
func RetryAfterSeconds(dec Decision, now time.Time) int64 {
	return int64(math.Ceil(dec.RetryAfter(now).Seconds()))
}

// ClientIP returns "ip:<addr>" for the request's RemoteAddr.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if ip == "" {
		return ""
	}
	return "ip:" + ip
}

func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

func annotate(ctx context.Context, identity string, dec Decision) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"ratelimit_identity":  identity,
		"ratelimit_allowed":   dec.Allowed,
		"ratelimit_remaining": dec.Remaining,
		"ratelimit_degraded":  dec.Degraded,
	})
}

type contextKey string

const decisionKey contextKey = "ratelimit_decision"

// NewContext returns a copy of ctx carrying dec.
func NewContext(ctx context.Context, dec Decision) context.Context {
	return context.WithValue(ctx, decisionKey, dec)
}

// FromContext returns the decision stored by the middleware, if any.
func FromContext(ctx context.Context) (Decision, bool) {
	dec, ok := ctx.Value(decisionKey).(Decision)
	return dec, ok
}
