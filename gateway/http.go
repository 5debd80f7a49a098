package gateway

import (
	"errors"
	"net/http"

	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/retry"
	"github.com/nhalm/admit/wrapper"
	"github.com/nhalm/canonlog"
)

// WriteError maps err to an HTTP response:
//   - *RateLimitedError: 429 with RateLimit-* headers and Retry-After
//   - *retry.ExhaustedError, *retry.AbortedError: 503 with a generic message
//   - anything else: 500 with a generic message
//
// The error detail goes to the canonical log line only. Responses go through
// wrapper.Write.
func (g *Gateway) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		ratelimit.SetHeaders(w, r, rl.Decision)
		wrapper.Write(w, r, ratelimit.Rejection(rl.Decision, g.now()))
		return
	}

	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}

	var (
		exhausted *retry.ExhaustedError
		aborted   *retry.AbortedError
	)
	if errors.As(err, &exhausted) || errors.As(err, &aborted) {
		wrapper.Write(w, r, wrapper.ErrServiceUnavailable)
		return
	}
	wrapper.Write(w, r, wrapper.ErrInternal)
}

// Middleware admits each request under the gateway's default limit, using
// identityFn to derive the identity. Requests with an empty identity pass
// through. Admitted requests carry the decision in their context
// (ratelimit.FromContext).
func (g *Gateway) Middleware(identityFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityFn(r)
			if identity == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			dec, err := g.Admit(ctx, identity, g.limit)
			if err != nil {
				g.WriteError(w, r, err)
				return
			}
			if !dec.Allowed {
				g.WriteError(w, r, &RateLimitedError{Identity: identity, Decision: dec})
				return
			}

			ratelimit.SetHeaders(w, r, dec)
			if _, ok := canonlog.TryGetLogger(ctx); ok {
				canonlog.InfoAddMany(ctx, map[string]any{
					"identity":            identity,
					"ratelimit_remaining": dec.Remaining,
					"ratelimit_degraded":  dec.Degraded,
				})
			}
			next.ServeHTTP(w, r.WithContext(ratelimit.NewContext(ctx, dec)))
		})
	}
}

// UserOrIP derives "user:<id>" from header when present and "ip:<addr>" from
// the remote address otherwise.
func UserOrIP(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if id := r.Header.Get(header); id != "" {
			return "user:" + id
		}
		return ratelimit.ClientIP(r)
	}
}
