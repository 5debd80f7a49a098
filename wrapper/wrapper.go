// Package wrapper collects the response for a request in context and writes it
// once, after every middleware and the handler have run.
//
// Handlers and middleware call SetResponse, SetError and SetHeader instead of
// writing to the ResponseWriter. Errors are rendered as JSON with a type, code
// and client-safe message; an Error with a RetryAfter hint also sets the
// Retry-After header. Panics are recovered and reported as ErrInternal. With
// WithCanonlog each request emits one canonical log line carrying method,
// route, status, duration and whatever fields the rate limiter and retry loop
// added.
//
//	r := chi.NewRouter()
//	r.Use(wrapper.New(
//	    wrapper.WithCanonlog(),
//	    wrapper.WithPanicLogger(logger),
//	))
//
//	r.Post("/v1/documents", func(w http.ResponseWriter, r *http.Request) {
//	    doc, err := create(r)
//	    if err != nil {
//	        wrapper.SetError(r, wrapper.ErrInternal)
//	        return
//	    }
//	    wrapper.SetResponse(r, http.StatusCreated, doc)
//	})
package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"go.uber.org/zap"
)

type contextKey struct{}

// pending is the response being assembled for one request.
type pending struct {
	mu     sync.Mutex
	err    *Error
	status int
	body   any
	header http.Header
}

func pendingFrom(ctx context.Context) *pending {
	p, _ := ctx.Value(contextKey{}).(*pending)
	return p
}

// HasState reports whether the wrapper middleware is active for ctx.
func HasState(ctx context.Context) bool {
	return pendingFrom(ctx) != nil
}

// SetError makes err the response. An error always wins over a success body.
// Without the middleware this is a no-op; see Write.
func SetError(r *http.Request, err *Error) {
	if p := pendingFrom(r.Context()); p != nil {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}
}

// SetResponse records a success status and JSON body. A nil body sends the
// status alone. Without the middleware this is a no-op.
func SetResponse(r *http.Request, status int, body any) {
	if p := pendingFrom(r.Context()); p != nil {
		p.mu.Lock()
		p.status, p.body = status, body
		p.mu.Unlock()
	}
}

// SetHeader records a response header. Without the middleware this is a no-op.
func SetHeader(r *http.Request, key, value string) {
	if p := pendingFrom(r.Context()); p != nil {
		p.mu.Lock()
		if p.header == nil {
			p.header = make(http.Header)
		}
		p.header.Set(key, value)
		p.mu.Unlock()
	}
}

// Write responds with err: through the wrapper when it is active, otherwise
// directly to w. Components usable with and without the middleware call this
// instead of choosing a path themselves.
func Write(w http.ResponseWriter, r *http.Request, err *Error) {
	if HasState(r.Context()) {
		SetError(r, err)
		return
	}
	writeError(w, err)
}

// Option configures the wrapper middleware.
type Option func(*options)

type options struct {
	canonlog bool
	fields   func(*http.Request) map[string]any
	logger   *zap.Logger
}

// WithCanonlog emits one canonical log line per request with method, path,
// route, status and duration_ms, plus the error set through SetError.
func WithCanonlog() Option {
	return func(o *options) { o.canonlog = true }
}

// WithCanonlogFields adds fn's fields to the canonical line before the handler
// runs.
func WithCanonlogFields(fn func(*http.Request) map[string]any) Option {
	return func(o *options) { o.fields = fn }
}

// WithPanicLogger logs recovered panics, with the stack, to logger.
// The client still only sees ErrInternal.
func WithPanicLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New returns the middleware.
func New(opts ...Option) func(http.Handler) http.Handler {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := &pending{}
			ctx := context.WithValue(r.Context(), contextKey{}, p)
			start := time.Now()
			if o.canonlog {
				ctx = canonlog.NewContext(ctx)
				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if o.fields != nil {
					canonlog.InfoAddMany(ctx, o.fields(r))
				}
			}
			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					o.recovered(r, p, rec)
				}
				if o.canonlog {
					o.logLine(r, p, start)
				}
				p.flush(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func (o *options) recovered(r *http.Request, p *pending, rec any) {
	p.mu.Lock()
	p.err = ErrInternal
	p.mu.Unlock()

	if o.canonlog {
		canonlog.ErrorAdd(r.Context(), fmt.Errorf("panic: %v", rec))
	}
	if o.logger != nil {
		o.logger.Error("recovered panic in handler",
			zap.String("event", "http.panic"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Any("panic", rec),
			zap.Stack("stack"))
	}
}

func (o *options) logLine(r *http.Request, p *pending, start time.Time) {
	ctx := r.Context()

	p.mu.Lock()
	status, apiErr := p.status, p.err
	p.mu.Unlock()

	fields := map[string]any{
		"route":       routePattern(r),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if apiErr != nil {
		status = apiErr.Status
		fields["error_code"] = apiErr.Code
		if v, ok := apiErr.retryAfterHeader(); ok {
			fields["retry_after"] = v
		}
		canonlog.ErrorAdd(ctx, apiErr)
	}
	fields["status"] = status

	canonlog.InfoAddMany(ctx, fields)
	canonlog.Flush(ctx)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func (p *pending) flush(w http.ResponseWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := w.Header()
	for key, values := range p.header {
		h[key] = append(h[key], values...)
	}

	switch {
	case p.err != nil:
		writeError(w, p.err)
	case p.body != nil:
		writeJSON(w, p.status, p.body)
	case p.status != 0:
		w.WriteHeader(p.status)
	}
}

type errorBody struct {
	Error *Error `json:"error"`
}

func writeError(w http.ResponseWriter, e *Error) {
	if v, ok := e.retryAfterHeader(); ok {
		w.Header().Set("Retry-After", v)
	}
	writeJSON(w, e.Status, errorBody{Error: e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(b, '\n'))
}
