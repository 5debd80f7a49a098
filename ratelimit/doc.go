// Package ratelimit provides fixed-window admission decisions and HTTP middleware.
//
// A Limiter derives one counter per identity per window from a store.Store and
// turns the post-increment count into a Decision. When the store is
// unreachable, the configured fail-open or fail-closed policy decides instead,
// and the decision is marked Degraded.
//
// Direct use:
//
//	st := store.NewMemory()
//	defer st.Close()
//	l := ratelimit.New(st, ratelimit.WithFailOpen(false))
//	dec, err := l.Check(ctx, "user:42", ratelimit.PerMinute(100), 1)
//
// As middleware (single dimension):
//
//	mw := ratelimit.NewMiddleware(l, ratelimit.PerMinute(100), ratelimit.WithIP())
//	r.Use(mw.Handler)
//
// Multi-dimensional:
//
//	mw := ratelimit.NewMiddleware(l, ratelimit.PerMinute(100),
//		ratelimit.WithName("uploads"),
//		ratelimit.WithUser("X-User-ID", true),
//		ratelimit.WithEndpoint(),
//	)
//
// All middleware sets the IETF RateLimit-Limit, RateLimit-Remaining and
// RateLimit-Reset headers and returns 429 (Too Many Requests) with Retry-After
// when the limit is exceeded.
//
// For multi-instance deployments use the Redis store. The in-memory store keeps
// per-process counters, so N instances admit up to N times the limit.
package ratelimit
