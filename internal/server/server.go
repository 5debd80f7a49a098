// Package server is the admitd HTTP front end: a document API whose writes are
// admitted by the gateway and persisted under a retry policy.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nhalm/admit/bind"
	"github.com/nhalm/admit/gateway"
	"github.com/nhalm/admit/internal/docstore"
	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/retry"
	"github.com/nhalm/admit/store"
	"github.com/nhalm/admit/wrapper"
	"go.uber.org/zap"
)

const maxBodySize = 1 << 20

// Config holds the server's dependencies.
type Config struct {
	Addr    string
	Gateway *gateway.Gateway
	Docs    *docstore.Store
	Policy  *retry.Policy
	// Limit admits document writes.
	Limit ratelimit.Limit
	// ReadLimit admits document reads against a separate budget. A zero
	// Max leaves reads unadmitted.
	ReadLimit ratelimit.Limit
	// Health, when set, is reported by /healthz. If it also implements
	// store.Pinger, /healthz pings it first.
	Health store.HealthReporter
	Logger *zap.Logger
	// ShutdownTimeout bounds graceful shutdown (default: 10s).
	ShutdownTimeout time.Duration
}

// Server represents the HTTP server.
type Server struct {
	cfg    Config
	router *chi.Mux
	server *http.Server
	logger *zap.Logger
	now    func() time.Time
}

// New creates a server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(wrapper.New(
		wrapper.WithCanonlog(),
		wrapper.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"request_id": GetRequestID(r.Context())}
		}),
		wrapper.WithPanicLogger(cfg.Logger),
	))
	r.Use(bind.New(bind.WithMaxBodySize(maxBodySize)))

	r.NotFound(func(_ http.ResponseWriter, req *http.Request) {
		wrapper.SetError(req, wrapper.ErrNotFound)
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, req *http.Request) {
		wrapper.SetError(req, wrapper.ErrMethodNotAllowed)
	})

	s := &Server{
		cfg:    cfg,
		router: r,
		logger: cfg.Logger,
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", s.cfg.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
