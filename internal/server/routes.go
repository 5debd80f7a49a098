package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/admit/bind"
	"github.com/nhalm/admit/gateway"
	"github.com/nhalm/admit/internal/docstore"
	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/retry"
	"github.com/nhalm/admit/store"
	"github.com/nhalm/admit/wrapper"
)

// UserHeader identifies an authenticated caller. Identity is verified upstream.
const UserHeader = "X-User-ID"

// readPrefix separates read counters from write counters for one identity.
const readPrefix = "read:"

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.health)

	s.router.Route("/v1/documents", func(r chi.Router) {
		r.Post("/", s.createDocument)
		r.Get("/{id}", s.getDocument)
	})
}

type createDocumentRequest struct {
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"max=65536"`
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if !bind.JSON(r, &req) {
		return
	}

	identity := gateway.UserOrIP(UserHeader)(r)
	doc := docstore.Document{
		ID:        uuid.NewString(),
		Owner:     identity,
		Title:     req.Title,
		Body:      req.Body,
		CreatedAt: s.now().UTC(),
	}

	dec, err := gateway.RunErr(r.Context(), s.cfg.Gateway, identity, s.cfg.Limit, func(ctx context.Context) error {
		return s.cfg.Docs.Insert(ctx, doc)
	}, s.cfg.Policy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ratelimit.SetHeaders(w, r, dec)
	wrapper.SetResponse(r, http.StatusCreated, doc)
}

// getDocument is not admitted unless ReadLimit is set. Reads draw from their
// own budget so they never consume the write allowance.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	get := func(ctx context.Context) (docstore.Document, error) {
		return s.cfg.Docs.Get(ctx, id)
	}

	if s.cfg.ReadLimit.Max == 0 {
		doc, err := retry.Execute(r.Context(), s.cfg.Policy, get)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		wrapper.SetResponse(r, http.StatusOK, doc)
		return
	}

	identity := readPrefix + gateway.UserOrIP(UserHeader)(r)
	res, err := gateway.Run(r.Context(), s.cfg.Gateway, identity, s.cfg.ReadLimit, get, s.cfg.Policy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ratelimit.SetHeaders(w, r, res.Decision)
	wrapper.SetResponse(r, http.StatusOK, res.Value)
}

// writeError maps domain failures the gateway treats as generic onto more
// specific client errors.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		wrapper.SetError(r, wrapper.ErrNotFound.With("Document not found"))
	case retry.CategoryOf(err) == retry.CategoryConflict && isFatal(err):
		wrapper.SetError(r, wrapper.ErrConflict.With("Document already exists"))
	default:
		s.cfg.Gateway.WriteError(w, r, err)
	}
}

func isFatal(err error) bool {
	var fe *retry.FatalError
	return errors.As(err, &fe)
}

type healthResponse struct {
	Status       string `json:"status"`
	CounterStore string `json:"counter_store"`
	Database     string `json:"database"`
}

// healthPingTimeout bounds the counter store ping made by /healthz.
const healthPingTimeout = time.Second

func (s *Server) health(_ http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", CounterStore: store.HealthUnknown.String(), Database: "ok"}

	if p, ok := s.cfg.Health.(store.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		// The outcome is reflected in Health below.
		_ = p.Ping(ctx)
		cancel()
	}

	if s.cfg.Health != nil {
		h := s.cfg.Health.Health()
		resp.CounterStore = h.String()
		if h == store.HealthDegraded {
			resp.Status = "degraded"
		}
	}

	if err := s.cfg.Docs.Ping(r.Context()); err != nil {
		resp.Database = "unavailable"
		resp.Status = "unavailable"
		wrapper.SetResponse(r, http.StatusServiceUnavailable, resp)
		return
	}

	wrapper.SetResponse(r, http.StatusOK, resp)
}
