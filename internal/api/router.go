package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/starford/ansuz/internal/docservice"
)

// NewRouter creates a chi router with the status API routes.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *docservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/items", h.ListItems)
	r.Get("/errors", h.ListErrors)
	r.Get("/status", h.Status)
	r.Post("/sweep", h.Sweep)

	r.Get("/documents", h.ListDocuments)
	r.Get("/documents/search", h.Search)
	r.Get("/documents/*", h.GetDocument)

	r.Get("/sync", h.ListSync)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}

// NewServer wires the health endpoints and mounts the API under /api.
func NewServer(svc *docservice.Service, authEnabled bool, token string, sseHandler http.Handler) http.Handler {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints stay unauthenticated.
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)

	r.Mount("/api", NewRouter(svc, authEnabled, token, sseHandler))
	return r
}
