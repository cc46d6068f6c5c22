package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/ai-usage-gateway/internal/auth"
)

// NewRouter mounts the public probes and the key-protected API.
func NewRouter(h *Handler, authMiddleware auth.Middleware, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"ai-usage-gateway"}`))
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/invoke", h.HandleInvoke)
		r.Get("/v1/quota", h.HandleQuota)
		r.Get("/v1/usage", h.HandleUsage)
	})
	return r
}
