package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes() chi.Router {
	if h.Auth.OnError == nil {
		h.Auth.OnError = writeError
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if h.Cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.With(limitByIP(h.Gate.API), h.requireMetricsAccess).Handle("/metrics", h.Perf.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The token is the credential; limits are per token and per IP.
		r.Get("/stream/{token}", h.Stream)

		r.Group(func(r chi.Router) {
			r.Use(limitByIP(h.Gate.API))
			r.Use(h.Auth.Middleware)

			r.Post("/analyze", h.Analyze)
			r.Get("/analyze/{id}", h.AnalyzeStatus)
			r.Get("/analyze/{id}/events", h.AnalyzeEvents)

			r.Post("/token", h.CreateToken)
			r.Post("/token/{token}/refresh", h.RefreshToken)
			r.Delete("/token/{token}", h.RevokeToken)
			r.Get("/tokens", h.ListTokens)

			r.Get("/sessions", h.Sessions)
			r.Get("/apikeys", h.ListAPIKeys)
			r.Delete("/apikeys/{id}", h.DeleteAPIKey)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.Auth.RequireAdmin)
				r.Get("/stats", h.AdminStats)
				r.Get("/performance", h.AdminPerformance)
				r.Post("/cleanup", h.AdminCleanup)
				r.Post("/apikeys", h.AdminCreateAPIKey)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		renderJSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// Healthz - GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		renderJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	body := map[string]any{
		"status":  "ok",
		"streams": h.Perf.Snapshot().ActiveStreams,
		"queued":  h.Analysis.Depth(),
	}
	if d := h.diskReport(); d != nil {
		body["disk"] = d.Level
		if d.Level == "critical" {
			body["status"] = "degraded"
		}
	}
	renderJSON(w, http.StatusOK, body)
}
