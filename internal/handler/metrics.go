package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireMetricsAccess admits scrapers presenting METRICS_TOKEN as a bearer
// credential; everyone else must authenticate as an admin.
func (h *Handler) requireMetricsAccess(next http.Handler) http.Handler {
	admin := h.Auth.Middleware(h.Auth.RequireAdmin(next))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want := h.Cfg.MetricsToken; want != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		admin.ServeHTTP(w, r)
	})
}
