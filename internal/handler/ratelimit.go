package handler

import (
	"net/http"

	"github.com/YannKr/streamgate/internal/ratelimit"
)

// limitByIP rejects requests once the client IP is over l. The unit is
// spent whether or not the request later succeeds.
func limitByIP(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := l.Reserve(realIP(r)); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
