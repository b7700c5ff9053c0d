package handler

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/stream"
	"github.com/YannKr/streamgate/internal/token"
)

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Stream - GET /api/v1/stream/{token}
//
// The token is the only credential. Once bytes have been sent a failure can
// only be signalled by dropping the connection.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "token")
	if !tokenPattern.MatchString(value) {
		writeError(w, r, stream.TokenError(token.ErrNotFound))
		return
	}

	ip := realIP(r)
	res, err := h.Gate.ReserveStream(value, ip)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := h.Proxy.Stream(r.Context(), w, stream.Request{
		Token:  value,
		Client: stream.Client{IP: ip, UserAgent: r.UserAgent()},
		Range:  r.Header.Get("Range"),
	})
	if out.Err == nil {
		return
	}
	if !out.Started {
		// Unknown values stay charged so guessing is still limited per IP.
		if out.Err.Class == apierr.ClassAuthorization && out.Err.Code != "TOKEN_NOT_FOUND" {
			res.Cancel()
		}
		if r.Context().Err() != nil {
			return
		}
		writeError(w, r, out.Err)
		return
	}
	panic(http.ErrAbortHandler)
}
