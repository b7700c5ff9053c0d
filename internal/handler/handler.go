// Package handler exposes the service over HTTP.
package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/auth"
	"github.com/YannKr/streamgate/internal/cache"
	"github.com/YannKr/streamgate/internal/cleanup"
	"github.com/YannKr/streamgate/internal/config"
	"github.com/YannKr/streamgate/internal/diskstat"
	"github.com/YannKr/streamgate/internal/perf"
	"github.com/YannKr/streamgate/internal/ratelimit"
	"github.com/YannKr/streamgate/internal/sse"
	"github.com/YannKr/streamgate/internal/stream"
	"github.com/YannKr/streamgate/internal/token"
	"github.com/YannKr/streamgate/internal/worker"
)

type Handler struct {
	DB       *sql.DB
	Cfg      *config.Config
	Auth     *auth.Authenticator
	Analysis *worker.Queue
	Tracking *worker.Queue
	Tokens   *token.Manager
	Gate     *ratelimit.Gate
	Proxy    *stream.Proxy
	Perf     *perf.Aggregator
	Cache    *cache.Cache
	Cleaner  *cleanup.Cleaner
	SSE      *sse.Hub
	Disk     *diskstat.Watcher
}

const maxBodyBytes = 64 << 10

type apiError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retryAfterSeconds,omitempty"`
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func renderJSONError(w http.ResponseWriter, status int, code, message string) {
	renderJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

// writeError renders any error through the caller-visible taxonomy, in the
// request's language.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.From(err)
	if e.Class == apierr.ClassInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	body := apiError{
		Code:      e.Code,
		Message:   apierr.Localize(e, apierr.MatchLanguage(r.Header.Get("Accept-Language"))),
		Kind:      e.Kind,
		Retryable: e.Retryable(),
	}
	if e.RetryAfter > 0 {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	renderJSON(w, e.Status(), map[string]apiError{"error": body})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apierr.Validation("BAD_REQUEST", "request body is required")
		}
		return apierr.Validation("BAD_REQUEST", "invalid JSON body: %v", err)
	}
	return nil
}

// realIP returns the client address. Behind a trusted proxy
// middleware.RealIP has already applied the forwarding headers to RemoteAddr.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
