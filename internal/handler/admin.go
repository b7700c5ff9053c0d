package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/auth"
	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/diskstat"
	"github.com/YannKr/streamgate/internal/model"
	"github.com/YannKr/streamgate/internal/token"
	"github.com/YannKr/streamgate/internal/worker"
)

type cacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type statsResponse struct {
	Performance   model.PerformanceSnapshot `json:"performance"`
	Counters      map[string]int64          `json:"counters"`
	Tokens        token.Stats               `json:"tokens"`
	Queues        []worker.QueueStats       `json:"queues"`
	Cache         cacheStats                `json:"cache"`
	EventsDropped int64                     `json:"eventsDropped"`
	Disk          *diskReport               `json:"disk,omitempty"`
}

type diskReport struct {
	diskstat.Stats
	FreePercent float64 `json:"free_percent"`
	Level       string  `json:"level"`
}

// diskReport is nil when no disk watcher is configured.
func (h *Handler) diskReport() *diskReport {
	if h.Disk == nil {
		return nil
	}
	s, level := h.Disk.Get()
	return &diskReport{Stats: s, FreePercent: s.FreePercent(), Level: level.String()}
}

// AdminStats - GET /api/v1/admin/stats
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	hits, misses := h.Cache.Stats()
	renderJSON(w, http.StatusOK, statsResponse{
		Performance:   h.Perf.Snapshot(),
		Counters:      h.Perf.Counters(),
		Tokens:        h.Tokens.Stats(),
		Queues:        []worker.QueueStats{h.Analysis.Stats(), h.Tracking.Stats()},
		Cache:         cacheStats{Entries: h.Cache.Len(), Hits: hits, Misses: misses},
		EventsDropped: h.SSE.Dropped(),
		Disk:          h.diskReport(),
	})
}

// AdminPerformance - GET /api/v1/admin/performance?since=
//
// since is an RFC 3339 time or a duration back from now ("15m"); it
// defaults to the last hour.
func (h *Handler) AdminPerformance(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	history, err := h.Perf.History(since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []model.PerformanceSnapshot{}
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"current":   h.Perf.Snapshot(),
		"errorRate": h.Perf.ErrorRate(),
		"history":   history,
	})
}

func parseSince(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return now.Add(-time.Hour), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, apierr.Validation("BAD_SINCE", "since must be an RFC 3339 time or a positive duration")
}

// AdminCleanup - POST /api/v1/admin/cleanup
func (h *Handler) AdminCleanup(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, h.Cleaner.RunOnce())
}

type createKeyRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
	Name   string `json:"name,omitempty"`
}

type apiKeyInfo struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Role       string     `json:"role"`
	Name       string     `json:"name,omitempty"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Key        string     `json:"key,omitempty"`
}

func apiKeyToAPI(k *model.APIKey) apiKeyInfo {
	return apiKeyInfo{
		ID:         k.ID,
		UserID:     k.UserID,
		Role:       k.Role,
		Name:       k.Name,
		Prefix:     k.KeyPrefix,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

// AdminCreateAPIKey - POST /api/v1/admin/apikeys
//
// The full key is only ever returned here.
func (h *Handler) AdminCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, r, apierr.Validation("USER_REQUIRED", "userId is required"))
		return
	}
	if req.Role != "" && req.Role != "user" && req.Role != auth.RoleAdmin {
		writeError(w, r, apierr.Validation("BAD_ROLE", "role must be user or admin"))
		return
	}
	full, key, err := auth.CreateAPIKey(h.DB, req.UserID, req.Role, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info := apiKeyToAPI(key)
	info.Key = full
	renderJSON(w, http.StatusCreated, info)
}

// ListAPIKeys - GET /api/v1/apikeys
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := db.ListAPIKeys(h.DB, auth.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]apiKeyInfo, 0, len(keys))
	for i := range keys {
		out = append(out, apiKeyToAPI(&keys[i]))
	}
	renderJSON(w, http.StatusOK, map[string]any{"keys": out})
}

// DeleteAPIKey - DELETE /api/v1/apikeys/{id}
//
// Admins may delete any key; other users only their own.
func (h *Handler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	owner := auth.UserFromContext(r.Context())
	if auth.IsAdmin(r.Context()) {
		owner = ""
	}
	ok, err := db.DeleteAPIKey(h.DB, chi.URLParam(r, "id"), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, apierr.NotFound("api key not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
