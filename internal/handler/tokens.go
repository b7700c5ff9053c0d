package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/auth"
	"github.com/YannKr/streamgate/internal/extractor"
	"github.com/YannKr/streamgate/internal/model"
	"github.com/YannKr/streamgate/internal/stream"
	"github.com/YannKr/streamgate/internal/token"
)

type createTokenRequest struct {
	VideoURL   string `json:"videoUrl"`
	FormatID   string `json:"formatId"`
	Title      string `json:"title,omitempty"`
	TTLMinutes int    `json:"ttlMinutes,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	StreamURL string    `json:"streamUrl"`
}

type tokenInfo struct {
	Token        string     `json:"token"`
	VideoURL     string     `json:"videoUrl"`
	FormatID     string     `json:"formatId"`
	Title        string     `json:"title,omitempty"`
	IssuedAt     time.Time  `json:"issuedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	AccessCount  int        `json:"accessCount"`
	LastAccessAt *time.Time `json:"lastAccessAt,omitempty"`
	Resumable    bool       `json:"resumable"`
	StreamURL    string     `json:"streamUrl"`
}

func (h *Handler) streamURL(value string) string {
	return h.Cfg.BaseURL + "/api/v1/stream/" + value
}

// CreateToken - POST /api/v1/token
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.FormatID == "" {
		writeError(w, r, apierr.Validation("FORMAT_REQUIRED", "formatId is required"))
		return
	}
	if req.TTLMinutes < 0 {
		writeError(w, r, apierr.Validation("BAD_TTL", "ttlMinutes must be positive"))
		return
	}
	platform, err := extractor.DetectPlatform(req.VideoURL)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.Gate.ReserveCreate(userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	meta, ok := h.Cache.Get(r.Context(), req.VideoURL)
	if !ok {
		res.Cancel()
		writeError(w, r, apierr.Validation("ANALYSIS_REQUIRED", "analyze the video before requesting a stream token"))
		return
	}
	f, ok := meta.Format(req.FormatID)
	if !ok {
		res.Cancel()
		writeError(w, r, apierr.Validation("FORMAT_NOT_AVAILABLE", "format %q is not available for this video", req.FormatID))
		return
	}

	title := req.Title
	if title == "" {
		title = meta.Title
	}
	tok, err := h.Tokens.Create(r.Context(), token.CreateParams{
		UserID:          userID,
		VideoURL:        req.VideoURL,
		FormatID:        f.FormatID,
		Title:           title,
		Ext:             f.Ext,
		TTL:             time.Duration(req.TTLMinutes) * time.Minute,
		Fingerprint:     token.Fingerprint(realIP(r), r.UserAgent()),
		BindFingerprint: platform.BindClient,
		Resumable:       f.Progressive(),
	})
	if err != nil {
		res.Cancel()
		writeError(w, r, tokenError(err))
		return
	}

	renderJSON(w, http.StatusCreated, tokenResponse{
		Token:     tok.Value,
		ExpiresAt: tok.ExpiresAt,
		StreamURL: h.streamURL(tok.Value),
	})
}

type refreshRequest struct {
	Minutes int `json:"minutes"`
}

// RefreshToken - POST /api/v1/token/{token}/refresh
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Minutes <= 0 {
		writeError(w, r, apierr.Validation("BAD_TTL", "minutes must be positive"))
		return
	}
	value := chi.URLParam(r, "token")
	tok, err := h.Tokens.Refresh(value, auth.UserFromContext(r.Context()), time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		writeError(w, r, tokenError(err))
		return
	}
	renderJSON(w, http.StatusOK, tokenResponse{
		Token:     tok.Value,
		ExpiresAt: tok.ExpiresAt,
		StreamURL: h.streamURL(tok.Value),
	})
}

// RevokeToken - DELETE /api/v1/token/{token}
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "token")
	if err := h.Tokens.Revoke(value, auth.UserFromContext(r.Context())); err != nil {
		writeError(w, r, tokenError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTokens - GET /api/v1/tokens
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	toks := h.Tokens.ListActive(auth.UserFromContext(r.Context()))
	out := make([]tokenInfo, 0, len(toks))
	for _, t := range toks {
		out = append(out, h.tokenToAPI(t))
	}
	renderJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (h *Handler) tokenToAPI(t model.StreamToken) tokenInfo {
	return tokenInfo{
		Token:        t.Value,
		VideoURL:     t.VideoURL,
		FormatID:     t.FormatID,
		Title:        t.Title,
		IssuedAt:     t.IssuedAt,
		ExpiresAt:    t.ExpiresAt,
		AccessCount:  t.AccessCount,
		LastAccessAt: t.LastAccessAt,
		Resumable:    t.Resumable,
		StreamURL:    h.streamURL(t.Value),
	}
}

// tokenError maps manager errors for the owner-facing token routes. Tokens
// of other users are reported as missing.
func tokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrQuota):
		e := apierr.RateLimited("outstanding stream tokens", 0)
		e.Code = "TOKEN_QUOTA"
		e.Message = "too many outstanding stream tokens, revoke or use some first"
		return e
	case errors.Is(err, token.ErrInvalid):
		return apierr.Validation("BAD_REQUEST", "%v", err)
	case errors.Is(err, token.ErrNotFound), errors.Is(err, token.ErrForbidden):
		return apierr.NotFound("stream token not found")
	}
	return stream.TokenError(err)
}
