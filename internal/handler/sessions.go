package handler

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/auth"
	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/model"
)

const (
	defaultSessionLimit = 100
	maxSessionLimit     = 1000
)

type sessionInfo struct {
	ID          string    `json:"id"`
	TokenPrefix string    `json:"tokenPrefix"`
	UserID      string    `json:"userId"`
	VideoURL    string    `json:"videoUrl"`
	FormatID    string    `json:"formatId"`
	ClientIP    string    `json:"clientIp"`
	Success     bool      `json:"success"`
	Started     bool      `json:"started"`
	BytesSent   int64     `json:"bytesSent"`
	DurationMS  int64     `json:"durationMs"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Sessions - GET /api/v1/sessions
//
// Lists the caller's recorded stream sessions, newest first. Admins may
// pass ?user= to look at another user. ?format=csv exports the same rows.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := auth.UserFromContext(r.Context())
	if u := q.Get("user"); u != "" && u != userID {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, r, apierr.Forbidden("only admins can list other users' sessions"))
			return
		}
		userID = u
	}

	limit := defaultSessionLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, apierr.Validation("BAD_LIMIT", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := db.ListStreamSessions(h.DB, userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if q.Get("format") == "csv" {
		writeSessionsCSV(w, userID, sessions)
		return
	}
	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo{
			ID:          s.ID,
			TokenPrefix: s.TokenPrefix,
			UserID:      s.UserID,
			VideoURL:    s.VideoURL,
			FormatID:    s.FormatID,
			ClientIP:    s.ClientIP,
			Success:     s.Success,
			Started:     s.Started,
			BytesSent:   s.BytesSent,
			DurationMS:  s.Duration.Milliseconds(),
			Error:       s.Error,
			CreatedAt:   s.CreatedAt,
		})
	}
	renderJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func writeSessionsCSV(w http.ResponseWriter, userID string, sessions []model.StreamSession) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=sessions_%s.csv", sanitizeCSVName(userID)))

	writer := csv.NewWriter(w)
	writer.Write([]string{"Started At", "Token", "Video URL", "Format", "Client IP", "Success", "Bytes", "Duration (ms)", "Error"})
	for _, s := range sessions {
		writer.Write([]string{
			s.CreatedAt.Format("2006-01-02 15:04:05"),
			s.TokenPrefix,
			s.VideoURL,
			s.FormatID,
			s.ClientIP,
			strconv.FormatBool(s.Success),
			strconv.FormatInt(s.BytesSent, 10),
			strconv.FormatInt(s.Duration.Milliseconds(), 10),
			s.Error,
		})
	}
	writer.Flush()
}

func sanitizeCSVName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			b[i] = '_'
		}
	}
	if len(b) == 0 {
		return "user"
	}
	return string(b)
}
