package db

import (
	"database/sql"
	"time"

	"github.com/YannKr/streamgate/internal/model"
)

func InsertStreamSession(database *sql.DB, s *model.StreamSession) error {
	_, err := database.Exec(
		`INSERT INTO stream_sessions (id, token_prefix, user_id, video_url, format_id, client_ip,
		   success, started, bytes_sent, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TokenPrefix, s.UserID, s.VideoURL, s.FormatID, s.ClientIP,
		boolInt(s.Success), boolInt(s.Started), s.BytesSent, s.Duration.Milliseconds(),
		s.Error, formatTime(s.CreatedAt),
	)
	return err
}

func ListStreamSessions(database *sql.DB, userID string, limit int) ([]model.StreamSession, error) {
	rows, err := database.Query(
		`SELECT id, token_prefix, user_id, video_url, format_id, client_ip, success, started,
		        bytes_sent, duration_ms, error, created_at
		 FROM stream_sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StreamSession
	for rows.Next() {
		var s model.StreamSession
		var success, started int
		var durationMS int64
		var createdAt SQLiteTime
		if err := rows.Scan(&s.ID, &s.TokenPrefix, &s.UserID, &s.VideoURL, &s.FormatID, &s.ClientIP,
			&success, &started, &s.BytesSent, &durationMS, &s.Error, &createdAt); err != nil {
			return nil, err
		}
		s.Success = success != 0
		s.Started = started != 0
		s.Duration = time.Duration(durationMS) * time.Millisecond
		s.CreatedAt = createdAt.Time
		out = append(out, s)
	}
	return out, rows.Err()
}
