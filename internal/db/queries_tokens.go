package db

import (
	"database/sql"
	"time"

	"github.com/YannKr/streamgate/internal/model"
)

const tokenColumns = `value, user_id, video_url, format_id, title, ext, fingerprint,
	bind_fingerprint, resumable, issued_at, expires_at, access_count,
	last_access_at, used, revoked`

// SaveStreamToken inserts or fully replaces a token row.
func SaveStreamToken(database *sql.DB, t *model.StreamToken) error {
	_, err := database.Exec(
		`INSERT INTO stream_tokens (`+tokenColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(value) DO UPDATE SET
		   expires_at = excluded.expires_at,
		   access_count = excluded.access_count,
		   last_access_at = excluded.last_access_at,
		   used = excluded.used,
		   revoked = excluded.revoked`,
		t.Value, t.UserID, t.VideoURL, t.FormatID, t.Title, t.Ext, t.Fingerprint,
		boolInt(t.BindFingerprint), boolInt(t.Resumable),
		formatTime(t.IssuedAt), formatTime(t.ExpiresAt), t.AccessCount,
		formatTimePtr(t.LastAccessAt), boolInt(t.Used), boolInt(t.Revoked),
	)
	return err
}

func GetStreamToken(database *sql.DB, value string) (*model.StreamToken, error) {
	row := database.QueryRow(`SELECT `+tokenColumns+` FROM stream_tokens WHERE value = ?`, value)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListRetainedTokens returns every token whose expiry is after cutoff, which
// covers active tokens plus recently expired ones still kept for auditing.
func ListRetainedTokens(database *sql.DB, cutoff time.Time) ([]model.StreamToken, error) {
	rows, err := database.Query(
		`SELECT `+tokenColumns+` FROM stream_tokens WHERE expires_at > ? ORDER BY issued_at`,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []model.StreamToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

// DeleteTokensExpiredBefore removes tokens that expired before cutoff.
func DeleteTokensExpiredBefore(database *sql.DB, cutoff time.Time) (int64, error) {
	res, err := database.Exec(`DELETE FROM stream_tokens WHERE expires_at <= ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(s rowScanner) (*model.StreamToken, error) {
	t := &model.StreamToken{}
	var issuedAt, expiresAt SQLiteTime
	var lastAccess sql.NullString
	var bind, resumable, used, revoked int
	err := s.Scan(
		&t.Value, &t.UserID, &t.VideoURL, &t.FormatID, &t.Title, &t.Ext, &t.Fingerprint,
		&bind, &resumable, &issuedAt, &expiresAt, &t.AccessCount,
		&lastAccess, &used, &revoked,
	)
	if err != nil {
		return nil, err
	}
	t.BindFingerprint = bind != 0
	t.Resumable = resumable != 0
	t.Used = used != 0
	t.Revoked = revoked != 0
	t.IssuedAt = issuedAt.Time
	t.ExpiresAt = expiresAt.Time
	t.LastAccessAt = scanNullTime(lastAccess)
	return t, nil
}
