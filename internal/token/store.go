package token

import (
	"database/sql"
	"time"

	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/model"
)

// Store persists tokens so they survive a restart. The Manager's in-memory
// map stays authoritative while the process runs.
type Store interface {
	SaveToken(t *model.StreamToken) error
	LoadTokens(cutoff time.Time) ([]model.StreamToken, error)
	DeleteExpired(cutoff time.Time) (int64, error)
}

// SQLStore keeps tokens in the stream_tokens table.
type SQLStore struct {
	DB *sql.DB
}

func (s SQLStore) SaveToken(t *model.StreamToken) error {
	return db.SaveStreamToken(s.DB, t)
}

func (s SQLStore) LoadTokens(cutoff time.Time) ([]model.StreamToken, error) {
	return db.ListRetainedTokens(s.DB, cutoff)
}

func (s SQLStore) DeleteExpired(cutoff time.Time) (int64, error) {
	return db.DeleteTokensExpiredBefore(s.DB, cutoff)
}
