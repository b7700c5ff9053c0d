package db

import (
	"database/sql"
	"errors"

	"github.com/YannKr/streamgate/internal/model"
)

const apiKeyColumns = `id, user_id, role, name, key_prefix, key_hash, created_at, last_used_at`

func scanAPIKey(row rowScanner) (*model.APIKey, error) {
	var (
		k         model.APIKey
		createdAt SQLiteTime
		lastUsed  sql.NullString
	)
	if err := row.Scan(&k.ID, &k.UserID, &k.Role, &k.Name, &k.KeyPrefix, &k.KeyHash, &createdAt, &lastUsed); err != nil {
		return nil, err
	}
	k.CreatedAt = createdAt.Time
	k.LastUsedAt = scanNullTime(lastUsed)
	return &k, nil
}

func CreateAPIKey(database *sql.DB, k *model.APIKey) error {
	_, err := database.Exec(
		`INSERT INTO api_keys (id, user_id, role, name, key_prefix, key_hash) VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Role, k.Name, k.KeyPrefix, k.KeyHash,
	)
	return err
}

// ListAPIKeys returns a user's keys, newest first. Hashes are cleared.
func ListAPIKeys(database *sql.DB, userID string) ([]model.APIKey, error) {
	rows, err := database.Query(
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		k.KeyHash = ""
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// GetAPIKeyByPrefix returns nil, nil when no key has the prefix.
func GetAPIKeyByPrefix(database *sql.DB, prefix string) (*model.APIKey, error) {
	k, err := scanAPIKey(database.QueryRow(
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = ?`, prefix,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func TouchAPIKeyUsed(database *sql.DB, id string) error {
	_, err := database.Exec(
		`UPDATE api_keys SET last_used_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`, id,
	)
	return err
}

// DeleteAPIKey removes key id. An empty userID matches any owner. It reports
// whether a row was deleted.
func DeleteAPIKey(database *sql.DB, id, userID string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if userID == "" {
		res, err = database.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	} else {
		res, err = database.Exec(`DELETE FROM api_keys WHERE id = ? AND user_id = ?`, id, userID)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
