package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/model"
)

// KeyPrefix marks API keys; the 8 hex characters after it are stored in the
// clear for lookup.
const KeyPrefix = "sg_"

func GenerateToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// CreateAPIKey stores a new key for userID and returns the full key, which is
// not recoverable afterwards.
func CreateAPIKey(database *sql.DB, userID, role, name string) (string, *model.APIKey, error) {
	if role == "" {
		role = "user"
	}
	raw, err := GenerateToken(32)
	if err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	full := KeyPrefix + raw
	hash, err := HashKey(full)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}
	k := &model.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Role:      role,
		Name:      name,
		KeyPrefix: raw[:8],
		KeyHash:   hash,
	}
	if err := db.CreateAPIKey(database, k); err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}
	k.CreatedAt = time.Now().UTC()
	return full, k, nil
}

// VerifyAPIKey looks the key up by prefix and checks it against the stored
// hash.
func VerifyAPIKey(ctx context.Context, database *sql.DB, key string) (*model.APIKey, error) {
	raw := key[len(KeyPrefix):]
	if len(raw) < 8 || database == nil {
		return nil, ErrUnauthenticated
	}
	k, err := db.GetAPIKeyByPrefix(database, raw[:8])
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if k == nil || !CheckKey(k.KeyHash, key) {
		return nil, ErrUnauthenticated
	}
	go touchKey(database, k.ID)
	return k, nil
}
