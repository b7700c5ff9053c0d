// Package auth resolves the caller of an API request. Identities come from
// the external auth service as HS256 JWTs, or from long-lived API keys.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/db"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	roleKey   contextKey = "role"
)

const RoleAdmin = "admin"

var ErrUnauthenticated = errors.New("auth: missing or invalid credentials")

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func RoleFromContext(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}

func IsAdmin(ctx context.Context) bool {
	return RoleFromContext(ctx) == RoleAdmin
}

func ContextWithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, roleKey, role)
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

type Authenticator struct {
	DB        *sql.DB
	JWTSecret []byte
	OnError   ErrorWriter
	now       func() time.Time
}

func NewAuthenticator(database *sql.DB, jwtSecret string, onError ErrorWriter) *Authenticator {
	a := &Authenticator{DB: database, OnError: onError, now: time.Now}
	if jwtSecret != "" {
		a.JWTSecret = []byte(jwtSecret)
	}
	return a
}

// Identify returns the user and role behind an Authorization header value.
func (a *Authenticator) Identify(ctx context.Context, header string) (userID, role string, err error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "", ErrUnauthenticated
	}
	cred := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if strings.HasPrefix(cred, KeyPrefix) {
		key, err := VerifyAPIKey(ctx, a.DB, cred)
		if err != nil {
			return "", "", err
		}
		return key.UserID, key.Role, nil
	}
	if a.JWTSecret == nil {
		return "", "", ErrUnauthenticated
	}
	claims, err := ParseJWT(a.JWTSecret, cred, a.now())
	if err != nil {
		return "", "", err
	}
	return claims.Subject, claims.Role, nil
}

// Middleware rejects requests without a valid identity and stores the caller
// in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, role, err := a.Identify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if !errors.Is(err, ErrUnauthenticated) {
				slog.Warn("authentication failed", "error", err)
			}
			a.fail(w, r, apierr.Authorization("UNAUTHENTICATED", "missing or invalid credentials", err))
			return
		}
		ctx := ContextWithUser(r.Context(), userID, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin must run after Middleware.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			a.fail(w, r, apierr.Forbidden("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) fail(w http.ResponseWriter, r *http.Request, err *apierr.Error) {
	if a.OnError != nil {
		a.OnError(w, r, err)
		return
	}
	http.Error(w, err.Message, err.Status())
}

func touchKey(database *sql.DB, id string) {
	if err := db.TouchAPIKeyUsed(database, id); err != nil {
		slog.Warn("touch api key", "key", id, "error", err)
	}
}
