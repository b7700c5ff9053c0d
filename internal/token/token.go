// Package token issues and validates the single-purpose stream tokens that
// authorize the byte-streaming endpoint.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/YannKr/streamgate/internal/model"
)

var (
	ErrNotFound    = errors.New("token not found")
	ErrExpired     = errors.New("token expired")
	ErrUsed        = errors.New("token already used")
	ErrRevoked     = errors.New("token revoked")
	ErrInUse       = errors.New("token is already streaming")
	ErrFingerprint = errors.New("token was issued to a different client")
	ErrQuota       = errors.New("too many outstanding tokens")
	ErrForbidden   = errors.New("token belongs to another user")
	ErrInvalid     = errors.New("invalid token request")
	ErrExhausted   = errors.New("token access limit reached")
)

// ValueBytes is the amount of randomness in a token value; the hex form is
// twice as long.
const ValueBytes = 32

// Observer receives token lifecycle counts.
type Observer interface {
	TokenIssued()
	TokenRetired()
}

type nopObserver struct{}

func (nopObserver) TokenIssued()  {}
func (nopObserver) TokenRetired() {}

type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	MaxActive  int
	// Retention is how long expired tokens are kept for auditing.
	Retention time.Duration
	// MaxAccess caps how many stream requests a resumable token serves.
	// Zero means unlimited.
	MaxAccess int
}

type entry struct {
	tok     model.StreamToken
	leased  bool
	retired bool
	dirty   bool
}

type Manager struct {
	mu     sync.Mutex
	tokens map[string]*entry

	store    Store
	observer Observer
	opts     Options
	now      func() time.Time

	issued      int64
	expiredSeen int64
	purgedTotal int64
}

func NewManager(store Store, opts Options) *Manager {
	return &Manager{
		tokens:   make(map[string]*entry),
		store:    store,
		observer: nopObserver{},
		opts:     opts,
		now:      time.Now,
	}
}

// SetObserver must be called before the manager is used concurrently.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Load restores retained tokens from the store.
func (m *Manager) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.now()
	toks, err := m.store.LoadTokens(now.Add(-m.opts.Retention))
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range toks {
		e := &entry{tok: t}
		if t.Active(now) {
			m.observer.TokenIssued()
		} else {
			e.retired = true
		}
		m.tokens[t.Value] = e
	}
	slog.Info("stream tokens loaded", "count", len(toks))
	return nil
}

type CreateParams struct {
	UserID          string
	VideoURL        string
	FormatID        string
	Title           string
	Ext             string
	TTL             time.Duration
	Fingerprint     string
	BindFingerprint bool
	Resumable       bool
}

// Create issues a token. TTL defaults to the configured default and is
// capped at the maximum lifetime.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*model.StreamToken, error) {
	if p.UserID == "" || p.VideoURL == "" || p.FormatID == "" {
		return nil, fmt.Errorf("%w: user, url and format are required", ErrInvalid)
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	if m.opts.MaxTTL > 0 && ttl > m.opts.MaxTTL {
		ttl = m.opts.MaxTTL
	}
	value, err := newValue()
	if err != nil {
		return nil, err
	}

	now := m.now()
	tok := model.StreamToken{
		Value:           value,
		UserID:          p.UserID,
		VideoURL:        p.VideoURL,
		FormatID:        p.FormatID,
		Title:           p.Title,
		Ext:             p.Ext,
		IssuedAt:        now,
		ExpiresAt:       now.Add(ttl),
		Fingerprint:     p.Fingerprint,
		BindFingerprint: p.BindFingerprint,
		Resumable:       p.Resumable,
	}

	m.mu.Lock()
	if m.opts.MaxActive > 0 && m.activeForLocked(p.UserID, now) >= m.opts.MaxActive {
		m.mu.Unlock()
		return nil, ErrQuota
	}
	m.tokens[value] = &entry{tok: tok}
	m.issued++
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		m.drop(value)
		return nil, err
	}
	if err := m.store.SaveToken(&tok); err != nil {
		m.drop(value)
		return nil, fmt.Errorf("save token: %w", err)
	}
	m.observer.TokenIssued()
	slog.Info("stream token issued", "token", Redact(value), "user", p.UserID, "format", p.FormatID,
		"expires_at", tok.ExpiresAt)
	return &tok, nil
}

func (m *Manager) drop(value string) {
	m.mu.Lock()
	delete(m.tokens, value)
	m.issued--
	m.mu.Unlock()
}

func (m *Manager) activeForLocked(userID string, now time.Time) int {
	n := 0
	for _, e := range m.tokens {
		if e.tok.UserID == userID && e.tok.Active(now) {
			n++
		}
	}
	return n
}

// checkLocked applies every rule a stream request must pass.
func (m *Manager) checkLocked(value, fingerprint string, now time.Time) (*entry, error) {
	e, ok := m.tokens[value]
	if !ok {
		return nil, ErrNotFound
	}
	switch {
	case e.tok.Revoked:
		return nil, ErrRevoked
	case e.tok.Used && !e.tok.Resumable:
		return nil, ErrUsed
	case e.tok.Expired(now):
		return nil, ErrExpired
	case e.tok.BindFingerprint && e.tok.Fingerprint != fingerprint:
		return nil, ErrFingerprint
	case e.tok.Resumable && m.opts.MaxAccess > 0 && e.tok.AccessCount >= m.opts.MaxAccess:
		return nil, ErrExhausted
	}
	return e, nil
}

// validateLocked runs the checks, optionally takes the streaming lease and
// counts the access. Non-resumable tokens are leased; resumable ones never
// are.
func (m *Manager) validateLocked(value, fingerprint string, now time.Time, lease bool) (*entry, error) {
	e, err := m.checkLocked(value, fingerprint, now)
	if err != nil {
		return nil, err
	}
	if lease {
		if e.leased {
			return nil, ErrInUse
		}
		e.leased = !e.tok.Resumable
	}
	m.touchLocked(e, now)
	return e, nil
}

// Validate checks the token and counts the access without leasing it. It
// never touches the store; counters are persisted by the next lease release
// or sweep.
func (m *Manager) Validate(value, fingerprint string) (*model.StreamToken, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.validateLocked(value, fingerprint, now, false)
	if err != nil {
		return nil, err
	}
	tok := e.tok
	return &tok, nil
}

func (m *Manager) touchLocked(e *entry, now time.Time) {
	e.tok.AccessCount++
	t := now
	e.tok.LastAccessAt = &t
	e.dirty = true
}

// Acquire validates the token and takes the streaming lease for it. Only
// one lease can exist per non-resumable token, so two concurrent requests
// can never both stream it. The release func must be called when the
// session ends; it is safe to call more than once.
func (m *Manager) Acquire(value, fingerprint string) (*model.StreamToken, func(), error) {
	now := m.now()
	m.mu.Lock()
	e, err := m.validateLocked(value, fingerprint, now, true)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	tok := e.tok
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			e.leased = false
			m.mu.Unlock()
			m.persist(value)
		})
	}
	return &tok, release, nil
}

// MarkUsed records a completed stream. Repeated calls are no-ops.
func (m *Manager) MarkUsed(value string) {
	m.mu.Lock()
	e, ok := m.tokens[value]
	if !ok || e.tok.Used {
		m.mu.Unlock()
		return
	}
	e.tok.Used = true
	e.dirty = true
	retire := !e.tok.Resumable && !e.retired
	if retire {
		e.retired = true
	}
	m.mu.Unlock()

	if retire {
		m.observer.TokenRetired()
	}
	m.persist(value)
}

// Refresh extends a live token by extra, up to the maximum lifetime counted
// from issuance. It never shortens the expiry.
func (m *Manager) Refresh(value, userID string, extra time.Duration) (*model.StreamToken, error) {
	if extra <= 0 {
		return nil, fmt.Errorf("%w: extension must be positive", ErrInvalid)
	}
	now := m.now()
	m.mu.Lock()
	e, ok := m.tokens[value]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	var err error
	switch {
	case e.tok.UserID != userID:
		err = ErrForbidden
	case e.tok.Revoked:
		err = ErrRevoked
	case e.tok.Used:
		err = ErrUsed
	case e.tok.Expired(now):
		err = ErrExpired
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	next := e.tok.ExpiresAt.Add(extra)
	if limit := e.tok.IssuedAt.Add(m.opts.MaxTTL); m.opts.MaxTTL > 0 && next.After(limit) {
		next = limit
	}
	if next.After(e.tok.ExpiresAt) {
		e.tok.ExpiresAt = next
		e.dirty = true
	}
	tok := e.tok
	m.mu.Unlock()

	m.persist(value)
	return &tok, nil
}

// Revoke invalidates a token immediately. Revoking twice is not an error.
func (m *Manager) Revoke(value, userID string) error {
	m.mu.Lock()
	e, ok := m.tokens[value]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.tok.UserID != userID {
		m.mu.Unlock()
		return ErrForbidden
	}
	e.tok.Revoked = true
	e.dirty = true
	retire := !e.retired
	e.retired = true
	m.mu.Unlock()

	if retire {
		m.observer.TokenRetired()
	}
	m.persist(value)
	slog.Info("stream token revoked", "token", Redact(value), "user", userID)
	return nil
}

// ListActive returns the user's tokens that can still stream, oldest first.
func (m *Manager) ListActive(userID string) []model.StreamToken {
	now := m.now()
	m.mu.Lock()
	var out []model.StreamToken
	for _, e := range m.tokens {
		if e.tok.UserID == userID && e.tok.Active(now) {
			out = append(out, e.tok)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

type SweepResult struct {
	Expired int // tokens newly seen as expired
	Purged  int // tokens dropped after the audit retention
}

// Sweep counts tokens that expired since the last sweep, flushes pending
// counters and drops tokens past the audit retention.
func (m *Manager) Sweep(now time.Time) SweepResult {
	cutoff := now.Add(-m.opts.Retention)
	var res SweepResult
	var flush []model.StreamToken

	m.mu.Lock()
	for v, e := range m.tokens {
		if e.tok.Expired(now) && !e.retired {
			e.retired = true
			res.Expired++
		}
		if !e.leased && !e.tok.ExpiresAt.After(cutoff) {
			delete(m.tokens, v)
			res.Purged++
			continue
		}
		if e.dirty {
			e.dirty = false
			flush = append(flush, e.tok)
		}
	}
	m.expiredSeen += int64(res.Expired)
	m.purgedTotal += int64(res.Purged)
	m.mu.Unlock()

	for i := 0; i < res.Expired; i++ {
		m.observer.TokenRetired()
	}
	for i := range flush {
		if err := m.store.SaveToken(&flush[i]); err != nil {
			slog.Error("flush token", "token", Redact(flush[i].Value), "error", err)
		}
	}
	if _, err := m.store.DeleteExpired(cutoff); err != nil {
		slog.Error("purge expired tokens", "error", err)
	}
	return res
}

type Stats struct {
	Active       int   `json:"active"`
	Expired      int   `json:"expired"`
	Used         int   `json:"used"`
	Revoked      int   `json:"revoked"`
	Streaming    int   `json:"streaming"`
	Tracked      int   `json:"tracked"`
	IssuedTotal  int64 `json:"issued_total"`
	ExpiredTotal int64 `json:"expired_total"`
	PurgedTotal  int64 `json:"purged_total"`
}

func (m *Manager) Stats() Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Tracked:      len(m.tokens),
		IssuedTotal:  m.issued,
		ExpiredTotal: m.expiredSeen,
		PurgedTotal:  m.purgedTotal,
	}
	for _, e := range m.tokens {
		switch {
		case e.tok.Revoked:
			s.Revoked++
		case e.tok.Used && !e.tok.Resumable:
			s.Used++
		case e.tok.Expired(now):
			s.Expired++
		default:
			s.Active++
		}
		if e.leased {
			s.Streaming++
		}
	}
	return s
}

func (m *Manager) persist(value string) {
	m.mu.Lock()
	e, ok := m.tokens[value]
	if !ok {
		m.mu.Unlock()
		return
	}
	tok := e.tok
	e.dirty = false
	m.mu.Unlock()

	if err := m.store.SaveToken(&tok); err != nil {
		slog.Error("persist token", "token", Redact(value), "error", err)
		m.mu.Lock()
		e.dirty = true
		m.mu.Unlock()
	}
}

func newValue() (string, error) {
	b := make([]byte, ValueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Redact shortens a token value for logs.
func Redact(value string) string {
	if len(value) <= 8 {
		return "…"
	}
	return value[:8] + "…"
}

// Fingerprint derives the client fingerprint bound into tokens for
// platforms whose media URLs are tied to the requesting client.
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "\x00" + userAgent))
	return hex.EncodeToString(sum[:16])
}
