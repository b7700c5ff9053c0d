package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/YannKr/streamgate"
	"github.com/YannKr/streamgate/internal/auth"
	"github.com/YannKr/streamgate/internal/cache"
	"github.com/YannKr/streamgate/internal/cleanup"
	"github.com/YannKr/streamgate/internal/config"
	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/diskstat"
	"github.com/YannKr/streamgate/internal/extractor"
	"github.com/YannKr/streamgate/internal/fallback"
	"github.com/YannKr/streamgate/internal/model"
	"github.com/YannKr/streamgate/internal/perf"
	"github.com/YannKr/streamgate/internal/ratelimit"
	"github.com/YannKr/streamgate/internal/sse"
	"github.com/YannKr/streamgate/internal/stream"
	"github.com/YannKr/streamgate/internal/token"
	"github.com/YannKr/streamgate/internal/webhook"
	"github.com/YannKr/streamgate/internal/worker"
)

const (
	testSecret = "handler-test-secret"
	videoURL   = "https://www.youtube.com/watch?v=abc123"
)

var media = bytes.Repeat([]byte("0123456789"), 100)

type fakeSource struct {
	calls atomic.Int32
	meta  *model.VideoMetadata
	err   error
}

func (f *fakeSource) Extract(ctx context.Context, rawURL string, s extractor.Strategy) (*model.VideoMetadata, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	m := *f.meta
	m.Formats = append([]model.VideoFormat(nil), f.meta.Formats...)
	return &m, nil
}

func (f *fakeSource) CookiesAvailable() bool { return false }

type noPipe struct{}

func (noPipe) Pipe(ctx context.Context, rawURL, formatID string, s extractor.Strategy) (io.ReadCloser, error) {
	return nil, errors.New("pipe not expected")
}

type env struct {
	srv *httptest.Server
	h   *Handler
	db  *sql.DB
	src *fakeSource
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "v.mp4", time.Time{}, bytes.NewReader(media))
	}))
	t.Cleanup(upstream.Close)

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database, streamgate.MigrationFS); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{
		BaseURL:           "http://sg.test",
		JWTSecret:         testSecret,
		TokenCreateLimit:  10,
		TokenCreateWindow: time.Minute,
		StreamTokenLimit:  5,
		StreamIPLimit:     30,
		StreamWindow:      time.Minute,
		APIRequestLimit:   1000,
		APIWindow:         time.Minute,
	}
	if mutate != nil {
		mutate(cfg)
	}

	src := &fakeSource{meta: &model.VideoMetadata{
		ID:         "abc123",
		Title:      "Test Video",
		WebpageURL: videoURL,
		Platform:   "youtube",
		Formats: []model.VideoFormat{{
			FormatID: "18",
			Ext:      "mp4",
			HasVideo: true,
			HasAudio: true,
			Protocol: "https",
			URL:      upstream.URL + "/v.mp4",
		}},
	}}

	agg := perf.New(database, perf.Options{})
	metaCache := cache.New("", time.Hour, 100)
	ctrl := fallback.New(src, fallback.Options{
		MaxAttempts:    1,
		AttemptTimeout: 5 * time.Second,
		TotalBudget:    10 * time.Second,
	})
	ctrl.OnAttempt = agg.ExtractionAttempt

	tokens := token.NewManager(token.SQLStore{DB: database}, token.Options{
		DefaultTTL: 30 * time.Minute,
		MaxTTL:     time.Hour,
		MaxActive:  5,
		Retention:  time.Hour,
	})
	tokens.SetObserver(agg)

	hub := sse.New()
	analysis := worker.New(worker.Options{
		Name:        worker.QueueAnalysis,
		Workers:     1,
		Capacity:    8,
		DedupWindow: time.Minute,
		Retention:   time.Hour,
	}, worker.Analyze(ctrl, metaCache), database, hub)
	analysis.SetObserver(agg)
	analysis.OnFinish(webhook.New("").JobFinished)
	tracking := worker.New(worker.Options{
		Name:      worker.QueueTracking,
		Workers:   1,
		Capacity:  8,
		Retention: time.Hour,
	}, worker.TrackSessions(database), nil, nil)
	analysis.Start(context.Background())
	tracking.Start(context.Background())
	t.Cleanup(func() {
		analysis.Stop()
		tracking.Stop()
	})

	gate := ratelimit.NewGate(cfg)
	h := &Handler{
		DB:       database,
		Cfg:      cfg,
		Auth:     auth.NewAuthenticator(database, cfg.JWTSecret, nil),
		Analysis: analysis,
		Tracking: tracking,
		Tokens:   tokens,
		Gate:     gate,
		Proxy:    stream.New(tokens, ctrl, noPipe{}, agg, tracking, 64),
		Perf:     agg,
		Cache:    metaCache,
		Cleaner: &cleanup.Cleaner{
			Tokens:   tokens,
			Queues:   []cleanup.JobCleaner{analysis, tracking},
			Limiters: gate,
			Cache:    metaCache,
			Interval: time.Hour,
		},
		SSE: hub,
	}
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &env{srv: srv, h: h, db: database, src: src}
}

func bearer(t *testing.T, user, role string) string {
	t.Helper()
	tok, err := auth.SignJWT([]byte(testSecret), user, role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path, cred string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

type errorBody struct {
	Error apiError `json:"error"`
}

func expectError(t *testing.T, resp *http.Response, status int, code string) apiError {
	t.Helper()
	if resp.StatusCode != status {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, b)
	}
	var body errorBody
	decode(t, resp, &body)
	if body.Error.Code != code {
		t.Errorf("code = %q, want %q", body.Error.Code, code)
	}
	return body.Error
}

// analyze submits videoURL and waits for the job to complete.
func (e *env) analyze(t *testing.T, cred string) jobResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/analyze", cred, analyzeRequest{URL: videoURL})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("analyze status = %d, want 202", resp.StatusCode)
	}
	var accepted jobResponse
	decode(t, resp, &accepted)
	if accepted.JobID == "" || accepted.RequestID != accepted.JobID {
		t.Fatalf("accepted = %+v", accepted)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := e.do(t, http.MethodGet, "/api/v1/analyze/"+accepted.JobID, cred, nil)
		var job jobResponse
		decode(t, resp, &job)
		switch job.Status {
		case "completed":
			return job
		case "failed":
			t.Fatalf("analysis failed: %+v", job.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("analysis did not complete")
	return jobResponse{}
}

func (e *env) createToken(t *testing.T, cred, formatID string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/v1/token", cred, createTokenRequest{VideoURL: videoURL, FormatID: formatID})
}

func TestAnalyzeTokenStream(t *testing.T) {
	e := newEnv(t, nil)
	alice := bearer(t, "alice", "")

	job := e.analyze(t, alice)
	if job.Progress != 100 || job.Result == nil || len(job.Result.Formats) == 0 {
		t.Fatalf("completed job = %+v", job)
	}
	if f := job.Result.Formats[0]; f.FormatID != "18" || f.Ext != "mp4" {
		t.Errorf("format = %+v", f)
	}

	resp := e.createToken(t, alice, "18")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create token status = %d", resp.StatusCode)
	}
	var tr tokenResponse
	decode(t, resp, &tr)
	if len(tr.Token) != 2*token.ValueBytes {
		t.Errorf("token length = %d", len(tr.Token))
	}
	if tr.StreamURL != "http://sg.test/api/v1/stream/"+tr.Token {
		t.Errorf("streamUrl = %q", tr.StreamURL)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/stream/"+tr.Token, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, media) {
		t.Errorf("streamed %d bytes, want %d", len(got), len(media))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, "Test Video.mp4") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	// Progressive formats stay resumable until expiry.
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/stream/"+tr.Token, nil)
	req.Header.Set("Range", "bytes=10-19")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	part, _ := io.ReadAll(resp2.Body)
	if resp2.StatusCode != http.StatusPartialContent || string(part) != "0123456789" {
		t.Errorf("range request = %d %q", resp2.StatusCode, part)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sessions, err := db.ListStreamSessions(e.db, "alice", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(sessions) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tracked %d sessions, want 2", len(sessions))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if n := e.src.calls.Load(); n != 3 {
		t.Errorf("extractor calls = %d, want 3 (analysis plus one per stream)", n)
	}
}

func TestAnalyzeServedFromCache(t *testing.T) {
	e := newEnv(t, nil)
	alice := bearer(t, "alice", "")
	e.analyze(t, alice)

	resp := e.do(t, http.MethodPost, "/api/v1/analyze", alice, analyzeRequest{URL: videoURL + "#t=10"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var job jobResponse
	decode(t, resp, &job)
	if job.Status != "completed" || job.Result == nil {
		t.Errorf("cached job = %+v", job)
	}
	if n := e.src.calls.Load(); n != 1 {
		t.Errorf("extractor calls = %d, want 1", n)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/analyze/"+job.JobID, alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("polling a cached job = %d", resp.StatusCode)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	e := newEnv(t, nil)
	alice := bearer(t, "alice", "")

	resp := e.do(t, http.MethodPost, "/api/v1/analyze", alice, analyzeRequest{URL: "ftp://example.com/x"})
	expectError(t, resp, http.StatusBadRequest, "INVALID_URL")

	resp = e.do(t, http.MethodPost, "/api/v1/analyze", alice, map[string]string{"link": videoURL})
	expectError(t, resp, http.StatusBadRequest, "BAD_REQUEST")
}

func TestAnalyzeFailureIsLocalized(t *testing.T) {
	e := newEnv(t, nil)
	e.src.err = &extractor.Error{Kind: extractor.KindPrivateVideo, Message: "private"}
	alice := bearer(t, "alice", "")

	resp := e.do(t, http.MethodPost, "/api/v1/analyze", alice, analyzeRequest{URL: videoURL})
	var accepted jobResponse
	decode(t, resp, &accepted)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/analyze/"+accepted.JobID, nil)
		req.Header.Set("Authorization", "Bearer "+alice)
		req.Header.Set("Accept-Language", "es-ES,es;q=0.9")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		var job jobResponse
		err = json.NewDecoder(resp.Body).Decode(&job)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == "failed" {
			if job.Error == nil || job.Error.Kind != "private_video" || job.Error.Message != "Este video es privado." {
				t.Errorf("error = %+v", job.Error)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not fail")
}

func TestAnalyzeCallback(t *testing.T) {
	e := newEnv(t, nil)
	alice := bearer(t, "alice", "")
	got := make(chan webhook.Event, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev webhook.Event
		json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer hook.Close()

	resp := e.do(t, http.MethodPost, "/api/v1/analyze", alice, analyzeRequest{URL: videoURL, CallbackURL: "mailto:x"})
	expectError(t, resp, http.StatusBadRequest, "INVALID_CALLBACK_URL")

	resp = e.do(t, http.MethodPost, "/api/v1/analyze", alice, analyzeRequest{URL: videoURL, CallbackURL: hook.URL})
	var accepted jobResponse
	decode(t, resp, &accepted)
	select {
	case ev := <-got:
		data, _ := ev.Data.(map[string]any)
		if ev.EventType != webhook.EventAnalysisFinished || data["jobId"] != accepted.JobID {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback not delivered")
	}
}

func TestJobsAreScopedToOwner(t *testing.T) {
	e := newEnv(t, nil)
	job := e.analyze(t, bearer(t, "alice", ""))

	resp := e.do(t, http.MethodGet, "/api/v1/analyze/"+job.JobID, bearer(t, "bob", ""), nil)
	expectError(t, resp, http.StatusNotFound, "NOT_FOUND")

	resp = e.do(t, http.MethodGet, "/api/v1/analyze/"+job.JobID, bearer(t, "root", auth.RoleAdmin), nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateTokenForUnknownFormat(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.TokenCreateLimit = 2 })
	alice := bearer(t, "alice", "")

	resp := e.createToken(t, alice, "18")
	expectError(t, resp, http.StatusBadRequest, "ANALYSIS_REQUIRED")

	e.analyze(t, alice)
	for i := 0; i < 3; i++ {
		resp := e.createToken(t, alice, "999")
		expectError(t, resp, http.StatusBadRequest, "FORMAT_NOT_AVAILABLE")
	}
	// Rejected requests hand their quota back.
	if resp := e.createToken(t, alice, "18"); resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
}

func TestCreateTokenRateLimited(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.TokenCreateLimit = 2 })
	alice := bearer(t, "alice", "")
	e.analyze(t, alice)

	for i := 0; i < 2; i++ {
		if resp := e.createToken(t, alice, "18"); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status = %d", i, resp.StatusCode)
		}
	}
	resp := e.createToken(t, alice, "18")
	body := expectError(t, resp, http.StatusTooManyRequests, "RATE_LIMITED")
	if !body.Retryable || body.RetryAfter < 1 {
		t.Errorf("body = %+v", body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// Another user has their own budget.
	if resp := e.createToken(t, bearer(t, "bob", ""), "18"); resp.StatusCode != http.StatusCreated {
		t.Errorf("bob status = %d, want 201", resp.StatusCode)
	}
}

func TestStreamExpiredTokenSkipsExtraction(t *testing.T) {
	e := newEnv(t, nil)
	tok, err := e.h.Tokens.Create(context.Background(), token.CreateParams{
		UserID:   "alice",
		VideoURL: videoURL,
		FormatID: "18",
		TTL:      time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	resp := e.do(t, http.MethodGet, "/api/v1/stream/"+tok.Value, "", nil)
	expectError(t, resp, http.StatusUnauthorized, "TOKEN_EXPIRED")
	if n := e.src.calls.Load(); n != 0 {
		t.Errorf("extractor calls = %d, want 0", n)
	}
}

func TestStreamRejectsMalformedToken(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/api/v1/stream/not-a-token", "", nil)
	expectError(t, resp, http.StatusUnauthorized, "TOKEN_NOT_FOUND")
	resp = e.do(t, http.MethodGet, "/api/v1/stream/"+strings.Repeat("ab", token.ValueBytes), "", nil)
	expectError(t, resp, http.StatusUnauthorized, "TOKEN_NOT_FOUND")
}

func TestStreamPerTokenLimit(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.StreamTokenLimit = 1 })
	alice := bearer(t, "alice", "")
	e.analyze(t, alice)
	var tr tokenResponse
	decode(t, e.createToken(t, alice, "18"), &tr)

	resp := e.do(t, http.MethodGet, "/api/v1/stream/"+tr.Token, "", nil)
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first stream = %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodGet, "/api/v1/stream/"+tr.Token, "", nil)
	expectError(t, resp, http.StatusTooManyRequests, "RATE_LIMITED")
}

func TestRefreshRevokeAndList(t *testing.T) {
	e := newEnv(t, nil)
	alice := bearer(t, "alice", "")
	e.analyze(t, alice)
	var tr tokenResponse
	decode(t, e.createToken(t, alice, "18"), &tr)

	resp := e.do(t, http.MethodPost, "/api/v1/token/"+tr.Token+"/refresh", alice, refreshRequest{Minutes: 10})
	var refreshed tokenResponse
	decode(t, resp, &refreshed)
	if !refreshed.ExpiresAt.After(tr.ExpiresAt) {
		t.Errorf("expiresAt %v not after %v", refreshed.ExpiresAt, tr.ExpiresAt)
	}

	var list struct {
		Tokens []tokenInfo `json:"tokens"`
	}
	decode(t, e.do(t, http.MethodGet, "/api/v1/tokens", alice, nil), &list)
	if len(list.Tokens) != 1 || list.Tokens[0].Token != tr.Token {
		t.Fatalf("tokens = %+v", list.Tokens)
	}

	bob := bearer(t, "bob", "")
	resp = e.do(t, http.MethodDelete, "/api/v1/token/"+tr.Token, bob, nil)
	expectError(t, resp, http.StatusNotFound, "NOT_FOUND")

	resp = e.do(t, http.MethodDelete, "/api/v1/token/"+tr.Token, alice, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodGet, "/api/v1/stream/"+tr.Token, "", nil)
	expectError(t, resp, http.StatusUnauthorized, "TOKEN_REVOKED")

	decode(t, e.do(t, http.MethodGet, "/api/v1/tokens", alice, nil), &list)
	if len(list.Tokens) != 0 {
		t.Errorf("tokens after revoke = %d", len(list.Tokens))
	}
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/api/v1/tokens", "", nil)
	expectError(t, resp, http.StatusUnauthorized, "UNAUTHENTICATED")

	resp = e.do(t, http.MethodGet, "/api/v1/admin/stats", bearer(t, "alice", ""), nil)
	expectError(t, resp, http.StatusForbidden, "FORBIDDEN")

	full, _, err := auth.CreateAPIKey(e.db, "svc", auth.RoleAdmin, "test")
	if err != nil {
		t.Fatal(err)
	}
	resp = e.do(t, http.MethodGet, "/api/v1/admin/stats", full, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin stats = %d", resp.StatusCode)
	}
	var stats statsResponse
	decode(t, resp, &stats)
	if len(stats.Queues) != 2 {
		t.Errorf("queues = %+v", stats.Queues)
	}
}

func TestAdminEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	admin := bearer(t, "root", auth.RoleAdmin)

	resp := e.do(t, http.MethodPost, "/api/v1/admin/cleanup", admin, nil)
	var rep cleanup.Report
	decode(t, resp, &rep)
	if rep.RanAt.IsZero() {
		t.Error("cleanup report has no timestamp")
	}

	e.h.Perf.Capture()
	resp = e.do(t, http.MethodGet, "/api/v1/admin/performance?since=1h", admin, nil)
	var p struct {
		History []model.PerformanceSnapshot `json:"history"`
	}
	decode(t, resp, &p)
	if len(p.History) != 1 {
		t.Errorf("history = %d snapshots, want 1", len(p.History))
	}

	resp = e.do(t, http.MethodGet, "/api/v1/admin/performance?since=yesterday", admin, nil)
	expectError(t, resp, http.StatusBadRequest, "BAD_SINCE")

	resp = e.do(t, http.MethodPost, "/api/v1/admin/apikeys", admin, createKeyRequest{UserID: "carol"})
	var key apiKeyInfo
	decode(t, resp, &key)
	if !strings.HasPrefix(key.Key, auth.KeyPrefix) || key.Role != "user" {
		t.Fatalf("key = %+v", key)
	}
	var keys struct {
		Keys []apiKeyInfo `json:"keys"`
	}
	decode(t, e.do(t, http.MethodGet, "/api/v1/apikeys", key.Key, nil), &keys)
	if len(keys.Keys) != 1 || keys.Keys[0].Key != "" {
		t.Errorf("keys = %+v", keys.Keys)
	}

	other := bearer(t, "dave", "")
	resp = e.do(t, http.MethodDelete, "/api/v1/apikeys/"+key.ID, other, nil)
	expectError(t, resp, http.StatusNotFound, "NOT_FOUND")
	if resp := e.do(t, http.MethodDelete, "/api/v1/apikeys/"+key.ID, key.Key, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete own key = %d, want 204", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/api/v1/apikeys", key.Key, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("deleted key still authenticates: %d", resp.StatusCode)
	}
}

func TestSessionsCSV(t *testing.T) {
	e := newEnv(t, nil)
	err := db.InsertStreamSession(e.db, &model.StreamSession{
		ID:          "s1",
		TokenPrefix: "abcdef12…",
		UserID:      "alice",
		VideoURL:    videoURL,
		FormatID:    "18",
		ClientIP:    "10.0.0.1",
		Success:     true,
		Started:     true,
		BytesSent:   1000,
		Duration:    time.Second,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := e.do(t, http.MethodGet, "/api/v1/sessions?format=csv", bearer(t, "alice", ""), nil)
	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "abcdef12…") {
		t.Errorf("csv = %q", body)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/sessions?user=alice", bearer(t, "bob", ""), nil)
	expectError(t, resp, http.StatusForbidden, "FORBIDDEN")
}

func TestAnalyzeEventsForFinishedJob(t *testing.T) {
	e := newEnv(t, nil)
	alice := bearer(t, "alice", "")
	job := e.analyze(t, alice)

	resp := e.do(t, http.MethodGet, "/api/v1/analyze/"+job.JobID+"/events", alice, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(body), "event: done\n") || !strings.Contains(string(body), `"status":"completed"`) {
		t.Errorf("events = %q", body)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", now.Add(-time.Hour), false},
		{"15m", now.Add(-15 * time.Minute), false},
		{"2024-05-01T10:00:00Z", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), false},
		{"-5m", time.Time{}, true},
		{"soon", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSince(%q) err = %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	e := newEnv(t, nil)
	if resp := e.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	resp := e.do(t, http.MethodGet, "/metrics", bearer(t, "root", auth.RoleAdmin), nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "streamgate_active_streams") {
		t.Error("metrics output lacks streamgate_active_streams")
	}
}

func TestMetricsRequireAdminOrScrapeToken(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.MetricsToken = "scrape-secret" })

	resp := e.do(t, http.MethodGet, "/metrics", "", nil)
	expectError(t, resp, http.StatusUnauthorized, "UNAUTHENTICATED")

	resp = e.do(t, http.MethodGet, "/metrics", bearer(t, "alice", ""), nil)
	expectError(t, resp, http.StatusForbidden, "FORBIDDEN")

	if resp := e.do(t, http.MethodGet, "/metrics", "wrong-secret", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong scrape token = %d, want 401", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/metrics", "scrape-secret", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("scrape token = %d, want 200", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/metrics", bearer(t, "root", auth.RoleAdmin), nil); resp.StatusCode != http.StatusOK {
		t.Errorf("admin = %d, want 200", resp.StatusCode)
	}
}

func TestHealthzReportsLowDisk(t *testing.T) {
	e := newEnv(t, nil)
	// Any real volume is below these thresholds.
	disk := &diskstat.Watcher{Dir: t.TempDir(), WarnPct: 101, CriticalPct: 101}
	disk.Refresh()
	if s, _ := disk.Get(); s.TotalBytes == 0 {
		t.Skip("statfs unavailable")
	}
	e.h.Disk = disk

	var health struct {
		Status string `json:"status"`
		Disk   string `json:"disk"`
	}
	decode(t, e.do(t, http.MethodGet, "/healthz", "", nil), &health)
	if health.Status != "degraded" || health.Disk != "critical" {
		t.Errorf("healthz = %+v, want degraded/critical", health)
	}

	var stats statsResponse
	decode(t, e.do(t, http.MethodGet, "/api/v1/admin/stats", bearer(t, "root", auth.RoleAdmin), nil), &stats)
	if stats.Disk == nil || stats.Disk.Level != "critical" {
		t.Errorf("stats.Disk = %+v", stats.Disk)
	}
}
