// Package webhook posts analysis results to caller-supplied callback URLs.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YannKr/streamgate/internal/model"
)

const EventAnalysisFinished = "analysis.finished"

// SignatureHeader carries "sha256=<hex hmac>" of the body when a secret is
// configured.
const SignatureHeader = "X-Streamgate-Signature"

var backoffSchedule = []time.Duration{
	10 * time.Second,
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

// Target is the analysis job payload naming where to report the result.
type Target struct {
	URL string
}

// ValidateURL accepts absolute http(s) callback URLs.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("callback URL must be an absolute http(s) URL")
	}
	return nil
}

type Event struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

type jobData struct {
	JobID     string               `json:"jobId"`
	URL       string               `json:"url"`
	Status    string               `json:"status"`
	ErrorKind string               `json:"errorKind,omitempty"`
	Error     string               `json:"error,omitempty"`
	Result    *model.VideoMetadata `json:"result,omitempty"`
}

type delivery struct {
	url       string
	eventType string
	payload   []byte
	attempt   int
	nextAt    time.Time
}

// Dispatcher delivers events once right away and keeps failed deliveries
// for the Retrier until the backoff schedule is exhausted.
type Dispatcher struct {
	Secret []byte
	Client *http.Client

	mu      sync.Mutex
	pending []*delivery
	wg      sync.WaitGroup
	now     func() time.Time
}

func New(secret string) *Dispatcher {
	return &Dispatcher{
		Secret: []byte(secret),
		Client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// JobFinished reports a terminal analysis job whose payload is a *Target.
// Other jobs are ignored.
func (d *Dispatcher) JobFinished(job model.AnalysisJob, payload any) {
	t, ok := payload.(*Target)
	if !ok || t == nil || t.URL == "" {
		return
	}
	data := jobData{
		JobID:  job.ID,
		URL:    job.URL,
		Status: string(job.State),
		Result: job.Result,
	}
	if job.State == model.JobFailed {
		data.ErrorKind, data.Error = job.ErrorKind, job.Error
	}
	d.Dispatch(t.URL, EventAnalysisFinished, data)
}

func (d *Dispatcher) Dispatch(target, eventType string, data any) {
	if d == nil {
		return
	}
	event := Event{
		EventType: eventType,
		EventID:   uuid.New().String(),
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("webhook marshal", "error", err)
		return
	}
	dl := &delivery{url: target, eventType: eventType, payload: payload, attempt: 1}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.attempt(dl)
	}()
}

// Pending is the number of deliveries waiting for a retry.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Wait blocks until in-flight first attempts have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) attempt(dl *delivery) {
	status, preview, err := postWebhook(d.Client, dl.url, d.Secret, dl.payload)
	if err == nil {
		slog.Info("webhook delivered", "url", dl.url, "event", dl.eventType, "status", status)
		return
	}
	idx := dl.attempt - 1
	if idx >= len(backoffSchedule) {
		slog.Warn("webhook exhausted", "url", dl.url, "event", dl.eventType, "attempts", dl.attempt,
			"error", err, "response", preview)
		return
	}
	dl.nextAt = d.now().Add(backoffSchedule[idx])
	slog.Warn("webhook failed, will retry", "url", dl.url, "event", dl.eventType,
		"attempt", dl.attempt, "next_retry", dl.nextAt, "error", err)
	d.mu.Lock()
	d.pending = append(d.pending, dl)
	d.mu.Unlock()
}

// due removes and returns deliveries whose retry time has come.
func (d *Dispatcher) due() []*delivery {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*delivery
	kept := d.pending[:0]
	for _, dl := range d.pending {
		if !now.Before(dl.nextAt) {
			out = append(out, dl)
		} else {
			kept = append(kept, dl)
		}
	}
	d.pending = kept
	return out
}

func postWebhook(client *http.Client, target string, secret, payload []byte) (statusCode int, preview string, err error) {
	req, reqErr := http.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if reqErr != nil {
		return 0, "", fmt.Errorf("create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(secret, payload))
	}

	resp, respErr := client.Do(req)
	if respErr != nil {
		return 0, "", fmt.Errorf("post: %w", respErr)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
	if resp.StatusCode >= 400 {
		return resp.StatusCode, string(body), fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, string(body), nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
