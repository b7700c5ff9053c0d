package model

import (
	"strconv"
	"time"
)

// VideoFormat is one downloadable rendition reported by the extractor.
type VideoFormat struct {
	FormatID     string   `json:"format_id"`
	Ext          string   `json:"ext"`
	Width        *int     `json:"width"`
	Height       *int     `json:"height"`
	FPS          *float64 `json:"fps"`
	HasVideo     bool     `json:"has_video"`
	HasAudio     bool     `json:"has_audio"`
	FileSize     int64    `json:"filesize"`
	QualityLabel string   `json:"quality"`
	Protocol     string   `json:"protocol"`

	// Direct source, never returned to clients.
	URL     string            `json:"-"`
	Headers map[string]string `json:"-"`
}

// Resolution returns "WxH" or "" when the format carries no video dimensions.
func (f VideoFormat) Resolution() string {
	if f.Width == nil || f.Height == nil {
		return ""
	}
	return strconv.Itoa(*f.Width) + "x" + strconv.Itoa(*f.Height)
}

// Progressive reports whether the format is a single file reachable over plain
// HTTP(S), which is the only case where a byte range can be resumed upstream.
func (f VideoFormat) Progressive() bool {
	return f.URL != "" && (f.Protocol == "https" || f.Protocol == "http")
}

type VideoMetadata struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Uploader   string        `json:"uploader,omitempty"`
	Duration   float64       `json:"duration"`
	Thumbnail  string        `json:"thumbnail,omitempty"`
	WebpageURL string        `json:"webpage_url"`
	Platform   string        `json:"platform"`
	Formats    []VideoFormat `json:"formats"`
}

// Format looks up a format by id.
func (m *VideoMetadata) Format(id string) (VideoFormat, bool) {
	if m == nil {
		return VideoFormat{}, false
	}
	for _, f := range m.Formats {
		if f.FormatID == id {
			return f, true
		}
	}
	return VideoFormat{}, false
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type AnalysisJob struct {
	ID         string
	Queue      string
	UserID     string
	URL        string
	State      JobState
	Progress   int
	Result     *VideoMetadata
	Error      string
	ErrorKind  string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type StreamToken struct {
	Value           string
	UserID          string
	VideoURL        string
	FormatID        string
	Title           string
	Ext             string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	AccessCount     int
	LastAccessAt    *time.Time
	Used            bool
	Revoked         bool
	Fingerprint     string
	BindFingerprint bool
	Resumable       bool
}

// Expired reports whether the token's lifetime has elapsed at now.
func (t *StreamToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Active reports whether the token can still authorize a stream.
func (t *StreamToken) Active(now time.Time) bool {
	return !t.Used && !t.Revoked && !t.Expired(now)
}

// ExtractionAttempt records one extractor invocation inside the fallback loop.
type ExtractionAttempt struct {
	Strategy  string
	StartedAt time.Time
	Duration  time.Duration
	Kind      string
	Err       string
}

// StreamSession is the persisted outcome of one relay.
type StreamSession struct {
	ID          string
	TokenPrefix string
	UserID      string
	VideoURL    string
	FormatID    string
	ClientIP    string
	Success     bool
	Started     bool
	BytesSent   int64
	Duration    time.Duration
	Error       string
	CreatedAt   time.Time
}

type APIKey struct {
	ID         string
	UserID     string
	Role       string
	Name       string
	KeyPrefix  string
	KeyHash    string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// PerformanceSnapshot is a point-in-time copy of the aggregated stream metrics.
type PerformanceSnapshot struct {
	CapturedAt     time.Time      `json:"captured_at"`
	ActiveStreams  int            `json:"active_streams"`
	TotalStreams   int64          `json:"total_streams"`
	FailedStreams  int64          `json:"failed_streams"`
	ErrorRate      float64        `json:"error_rate"`
	ActiveTokens   int            `json:"active_tokens"`
	TotalTokens    int64          `json:"total_tokens"`
	QueueDepths    map[string]int `json:"queue_depths"`
	MeanDurationMS float64        `json:"mean_duration_ms"`
	P95DurationMS  float64        `json:"p95_duration_ms"`
	MeanThroughput float64        `json:"mean_throughput_bps"`
}
