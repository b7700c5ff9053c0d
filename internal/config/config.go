package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string
	DataDir    string
	LogLevel   string
	TrustProxy bool

	YTDLPPath             string
	CookiesFile           string
	ExtractAttemptTimeout time.Duration
	ExtractTotalBudget    time.Duration
	ExtractMaxAttempts    int
	RetryableKinds        []string

	WorkerCount         int
	TrackingWorkerCount int
	QueueCapacity       int
	JobDedupWindow      time.Duration
	JobRetention        time.Duration
	JobArchiveRetention time.Duration

	TokenTTL            time.Duration
	TokenMaxTTL         time.Duration
	TokenMaxActive      int
	TokenAuditRetention time.Duration
	TokenMaxAccess      int

	TokenCreateLimit  int
	TokenCreateWindow time.Duration
	StreamTokenLimit  int
	StreamIPLimit     int
	StreamWindow      time.Duration
	APIRequestLimit   int
	APIWindow         time.Duration

	StreamKillGrace   time.Duration
	StreamBufferBytes int

	CleanupInterval  time.Duration
	SnapshotInterval time.Duration

	DiskWarnPercent     float64
	DiskCriticalPercent float64
	DiskPollInterval    time.Duration

	RedisURL        string
	CacheTTL        time.Duration
	CacheMaxEntries int

	JWTSecret    string
	MetricsToken string

	WebhookSecret        string
	WebhookRetryInterval time.Duration
}

func Load() *Config {
	return &Config{
		ListenAddr: envOr("LISTEN_ADDR", ":8080"),
		BaseURL:    strings.TrimRight(envOr("BASE_URL", "http://localhost:8080"), "/"),
		DataDir:    envOr("DATA_DIR", "./data"),
		LogLevel:   envOr("LOG_LEVEL", "info"),
		TrustProxy: envBoolOr("TRUST_PROXY", false),

		YTDLPPath:             envOr("YTDLP_PATH", "yt-dlp"),
		CookiesFile:           envOr("COOKIES_FILE", ""),
		ExtractAttemptTimeout: envDurationOr("EXTRACT_ATTEMPT_TIMEOUT", 40*time.Second),
		ExtractTotalBudget:    envDurationOr("EXTRACT_TOTAL_BUDGET", 90*time.Second),
		ExtractMaxAttempts:    envIntOr("EXTRACT_MAX_ATTEMPTS", 3),
		RetryableKinds:        envListOr("EXTRACT_RETRYABLE_KINDS", []string{"network_error", "timeout", "rate_limited", "auth_required"}),

		WorkerCount:         envIntOr("WORKER_COUNT", 4),
		TrackingWorkerCount: envIntOr("TRACKING_WORKER_COUNT", 1),
		QueueCapacity:       envIntOr("QUEUE_CAPACITY", 256),
		JobDedupWindow:      envDurationOr("JOB_DEDUP_WINDOW", 2*time.Minute),
		JobRetention:        envDurationOr("JOB_RETENTION", time.Hour),
		JobArchiveRetention: envDurationOr("JOB_ARCHIVE_RETENTION", 24*time.Hour),

		TokenTTL:            envDurationOr("TOKEN_TTL", 30*time.Minute),
		TokenMaxTTL:         envDurationOr("TOKEN_MAX_TTL", 6*time.Hour),
		TokenMaxActive:      envIntOr("TOKEN_MAX_ACTIVE", 20),
		TokenAuditRetention: envDurationOr("TOKEN_AUDIT_RETENTION", 24*time.Hour),
		TokenMaxAccess:      envIntOr("TOKEN_MAX_ACCESS", 50),

		TokenCreateLimit:  envIntOr("TOKEN_CREATE_LIMIT", 10),
		TokenCreateWindow: envDurationOr("TOKEN_CREATE_WINDOW", time.Minute),
		StreamTokenLimit:  envIntOr("STREAM_TOKEN_LIMIT", 5),
		StreamIPLimit:     envIntOr("STREAM_IP_LIMIT", 30),
		StreamWindow:      envDurationOr("STREAM_WINDOW", time.Minute),
		APIRequestLimit:   envIntOr("API_REQUEST_LIMIT", 120),
		APIWindow:         envDurationOr("API_WINDOW", time.Minute),

		StreamKillGrace:   envDurationOr("STREAM_KILL_GRACE", 3*time.Second),
		StreamBufferBytes: envIntOr("STREAM_BUFFER_BYTES", 64*1024),

		CleanupInterval:  envDurationOr("CLEANUP_INTERVAL", 5*time.Minute),
		SnapshotInterval: envDurationOr("SNAPSHOT_INTERVAL", time.Minute),

		DiskWarnPercent:     envFloatOr("DISK_WARN_PERCENT", 15),
		DiskCriticalPercent: envFloatOr("DISK_CRITICAL_PERCENT", 5),
		DiskPollInterval:    envDurationOr("DISK_POLL_INTERVAL", time.Minute),

		RedisURL:        envOr("REDIS_URL", ""),
		CacheTTL:        envDurationOr("CACHE_TTL", 30*time.Minute),
		CacheMaxEntries: envIntOr("CACHE_MAX_ENTRIES", 10000),

		JWTSecret:    envOr("JWT_SECRET", ""),
		MetricsToken: envOr("METRICS_TOKEN", ""),

		WebhookSecret:        envOr("WEBHOOK_SECRET", ""),
		WebhookRetryInterval: envDurationOr("WEBHOOK_RETRY_INTERVAL", 10*time.Second),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envListOr splits a comma-separated value, dropping empty items.
func envListOr(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
