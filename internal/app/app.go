package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	streamgate "github.com/YannKr/streamgate"
	"github.com/YannKr/streamgate/internal/auth"
	"github.com/YannKr/streamgate/internal/cache"
	"github.com/YannKr/streamgate/internal/cleanup"
	"github.com/YannKr/streamgate/internal/config"
	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/diskstat"
	"github.com/YannKr/streamgate/internal/extractor"
	"github.com/YannKr/streamgate/internal/fallback"
	"github.com/YannKr/streamgate/internal/handler"
	"github.com/YannKr/streamgate/internal/perf"
	"github.com/YannKr/streamgate/internal/ratelimit"
	"github.com/YannKr/streamgate/internal/sse"
	"github.com/YannKr/streamgate/internal/stream"
	"github.com/YannKr/streamgate/internal/token"
	"github.com/YannKr/streamgate/internal/webhook"
	"github.com/YannKr/streamgate/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func Run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	// Open database
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, streamgate.MigrationFS); err != nil {
		return err
	}
	slog.Info("database ready")

	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, only API keys are accepted")
	}

	aggregator := perf.New(database, perf.Options{})

	metaCache := cache.New(cfg.RedisURL, cfg.CacheTTL, cfg.CacheMaxEntries)
	defer metaCache.Close()

	ext := extractor.New(cfg.YTDLPPath, cfg.CookiesFile, cfg.StreamKillGrace)
	if cfg.CookiesFile != "" && !ext.CookiesAvailable() {
		slog.Warn("cookies file missing or expired, cookie strategy disabled", "path", cfg.CookiesFile)
	}
	controller := fallback.New(ext, fallback.Options{
		MaxAttempts:    cfg.ExtractMaxAttempts,
		AttemptTimeout: cfg.ExtractAttemptTimeout,
		TotalBudget:    cfg.ExtractTotalBudget,
		RetryableKinds: cfg.RetryableKinds,
	})
	controller.OnAttempt = aggregator.ExtractionAttempt

	tokens := token.NewManager(token.SQLStore{DB: database}, token.Options{
		DefaultTTL: cfg.TokenTTL,
		MaxTTL:     cfg.TokenMaxTTL,
		MaxActive:  cfg.TokenMaxActive,
		Retention:  cfg.TokenAuditRetention,
		MaxAccess:  cfg.TokenMaxAccess,
	})
	tokens.SetObserver(aggregator)
	if err := tokens.Load(ctx); err != nil {
		return err
	}

	hub := sse.New()

	analysis := worker.New(worker.Options{
		Name:             worker.QueueAnalysis,
		Workers:          cfg.WorkerCount,
		Capacity:         cfg.QueueCapacity,
		DedupWindow:      cfg.JobDedupWindow,
		Retention:        cfg.JobRetention,
		ArchiveRetention: cfg.JobArchiveRetention,
	}, worker.Analyze(controller, metaCache), database, hub)
	analysis.SetObserver(aggregator)
	notifier := webhook.New(cfg.WebhookSecret)
	analysis.OnFinish(notifier.JobFinished)
	retrier := &webhook.Retrier{D: notifier, Interval: cfg.WebhookRetryInterval}

	tracking := worker.New(worker.Options{
		Name:      worker.QueueTracking,
		Workers:   cfg.TrackingWorkerCount,
		Capacity:  cfg.QueueCapacity,
		Retention: cfg.JobRetention,
	}, worker.TrackSessions(database), nil, nil)
	tracking.SetObserver(aggregator)

	gate := ratelimit.NewGate(cfg)
	proxy := stream.New(tokens, controller, ext, aggregator, tracking, cfg.StreamBufferBytes)

	cleaner := &cleanup.Cleaner{
		Tokens:   tokens,
		Queues:   []cleanup.JobCleaner{analysis, tracking},
		Limiters: gate,
		Cache:    metaCache,
		Interval: cfg.CleanupInterval,
	}

	disk := &diskstat.Watcher{
		Dir:         cfg.DataDir,
		Interval:    cfg.DiskPollInterval,
		WarnPct:     cfg.DiskWarnPercent,
		CriticalPct: cfg.DiskCriticalPercent,
	}

	// Background loops run on their own context so shutdown can stop them
	// in order after the HTTP server has drained.
	bg := context.Background()
	aggregator.Start(bg, cfg.SnapshotInterval)
	analysis.Start(bg)
	tracking.Start(bg)
	gate.Start(cfg.CleanupInterval)
	cleaner.Start(bg)
	retrier.Start(bg)
	disk.Start(bg)

	h := &handler.Handler{
		DB:       database,
		Cfg:      cfg,
		Auth:     auth.NewAuthenticator(database, cfg.JWTSecret, nil),
		Analysis: analysis,
		Tracking: tracking,
		Tokens:   tokens,
		Gate:     gate,
		Proxy:    proxy,
		Perf:     aggregator,
		Cache:    metaCache,
		Cleaner:  cleaner,
		SSE:      hub,
		Disk:     disk,
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	// Graceful shutdown, in dependency order.
	slog.Info("shutting down server")
	// Event streams would otherwise hold Shutdown until the timeout.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown timed out, closing connections", "error", err)
		srv.Close()
	}
	analysis.Stop()
	tracking.Stop()
	notifier.Wait()
	retrier.Stop()
	cleaner.Stop()
	gate.Stop()
	disk.Stop()
	tokens.Sweep(time.Now())
	aggregator.Stop()
	slog.Info("shutdown complete")
	return runErr
}
