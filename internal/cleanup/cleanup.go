// Package cleanup runs the periodic sweep over tokens, finished jobs, idle
// rate limiter keys and stale cache entries.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/YannKr/streamgate/internal/token"
)

type TokenSweeper interface {
	Sweep(now time.Time) token.SweepResult
}

type JobCleaner interface {
	Name() string
	Cleanup(now time.Time) int
}

type Evictor interface {
	Evict() int
}

type Purger interface {
	Purge() int
}

// Report summarizes one sweep.
type Report struct {
	RanAt         time.Time      `json:"ran_at"`
	TokensExpired int            `json:"tokens_expired"`
	TokensPurged  int            `json:"tokens_purged"`
	JobsRemoved   map[string]int `json:"jobs_removed"`
	LimiterKeys   int            `json:"limiter_keys_evicted"`
	CacheEntries  int            `json:"cache_entries_purged"`
}

type Cleaner struct {
	Tokens   TokenSweeper
	Queues   []JobCleaner
	Limiters Evictor
	Cache    Purger
	Interval time.Duration

	mu     sync.Mutex
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Cleaner) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx)
	slog.Info("cleanup scheduler started", "interval", c.Interval)
}

func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	slog.Info("cleanup scheduler stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}

// RunOnce sweeps everything now. Concurrent calls run one after another.
func (c *Cleaner) RunOnce() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.now != nil {
		now = c.now()
	}
	r := Report{RanAt: now, JobsRemoved: make(map[string]int, len(c.Queues))}
	if c.Tokens != nil {
		res := c.Tokens.Sweep(now)
		r.TokensExpired, r.TokensPurged = res.Expired, res.Purged
	}
	for _, q := range c.Queues {
		r.JobsRemoved[q.Name()] = q.Cleanup(now)
	}
	if c.Limiters != nil {
		r.LimiterKeys = c.Limiters.Evict()
	}
	if c.Cache != nil {
		r.CacheEntries = c.Cache.Purge()
	}

	slog.Info("cleanup: sweep finished",
		"tokens_expired", r.TokensExpired,
		"tokens_purged", r.TokensPurged,
		"jobs_removed", r.JobsRemoved,
		"limiter_keys", r.LimiterKeys,
		"cache_entries", r.CacheEntries,
	)
	return r
}
