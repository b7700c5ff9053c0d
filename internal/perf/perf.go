// Package perf aggregates stream, queue, token and extraction counters and
// keeps periodic snapshots of them.
package perf

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/model"
)

// StreamResult is what the proxy reports when a relay ends.
type StreamResult struct {
	Success   bool
	Started   bool
	BytesSent int64
	Duration  time.Duration
}

type Options struct {
	// Window is the number of recent streams the error rate and the
	// duration statistics are computed over.
	Window int
	// History is the number of snapshots kept in memory.
	History int
	// Retention bounds persisted snapshots.
	Retention time.Duration
}

// Aggregator is the only writer of its counters; other components call the
// single-purpose methods below.
type Aggregator struct {
	mu sync.Mutex

	activeStreams int
	totalStreams  int64
	failedStreams int64
	interrupted   int64
	bytesSent     int64

	recent []StreamResult
	next   int
	filled bool

	queueDepths  map[string]int
	activeTokens int
	totalTokens  int64

	attempts map[string]int64

	snapshots []model.PerformanceSnapshot

	opts     Options
	database *sql.DB
	metrics  *metrics
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an aggregator. database may be nil, in which case history is
// served from memory only.
func New(database *sql.DB, opts Options) *Aggregator {
	if opts.Window < 1 {
		opts.Window = 100
	}
	if opts.History < 1 {
		opts.History = 1440
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	a := &Aggregator{
		recent:      make([]StreamResult, opts.Window),
		queueDepths: make(map[string]int),
		attempts:    make(map[string]int64),
		opts:        opts,
		database:    database,
		now:         time.Now,
	}
	a.metrics = newMetrics(a)
	return a
}

func (a *Aggregator) StreamStarted() {
	a.mu.Lock()
	a.activeStreams++
	a.mu.Unlock()
}

func (a *Aggregator) StreamFinished(r StreamResult) {
	a.mu.Lock()
	if a.activeStreams > 0 {
		a.activeStreams--
	}
	a.totalStreams++
	a.bytesSent += r.BytesSent
	if !r.Success {
		a.failedStreams++
		if r.Started {
			a.interrupted++
		}
	}
	a.recent[a.next] = r
	a.next = (a.next + 1) % len(a.recent)
	if a.next == 0 {
		a.filled = true
	}
	a.mu.Unlock()

	a.metrics.observeStream(r)
}

func (a *Aggregator) QueueEnqueued(name string) {
	a.mu.Lock()
	a.queueDepths[name]++
	a.mu.Unlock()
}

func (a *Aggregator) QueueDequeued(name string) {
	a.mu.Lock()
	if a.queueDepths[name] > 0 {
		a.queueDepths[name]--
	}
	a.mu.Unlock()
}

func (a *Aggregator) TokenIssued() {
	a.mu.Lock()
	a.activeTokens++
	a.totalTokens++
	a.mu.Unlock()
}

func (a *Aggregator) TokenRetired() {
	a.mu.Lock()
	if a.activeTokens > 0 {
		a.activeTokens--
	}
	a.mu.Unlock()
}

func (a *Aggregator) ExtractionAttempt(at model.ExtractionAttempt) {
	kind := at.Kind
	if kind == "" {
		kind = "ok"
	}
	a.mu.Lock()
	a.attempts[kind]++
	a.mu.Unlock()

	a.metrics.observeAttempt(at.Strategy, kind, at.Duration)
}

func (a *Aggregator) recentLocked() []StreamResult {
	if a.filled {
		return a.recent
	}
	return a.recent[:a.next]
}

// ErrorRate is the share of failed streams among the most recent ones.
func (a *Aggregator) ErrorRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return errorRate(a.recentLocked())
}

func errorRate(rs []StreamResult) float64 {
	if len(rs) == 0 {
		return 0
	}
	failed := 0
	for _, r := range rs {
		if !r.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(rs))
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() model.PerformanceSnapshot {
	a.mu.Lock()
	recent := append([]StreamResult(nil), a.recentLocked()...)
	s := model.PerformanceSnapshot{
		CapturedAt:    a.now().UTC(),
		ActiveStreams: a.activeStreams,
		TotalStreams:  a.totalStreams,
		FailedStreams: a.failedStreams,
		ActiveTokens:  a.activeTokens,
		TotalTokens:   a.totalTokens,
		QueueDepths:   make(map[string]int, len(a.queueDepths)),
	}
	for k, v := range a.queueDepths {
		s.QueueDepths[k] = v
	}
	a.mu.Unlock()

	s.ErrorRate = errorRate(recent)
	s.MeanDurationMS, s.P95DurationMS, s.MeanThroughput = durationStats(recent)
	return s
}

// durationStats summarizes completed streams: mean and p95 duration in
// milliseconds and mean throughput in bytes per second.
func durationStats(rs []StreamResult) (mean, p95, throughput float64) {
	var durations, rates []float64
	for _, r := range rs {
		if !r.Started || r.Duration <= 0 {
			continue
		}
		durations = append(durations, float64(r.Duration.Milliseconds()))
		rates = append(rates, float64(r.BytesSent)/r.Duration.Seconds())
	}
	if len(durations) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(durations, nil)
	throughput = stat.Mean(rates, nil)
	sort.Float64s(durations)
	p95 = stat.Quantile(0.95, stat.Empirical, durations, nil)
	return mean, p95, throughput
}

// Counters returns extraction attempt counts by outcome kind.
func (a *Aggregator) Counters() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.attempts)+3)
	for k, v := range a.attempts {
		out["extraction_"+k] = v
	}
	out["streams_interrupted"] = a.interrupted
	out["bytes_sent"] = a.bytesSent
	return out
}

// Capture records a snapshot in memory and, when configured, in the
// database.
func (a *Aggregator) Capture() model.PerformanceSnapshot {
	s := a.Snapshot()
	a.mu.Lock()
	a.snapshots = append(a.snapshots, s)
	if over := len(a.snapshots) - a.opts.History; over > 0 {
		a.snapshots = append([]model.PerformanceSnapshot(nil), a.snapshots[over:]...)
	}
	a.mu.Unlock()

	if a.database != nil {
		if err := db.InsertSnapshot(a.database, &s); err != nil {
			slog.Error("persist snapshot", "error", err)
		}
		if _, err := db.DeleteSnapshotsBefore(a.database, s.CapturedAt.Add(-a.opts.Retention)); err != nil {
			slog.Error("prune snapshots", "error", err)
		}
	}
	return s
}

// History returns snapshots captured at or after since, oldest first.
func (a *Aggregator) History(since time.Time) ([]model.PerformanceSnapshot, error) {
	if a.database != nil {
		return db.ListSnapshotsSince(a.database, since, a.opts.History)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.PerformanceSnapshot
	for _, s := range a.snapshots {
		if !s.CapturedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Start captures a snapshot every interval until Stop.
func (a *Aggregator) Start(ctx context.Context, interval time.Duration) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Capture()
			}
		}
	}()
}

// Stop ends the snapshot loop and records a final snapshot.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Capture()
}
