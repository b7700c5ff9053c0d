// Package diskstat watches free space on the volume holding DATA_DIR.
package diskstat

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// Level classifies free space against the configured thresholds.
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "ok"
	}
}

// Stats is one reading of the data volume.
type Stats struct {
	TotalBytes    uint64    `json:"total_bytes"`
	FreeBytes     uint64    `json:"free_bytes"`
	DatabaseBytes uint64    `json:"database_bytes"` // everything under DATA_DIR
	CapturedAt    time.Time `json:"captured_at"`
}

// FreePercent is 100 when the volume size is unknown.
func (s Stats) FreePercent() float64 {
	if s.TotalBytes == 0 {
		return 100
	}
	return float64(s.FreeBytes) / float64(s.TotalBytes) * 100
}

// Classify compares free space with the warning and critical percentages.
func (s Stats) Classify(warnPct, criticalPct float64) Level {
	switch pct := s.FreePercent(); {
	case pct <= criticalPct:
		return LevelCritical
	case pct <= warnPct:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Watcher keeps the latest Stats for dir, refreshed every Interval.
type Watcher struct {
	Dir         string
	Interval    time.Duration
	WarnPct     float64
	CriticalPct float64

	mu     sync.RWMutex
	stats  Stats
	level  Level
	cancel context.CancelFunc
	done   chan struct{}
}

// Start takes a first reading synchronously, then polls until Stop.
func (w *Watcher) Start(ctx context.Context) {
	if w.Interval <= 0 {
		w.Interval = time.Minute
	}
	w.Refresh()
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.Refresh()
			}
		}
	}()
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// Get returns the latest reading and its level.
func (w *Watcher) Get() (Stats, Level) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats, w.level
}

// Refresh reads the volume now. A failed statfs keeps the previous reading.
// Level changes are logged.
func (w *Watcher) Refresh() {
	total, free, err := statFS(w.Dir)
	if err != nil {
		slog.Debug("diskstat: statfs failed", "dir", w.Dir, "error", err)
		return
	}
	s := Stats{
		TotalBytes:    total,
		FreeBytes:     free,
		DatabaseBytes: dirSize(w.Dir),
		CapturedAt:    time.Now(),
	}
	level := s.Classify(w.WarnPct, w.CriticalPct)

	w.mu.Lock()
	prev := w.level
	w.stats, w.level = s, level
	w.mu.Unlock()

	if level != prev {
		slog.Warn("data volume free space changed level", "dir", w.Dir, "level", level.String(),
			"free_pct", s.FreePercent())
	}
}

func dirSize(dir string) uint64 {
	var total uint64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
