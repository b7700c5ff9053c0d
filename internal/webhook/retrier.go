package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultRetryConcurrency = 4

// Retrier redelivers failed webhooks once their backoff has elapsed.
type Retrier struct {
	D           *Dispatcher
	Interval    time.Duration
	Concurrency int

	cancel context.CancelFunc
	done   chan struct{}
}

func (r *Retrier) Start(ctx context.Context) {
	if r.Interval <= 0 {
		r.Interval = 10 * time.Second
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.runOnce(); n > 0 {
					slog.Debug("webhook retries attempted", "count", n)
				}
			}
		}
	}()
	slog.Info("webhook retrier started", "interval", r.Interval)
}

// Stop ends the loop after the current round. Deliveries still pending are
// dropped.
func (r *Retrier) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	if n := r.D.Pending(); n > 0 {
		slog.Warn("webhook retrier stopped with pending deliveries", "pending", n)
	}
}

// runOnce attempts every due delivery, at most Concurrency at a time, and
// returns how many it attempted.
func (r *Retrier) runOnce() int {
	due := r.D.due()
	if len(due) == 0 {
		return 0
	}
	limit := r.Concurrency
	if limit <= 0 {
		limit = defaultRetryConcurrency
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, dl := range due {
		dl.attempt++
		sem <- struct{}{}
		wg.Add(1)
		go func(dl *delivery) {
			defer func() {
				<-sem
				wg.Done()
			}()
			r.D.attempt(dl)
		}(dl)
	}
	wg.Wait()
	return len(due)
}
