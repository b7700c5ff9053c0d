package cleanup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/YannKr/streamgate/internal/token"
)

type fakeTokens struct{ calls atomic.Int32 }

func (f *fakeTokens) Sweep(now time.Time) token.SweepResult {
	f.calls.Add(1)
	return token.SweepResult{Expired: 2, Purged: 1}
}

type fakeQueue struct {
	name string
	seen time.Time
}

func (f *fakeQueue) Name() string { return f.name }
func (f *fakeQueue) Cleanup(now time.Time) int {
	f.seen = now
	return 3
}

type counter int

func (c counter) Evict() int { return int(c) }
func (c counter) Purge() int { return int(c) }

func TestRunOnce(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	q := &fakeQueue{name: "analysis"}
	c := &Cleaner{
		Tokens:   &fakeTokens{},
		Queues:   []JobCleaner{q},
		Limiters: counter(4),
		Cache:    counter(5),
		now:      func() time.Time { return now },
	}
	r := c.RunOnce()
	if r.TokensExpired != 2 || r.TokensPurged != 1 {
		t.Errorf("tokens = %d/%d, want 2/1", r.TokensExpired, r.TokensPurged)
	}
	if r.JobsRemoved["analysis"] != 3 || !q.seen.Equal(now) {
		t.Errorf("jobs = %v, seen %v", r.JobsRemoved, q.seen)
	}
	if r.LimiterKeys != 4 || r.CacheEntries != 5 {
		t.Errorf("limiters=%d cache=%d", r.LimiterKeys, r.CacheEntries)
	}
	if !r.RanAt.Equal(now) {
		t.Errorf("RanAt = %v", r.RanAt)
	}
}

func TestRunOnceWithNothingWired(t *testing.T) {
	c := &Cleaner{}
	r := c.RunOnce()
	if len(r.JobsRemoved) != 0 || r.TokensExpired != 0 {
		t.Errorf("report = %+v", r)
	}
}

func TestScheduledSweep(t *testing.T) {
	tokens := &fakeTokens{}
	c := &Cleaner{Tokens: tokens, Interval: 10 * time.Millisecond}
	c.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for tokens.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	after := tokens.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if tokens.calls.Load() != after {
		t.Error("sweeps continued after Stop")
	}
}
