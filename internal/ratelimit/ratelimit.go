// Package ratelimit holds keyed limiters: fixed-window counters for token
// creation and the stream endpoint, token buckets for general API traffic.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/YannKr/streamgate/internal/apierr"
)

const shardCount = 16

// Kind selects how a Limiter counts.
type Kind int

const (
	// FixedWindow admits at most limit units per key in each window, where a
	// key's window opens with its first unit. Quota never returns early.
	FixedWindow Kind = iota
	// Bucket is a token bucket of size limit refilled at limit per window.
	// It smooths general API traffic and may admit more than limit units
	// inside a single window.
	Bucket
)

type visitor struct {
	bucket      *rate.Limiter
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

type shard struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

type Limiter struct {
	scope  string
	kind   Kind
	limit  int
	window time.Duration
	shards [shardCount]*shard
	now    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// New returns a fixed-window limiter.
func New(scope string, limit int, window time.Duration) *Limiter {
	return newLimiter(scope, FixedWindow, limit, window)
}

// NewBucket returns a token-bucket limiter.
func NewBucket(scope string, limit int, window time.Duration) *Limiter {
	return newLimiter(scope, Bucket, limit, window)
}

func newLimiter(scope string, kind Kind, limit int, window time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		scope:  scope,
		kind:   kind,
		limit:  limit,
		window: window,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{visitors: make(map[string]*visitor)}
	}
	return l
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// Reserve takes one unit for key. When the key is over its limit nothing is
// taken and a RateLimited error carries the wait.
func (l *Limiter) Reserve(key string) (*Reservation, error) {
	if l.kind == Bucket {
		return l.reserveBucket(key)
	}
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{windowStart: now}
		s.visitors[key] = v
	}
	v.lastSeen = now
	if end := v.windowStart.Add(l.window); !now.Before(end) {
		v.windowStart, v.count = now, 0
	}
	if v.count >= l.limit {
		return nil, apierr.RateLimited(l.scope, v.windowStart.Add(l.window).Sub(now))
	}
	v.count++
	return &Reservation{held: []held{{l: l, key: key, windowStart: v.windowStart}}}, nil
}

func (l *Limiter) reserveBucket(key string) (*Reservation, error) {
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(rate.Limit(float64(l.limit)/l.window.Seconds()), l.limit)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	b := v.bucket
	s.mu.Unlock()

	r := b.ReserveN(now, 1)
	if !r.OK() {
		return nil, apierr.RateLimited(l.scope, l.window)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return nil, apierr.RateLimited(l.scope, delay)
	}
	return &Reservation{held: []held{{r: r, at: now}}}, nil
}

// release hands one unit back to key, provided its window has not rolled
// over since the unit was taken.
func (l *Limiter) release(key string, windowStart time.Time) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.visitors[key]; ok && v.windowStart.Equal(windowStart) && v.count > 0 {
		v.count--
	}
}

// Evict drops keys idle for longer than two windows and reports how many.
func (l *Limiter) Evict() int {
	cutoff := l.now().Add(-2 * l.window)
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for k, v := range s.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(s.visitors, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.visitors)
		s.mu.Unlock()
	}
	return n
}

// Start runs eviction in the background until Stop.
func (l *Limiter) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Evict()
			case <-l.done:
				return
			}
		}
	}()
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

type held struct {
	// fixed window
	l           *Limiter
	key         string
	windowStart time.Time

	// bucket
	r  *rate.Reservation
	at time.Time
}

// Reservation is a unit of quota already taken. Cancel hands it back, which
// callers do when the request fails validation after the limit check.
type Reservation struct {
	held []held
}

// Cancel returns every held unit. Bucket units are cancelled at their own
// timestamp; rate.Reservation ignores cancels dated after the moment it could
// act.
func (r *Reservation) Cancel() {
	if r == nil {
		return
	}
	for _, h := range r.held {
		if h.r != nil {
			h.r.CancelAt(h.at)
			continue
		}
		h.l.release(h.key, h.windowStart)
	}
	r.held = nil
}
