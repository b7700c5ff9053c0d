// Package cache keeps recently resolved video metadata so repeated analyses
// and stream token creation skip the extractor. L1 is process memory; L2 is
// an optional Redis instance shared between replicas.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YannKr/streamgate/internal/model"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Cache is a two-tier metadata cache. The zero value is not usable; call New.
type Cache struct {
	l1         sync.Map // key -> *entry
	rdb        *redis.Client
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a cache. redisURL may be empty to run memory-only; an invalid or
// unreachable Redis disables L2 with a warning instead of failing startup.
func New(redisURL string, ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{ttl: ttl, maxEntries: maxEntries, now: time.Now}
	if redisURL == "" {
		return c
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Warn("cache: invalid redis URL, L2 disabled", "error", err)
		return c
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("cache: redis unreachable, L2 disabled", "error", err)
		rdb.Close()
		return c
	}
	c.rdb = rdb
	slog.Info("cache: L2 redis connected", "addr", opts.Addr)
	return c
}

// Key derives the cache key for a source URL. Scheme and host case, a
// trailing slash and the fragment do not change the key.
func Key(rawURL string) string {
	norm := strings.TrimSpace(rawURL)
	if u, err := url.Parse(norm); err == nil && u.Host != "" {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		u.Fragment = ""
		u.Path = strings.TrimRight(u.Path, "/")
		norm = u.String()
	}
	sum := sha256.Sum256([]byte(norm))
	return fmt.Sprintf("sg:meta:%x", sum[:12])
}

// Get returns cached metadata for rawURL. An L2 hit repopulates L1.
func (c *Cache) Get(ctx context.Context, rawURL string) (*model.VideoMetadata, bool) {
	key := Key(rawURL)
	if v, ok := c.l1.Load(key); ok {
		e := v.(*entry)
		if c.now().Before(e.expiresAt) {
			if meta, err := unmarshalMetadata(e.data); err == nil {
				c.hits.Add(1)
				return meta, true
			}
		}
		c.l1.Delete(key)
	}

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			if meta, err := unmarshalMetadata(data); err == nil {
				c.hits.Add(1)
				c.l1.Store(key, &entry{data: data, expiresAt: c.now().Add(c.ttl)})
				return meta, true
			}
		} else if err != redis.Nil {
			slog.Debug("cache: L2 get failed", "error", err)
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put stores meta under rawURL in both tiers, direct format URLs included.
func (c *Cache) Put(ctx context.Context, rawURL string, meta *model.VideoMetadata) {
	if meta == nil {
		return
	}
	data, err := marshalMetadata(meta)
	if err != nil {
		slog.Warn("cache: marshal metadata", "error", err)
		return
	}
	key := Key(rawURL)
	c.evictIfNeeded()
	c.l1.Store(key, &entry{data: data, expiresAt: c.now().Add(c.ttl)})
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			slog.Debug("cache: L2 set failed", "error", err)
		}
	}
}

// Invalidate drops rawURL from both tiers.
func (c *Cache) Invalidate(ctx context.Context, rawURL string) {
	key := Key(rawURL)
	c.l1.Delete(key)
	if c.rdb != nil {
		c.rdb.Del(ctx, key)
	}
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len counts L1 entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	c.l1.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Purge removes expired L1 entries and returns how many were dropped.
func (c *Cache) Purge() int {
	now := c.now()
	n := 0
	c.l1.Range(func(k, v any) bool {
		if e := v.(*entry); !now.Before(e.expiresAt) {
			c.l1.Delete(k)
			n++
		}
		return true
	})
	return n
}

// Close releases the Redis client.
func (c *Cache) Close() {
	if c.rdb != nil {
		c.rdb.Close()
	}
}

// evictIfNeeded makes room for one more entry: expired entries go first,
// then the ones closest to expiry.
func (c *Cache) evictIfNeeded() {
	if c.maxEntries <= 0 {
		return
	}
	count := c.Len()
	if count < c.maxEntries {
		return
	}
	count -= c.Purge()
	for count >= c.maxEntries {
		var oldestKey any
		var oldestAt time.Time
		c.l1.Range(func(k, v any) bool {
			e := v.(*entry)
			if oldestKey == nil || e.expiresAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.expiresAt
			}
			return true
		})
		if oldestKey == nil {
			return
		}
		c.l1.Delete(oldestKey)
		count--
	}
}

// cachedFormat and cachedMetadata keep the direct format URLs and headers,
// which the public JSON encoding hides.
type cachedFormat struct {
	model.VideoFormat
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type cachedMetadata struct {
	model.VideoMetadata
	Formats []cachedFormat `json:"formats"`
}

func marshalMetadata(meta *model.VideoMetadata) ([]byte, error) {
	cm := cachedMetadata{VideoMetadata: *meta}
	cm.Formats = make([]cachedFormat, len(meta.Formats))
	for i, f := range meta.Formats {
		cm.Formats[i] = cachedFormat{VideoFormat: f, URL: f.URL, Headers: f.Headers}
	}
	return json.Marshal(cm)
}

func unmarshalMetadata(data []byte) (*model.VideoMetadata, error) {
	var cm cachedMetadata
	if err := json.Unmarshal(data, &cm); err != nil {
		return nil, err
	}
	meta := cm.VideoMetadata
	meta.Formats = make([]model.VideoFormat, len(cm.Formats))
	for i, f := range cm.Formats {
		vf := f.VideoFormat
		vf.URL, vf.Headers = f.URL, f.Headers
		meta.Formats[i] = vf
	}
	return &meta, nil
}
