package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/fibersync/internal/clock"
	"github.com/roach88/fibersync/internal/store"
)

// DefaultTTL is how long an entry is served as fresh.
const DefaultTTL = 5 * time.Minute

// Entry is one cached network response.
type Entry struct {
	Key       string
	Tags      []string
	Data      json.RawMessage
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Fresh reports whether e may be served without refetching.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache is the in-memory network-response cache with optional persistence
// for ephemeral keys. Expired entries are still returned by Get so readers
// can fall back to them while offline; Invalidate only marks them stale.
type Cache struct {
	policy *Policy
	store  *store.Store
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore enables persistence of entries the policy allows.
func WithStore(s *store.Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

// WithTTL sets how long entries stay fresh.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates an empty cache.
func New(policy *Policy, opts ...Option) *Cache {
	c := &Cache{
		policy:  policy,
		clock:   clock.Real(),
		ttl:     DefaultTTL,
		logger:  slog.Default(),
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry under key, fresh or not.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put stores data under key. The entry is written through to the store only
// when persistence is enabled and the key is not mirror-managed.
func (c *Cache) Put(ctx context.Context, key string, tags []string, data json.RawMessage) (Entry, error) {
	now := c.clock.Now()
	e := Entry{
		Key:       key,
		Tags:      append([]string(nil), tags...),
		Data:      append(json.RawMessage(nil), data...),
		StoredAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	if c.store == nil {
		return e, nil
	}
	if c.policy.IsMirrorManaged(key) {
		c.logger.Debug("cache entry kept in memory only", "key", key)
		return e, nil
	}
	err := c.store.PutCacheEntry(ctx, store.CacheEntry{
		Key:       e.Key,
		Tags:      e.Tags,
		Data:      e.Data,
		StoredAt:  e.StoredAt,
		ExpiresAt: e.ExpiresAt,
	})
	if err != nil {
		return e, fmt.Errorf("persist cache entry %s: %w", key, err)
	}
	return e, nil
}

// Invalidate marks every entry carrying any of tags as stale and returns
// their keys in sorted order. The data stays as a fallback for reads that
// cannot reach the server; only a newer Put or Clear replaces it.
func (c *Cache) Invalidate(ctx context.Context, tags ...string) ([]string, error) {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}

	now := c.clock.Now()
	var expired []string
	c.mu.Lock()
	for key, e := range c.entries {
		for _, t := range e.Tags {
			if want[t] {
				expired = append(expired, key)
				if e.ExpiresAt.After(now) {
					e.ExpiresAt = now
					c.entries[key] = e
				}
				break
			}
		}
	}
	c.mu.Unlock()
	sort.Strings(expired)

	if c.store != nil && len(expired) > 0 {
		if err := c.store.ExpireCacheEntries(ctx, now, expired...); err != nil {
			return expired, fmt.Errorf("invalidate cache: %w", err)
		}
	}
	return expired, nil
}

// Load restores persisted entries, expired ones included so they can serve
// as offline fallbacks. Entries the policy now treats as mirror-managed are
// deleted from the store instead.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	persisted, err := c.store.LoadCacheEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cache: %w", err)
	}

	var rejected []string
	loaded := 0
	c.mu.Lock()
	for _, p := range persisted {
		if c.policy.IsMirrorManaged(p.Key) {
			rejected = append(rejected, p.Key)
			continue
		}
		c.entries[p.Key] = Entry{
			Key:       p.Key,
			Tags:      p.Tags,
			Data:      json.RawMessage(p.Data),
			StoredAt:  p.StoredAt,
			ExpiresAt: p.ExpiresAt,
		}
		loaded++
	}
	c.mu.Unlock()

	if len(rejected) > 0 {
		c.logger.Info("dropped persisted cache entries", "count", len(rejected))
		if err := c.store.DeleteCacheEntries(ctx, rejected...); err != nil {
			return loaded, fmt.Errorf("load cache: %w", err)
		}
	}
	return loaded, nil
}

// Clear empties the in-memory cache. Persisted entries are left to the
// store's Wipe.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
