package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

// MemoryOptions configures a MemoryCache.
type MemoryOptions struct {
	// MaxEntries bounds the cache; zero means unbounded.
	MaxEntries  int
	DefaultTTL  time.Duration
	EagerExpiry bool
	// DisableStats turns off hit/miss/eviction counting.
	DisableStats bool
	Now          func() time.Time
	Logger       log.FieldLogger
}

type memEntry struct {
	key        string
	resp       *models.GenerateResponse
	expiresAt  time.Time
	lastAccess time.Time
}

// MemoryCache is an LRU cache with per-entry TTL. The access-order list has
// the least recently used entry at the front.
type MemoryCache struct {
	Base

	mu         sync.Mutex
	maxEntries int
	eager      bool
	order      *list.List
	items      map[string]*list.Element
	log        log.FieldLogger
}

// NewMemory creates a MemoryCache.
func NewMemory(opts MemoryOptions) *MemoryCache {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &MemoryCache{
		maxEntries: opts.MaxEntries,
		eager:      opts.EagerExpiry,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		log:        logger,
	}
	c.Configure(BaseOptions{
		DefaultTTL:   opts.DefaultTTL,
		DisableStats: opts.DisableStats,
		Now:          opts.Now,
	})
	return c
}

// Get returns a copy of the cached response for key.
func (c *MemoryCache) Get(ctx context.Context, key string) (*models.GenerateResponse, bool, error) {
	resp, _, ok, err := c.GetWithExpiry(ctx, key)
	return resp, ok, err
}

// GetWithExpiry is Get that also returns the entry's expiry, zero when the
// entry never expires.
func (c *MemoryCache) GetWithExpiry(_ context.Context, key string) (*models.GenerateResponse, time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eager {
		c.sweepExpiredLocked()
	}

	el, ok := c.items[key]
	if !ok {
		c.MarkMiss()
		return nil, time.Time{}, false, nil
	}
	e := el.Value.(*memEntry)
	if c.Expired(e.expiresAt) {
		c.removeLocked(el)
		c.MarkMiss()
		return nil, time.Time{}, false, nil
	}

	e.lastAccess = c.Now()
	c.order.MoveToBack(el)
	c.MarkHit()
	return CloneResponse(e.resp), e.expiresAt, true, nil
}

// Set stores a copy of resp under key, then drops expired entries and evicts
// least recently used entries while the cache is over capacity.
func (c *MemoryCache) Set(_ context.Context, key string, resp *models.GenerateResponse, ttl time.Duration) error {
	if resp == nil {
		return gwerr.Cache("nil response", nil, map[string]any{"key": key})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	entry := &memEntry{
		key:        key,
		resp:       CloneResponse(resp),
		expiresAt:  c.ComputeExpiry(ttl),
		lastAccess: now,
	}
	if el, ok := c.items[key]; ok {
		el.Value = entry
		c.order.MoveToBack(el)
	} else {
		c.items[key] = c.order.PushBack(entry)
	}

	c.sweepExpiredLocked()

	evicted := 0
	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.removeLocked(c.order.Front())
		c.MarkEviction()
		evicted++
	}
	if evicted > 0 {
		c.log.WithFields(log.Fields{
			"evicted": evicted,
			"size":    c.order.Len(),
			"event":   "cache_evicted",
		}).Debug("Memory cache evicted entries")
	}
	return nil
}

// Invalidate removes key.
func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Clear removes every entry.
func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns stored keys from least to most recently used.
func (c *MemoryCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*memEntry).key)
	}
	return keys
}

// Stats returns cache performance counters. Expired entries are swept
// first so Size counts only live entries.
func (c *MemoryCache) Stats() models.CacheStats {
	c.mu.Lock()
	c.sweepExpiredLocked()
	size := c.order.Len()
	c.mu.Unlock()
	return c.StatsWithSize(int64(size))
}

func (c *MemoryCache) sweepExpiredLocked() {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if c.Expired(el.Value.(*memEntry).expiresAt) {
			c.removeLocked(el)
		}
		el = next
	}
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*memEntry)
	delete(c.items, e.key)
}
