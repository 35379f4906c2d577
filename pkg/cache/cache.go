// Package cache provides keyed response storage for the gateway: an in-memory
// LRU tier, a layered memory-over-disk composition, and the shared statistics
// base every tier embeds. The disk tier lives in cache/sqlite.
package cache

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pario-ai/llmgate/pkg/models"
)

// Cache is the contract shared by every tier. Get returns (nil, false, nil)
// on a miss. A zero ttl in Set falls back to the tier's default TTL.
type Cache interface {
	Get(ctx context.Context, key string) (*models.GenerateResponse, bool, error)
	Set(ctx context.Context, key string, resp *models.GenerateResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// ExpiryGetter is implemented by tiers that can report when a hit expires.
// A zero expiry means the entry never expires.
type ExpiryGetter interface {
	GetWithExpiry(ctx context.Context, key string) (*models.GenerateResponse, time.Time, bool, error)
}

// Clearer is implemented by tiers that support removing every entry.
type Clearer interface {
	Clear(ctx context.Context) error
}

// StatsProvider is implemented by tiers that track hit/miss statistics.
type StatsProvider interface {
	Stats() models.CacheStats
	ResetStats()
}

// Base tracks statistics and expiry policy for a tier. Tiers embed it and
// call MarkHit, MarkMiss and MarkEviction.
type Base struct {
	defaultTTL   time.Duration
	statsEnabled bool
	now          func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// BaseOptions configures a Base.
type BaseOptions struct {
	DefaultTTL   time.Duration
	DisableStats bool
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Configure sets the expiry policy and stats toggle. Tiers call it once
// from their constructor.
func (b *Base) Configure(opts BaseOptions) {
	b.defaultTTL = opts.DefaultTTL
	b.statsEnabled = !opts.DisableStats
	b.now = opts.Now
	if b.now == nil {
		b.now = time.Now
	}
}

func (b *Base) MarkHit() {
	if b.statsEnabled {
		b.hits.Add(1)
	}
}

func (b *Base) MarkMiss() {
	if b.statsEnabled {
		b.misses.Add(1)
	}
}

func (b *Base) MarkEviction() {
	if b.statsEnabled {
		b.evictions.Add(1)
	}
}

// Now returns the tier's current time.
func (b *Base) Now() time.Time {
	if b.now == nil {
		return time.Now()
	}
	return b.now()
}

// ComputeExpiry returns the absolute expiry for an entry written now. The
// zero time means the entry never expires, which happens when neither ttl
// nor a default TTL is set.
func (b *Base) ComputeExpiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return b.Now().Add(ttl)
}

// Expired reports whether an entry with the given expiry is no longer valid.
func (b *Base) Expired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && !b.Now().Before(expiresAt)
}

// StatsWithSize snapshots the counters. HitRate is rounded to four decimals
// and is 0 before any traffic.
func (b *Base) StatsWithSize(size int64) models.CacheStats {
	hits, misses := b.hits.Load(), b.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = math.Round(float64(hits)/float64(total)*10000) / 10000
	}
	return models.CacheStats{
		Hits:      hits,
		Misses:    misses,
		Size:      size,
		Evictions: b.evictions.Load(),
		HitRate:   rate,
	}
}

// ResetStats zeroes the counters.
func (b *Base) ResetStats() {
	b.hits.Store(0)
	b.misses.Store(0)
	b.evictions.Store(0)
}

// CloneResponse returns a defensive copy so callers never alias cached state.
func CloneResponse(resp *models.GenerateResponse) *models.GenerateResponse {
	return resp.Clone()
}
