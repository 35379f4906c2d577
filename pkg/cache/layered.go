package cache

import (
	"context"
	"errors"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/llmgate/pkg/models"
)

// LayeredOptions configures a LayeredCache.
type LayeredOptions struct {
	// PromoteOnHit copies disk hits into the memory tier for the rest of
	// their lifetime. It needs a disk tier that implements ExpiryGetter.
	PromoteOnHit bool
	DisableStats bool
	Now          func() time.Time
	Logger       log.FieldLogger
}

// LayeredCache serves reads from a fast memory tier and falls back to a
// durable disk tier. Writes and invalidations go to both tiers.
type LayeredCache struct {
	Base

	memory  Cache
	disk    Cache
	promote bool
	log     log.FieldLogger
}

// NewLayered composes a memory tier over a disk tier.
func NewLayered(memory, disk Cache, opts LayeredOptions) *LayeredCache {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &LayeredCache{
		memory:  memory,
		disk:    disk,
		promote: opts.PromoteOnHit,
		log:     logger,
	}
	c.Configure(BaseOptions{DisableStats: opts.DisableStats, Now: opts.Now})
	return c
}

// Get checks memory first and only touches disk on a memory miss.
func (c *LayeredCache) Get(ctx context.Context, key string) (*models.GenerateResponse, bool, error) {
	resp, ok, err := c.memory.Get(ctx, key)
	if err != nil {
		c.log.WithFields(log.Fields{
			"key":   key,
			"error": err.Error(),
			"event": "memory_tier_error",
		}).Warn("Memory tier read failed, falling back to disk")
	}
	if ok {
		c.MarkHit()
		return resp, true, nil
	}

	resp, expiresAt, ok, err := c.diskGet(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.MarkMiss()
		return nil, false, nil
	}

	c.MarkHit()
	if c.promote {
		c.promoteHit(ctx, key, resp, expiresAt)
	}
	return resp, true, nil
}

// diskGet reads from the disk tier. ok with a nil expiry means the tier
// cannot report expiry.
func (c *LayeredCache) diskGet(ctx context.Context, key string) (*models.GenerateResponse, *time.Time, bool, error) {
	eg, ok := c.disk.(ExpiryGetter)
	if !ok {
		resp, hit, err := c.disk.Get(ctx, key)
		return resp, nil, hit, err
	}
	resp, exp, hit, err := eg.GetWithExpiry(ctx, key)
	return resp, &exp, hit, err
}

// promoteHit copies a disk hit into memory with the disk entry's remaining
// lifetime. A never-expiring disk entry takes the memory tier's default TTL.
func (c *LayeredCache) promoteHit(ctx context.Context, key string, resp *models.GenerateResponse, expiresAt *time.Time) {
	if expiresAt == nil {
		return
	}
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(c.Now())
		if ttl <= 0 {
			return
		}
	}
	if err := c.memory.Set(ctx, key, resp, ttl); err != nil {
		c.log.WithFields(log.Fields{
			"key":   key,
			"error": err.Error(),
			"event": "promote_failed",
		}).Warn("Failed to promote disk hit into memory tier")
	}
}

// Set writes to both tiers in parallel and waits for both.
func (c *LayeredCache) Set(ctx context.Context, key string, resp *models.GenerateResponse, ttl time.Duration) error {
	return c.fanOut(ctx, func(ctx context.Context, tier Cache) error {
		return tier.Set(ctx, key, resp, ttl)
	})
}

// Invalidate removes key from both tiers in parallel.
func (c *LayeredCache) Invalidate(ctx context.Context, key string) error {
	return c.fanOut(ctx, func(ctx context.Context, tier Cache) error {
		return tier.Invalidate(ctx, key)
	})
}

// Clear clears every tier that supports clearing and skips the rest.
func (c *LayeredCache) Clear(ctx context.Context) error {
	return c.fanOut(ctx, func(ctx context.Context, tier Cache) error {
		if cl, ok := tier.(Clearer); ok {
			return cl.Clear(ctx)
		}
		return nil
	})
}

// Stats reports the layered hit/miss counters. Size is the disk tier's
// size when available, since disk holds a superset of memory.
func (c *LayeredCache) Stats() models.CacheStats {
	var size int64
	if sp, ok := c.disk.(StatsProvider); ok {
		size = sp.Stats().Size
	} else if sp, ok := c.memory.(StatsProvider); ok {
		size = sp.Stats().Size
	}
	return c.StatsWithSize(size)
}

// Tiers returns the memory and disk tiers.
func (c *LayeredCache) Tiers() (memory, disk Cache) {
	return c.memory, c.disk
}

// Close closes any tier that holds resources.
func (c *LayeredCache) Close() error {
	var errs []error
	for _, tier := range []Cache{c.memory, c.disk} {
		if cl, ok := tier.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}

func (c *LayeredCache) fanOut(ctx context.Context, fn func(context.Context, Cache) error) error {
	// A plain group lets both tiers settle even when one fails.
	var g errgroup.Group
	for _, tier := range []Cache{c.memory, c.disk} {
		g.Go(func() error { return fn(ctx, tier) })
	}
	return g.Wait()
}
