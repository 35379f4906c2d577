// Package sqlite implements the gateway's durable cache tier on a single
// SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmgate/pkg/cache"
	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
)

// Options configures a disk Cache.
type Options struct {
	Path string
	// MaxSizeMB caps the database size; zero disables the cap. The cap is
	// approximate because size is sampled between single-row evictions.
	MaxSizeMB float64
	// CompactOnStart runs VACUUM once at construction.
	CompactOnStart bool
	// SkipCreateDir disables creating the parent directory of Path.
	SkipCreateDir bool
	DefaultTTL    time.Duration
	DisableStats  bool
	Now           func() time.Time
	Logger        log.FieldLogger
}

// Cache is a response cache backed by SQLite.
type Cache struct {
	cache.Base

	db       *sql.DB
	path     string
	maxBytes int64
	log      log.FieldLogger
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	expires_at INTEGER,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_updated ON cache_entries(updated_at);
`

// New opens (and if needed creates) the cache database at opts.Path.
func New(opts Options) (*Cache, error) {
	if opts.Path == "" {
		return nil, gwerr.Configuration("disk cache path is required", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	if !opts.SkipCreateDir {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA auto_vacuum = FULL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure cache db: %w", err)
	}
	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &Cache{
		db:       db,
		path:     opts.Path,
		maxBytes: int64(opts.MaxSizeMB * 1024 * 1024),
		log:      logger,
	}
	c.Configure(cache.BaseOptions{
		DefaultTTL:   opts.DefaultTTL,
		DisableStats: opts.DisableStats,
		Now:          opts.Now,
	})

	if opts.CompactOnStart {
		if err := c.Compact(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	return c, nil
}

// Get returns the cached response for key. Expired rows are deleted and
// reported as misses. A payload that fails to decode or validate is treated
// as a cache fault: the row is removed and the call counts as a miss.
func (c *Cache) Get(ctx context.Context, key string) (*models.GenerateResponse, bool, error) {
	resp, _, ok, err := c.GetWithExpiry(ctx, key)
	return resp, ok, err
}

// GetWithExpiry is Get that also returns the entry's expiry, zero when the
// entry never expires.
func (c *Cache) GetWithExpiry(ctx context.Context, key string) (*models.GenerateResponse, time.Time, bool, error) {
	var payload []byte
	var expiresAt sql.NullInt64

	err := c.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		c.MarkMiss()
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, gwerr.Cache("cache get", err, map[string]any{"key": key})
	}

	var expiry time.Time
	if expiresAt.Valid {
		expiry = time.UnixMilli(expiresAt.Int64)
	}
	if c.Expired(expiry) {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return nil, time.Time{}, false, gwerr.Cache("cache expire", err, map[string]any{"key": key})
		}
		c.MarkMiss()
		return nil, time.Time{}, false, nil
	}

	resp, err := decode(payload)
	if err != nil {
		c.log.WithFields(log.Fields{
			"key":   key,
			"error": err.Error(),
			"event": "cache_fault",
		}).Warn("Discarding corrupt disk cache entry")
		_ = c.Invalidate(ctx, key)
		c.MarkMiss()
		return nil, time.Time{}, false, nil
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE cache_entries SET updated_at = ? WHERE key = ?`, c.Now().UnixMilli(), key,
	); err != nil {
		return nil, time.Time{}, false, gwerr.Cache("cache touch", err, map[string]any{"key": key})
	}

	c.MarkHit()
	return resp, expiry, true, nil
}

// Set upserts resp under key, sweeps expired rows and enforces the size cap.
func (c *Cache) Set(ctx context.Context, key string, resp *models.GenerateResponse, ttl time.Duration) error {
	if resp == nil {
		return gwerr.Cache("nil response", nil, map[string]any{"key": key})
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return gwerr.Cache("encode response", err, map[string]any{"key": key})
	}

	var expiresAt sql.NullInt64
	if exp := c.ComputeExpiry(ttl); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, payload, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload,
		 expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key, payload, expiresAt, c.Now().UnixMilli(),
	)
	if err != nil {
		return gwerr.Cache("cache put", err, map[string]any{"key": key})
	}

	if _, err := c.ClearExpired(ctx); err != nil {
		return err
	}
	return c.enforceSize(ctx)
}

// Invalidate removes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return gwerr.Cache("cache invalidate", err, map[string]any{"key": key})
	}
	return nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return gwerr.Cache("cache clear", err, nil)
	}
	return nil
}

// ClearExpired removes expired rows and returns how many were removed.
func (c *Cache) ClearExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		c.Now().UnixMilli(),
	)
	if err != nil {
		return 0, gwerr.Cache("cache sweep", err, nil)
	}
	return res.RowsAffected()
}

// Compact rebuilds the database file, reclaiming free pages.
func (c *Cache) Compact(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `VACUUM`); err != nil {
		return gwerr.Cache("cache compact", err, nil)
	}
	return nil
}

// Entries returns the number of stored rows.
func (c *Cache) Entries(ctx context.Context) (int64, error) {
	var count int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, gwerr.Cache("cache count", err, nil)
	}
	return count, nil
}

// SizeBytes returns the bytes occupied by live pages of the database.
func (c *Cache) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, freeCount, pageSize int64
	if err := c.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, gwerr.Cache("cache size", err, nil)
	}
	if err := c.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freeCount); err != nil {
		return 0, gwerr.Cache("cache size", err, nil)
	}
	if err := c.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, gwerr.Cache("cache size", err, nil)
	}
	return (pageCount - freeCount) * pageSize, nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() models.CacheStats {
	count, err := c.Entries(context.Background())
	if err != nil {
		c.log.WithFields(log.Fields{"error": err.Error(), "event": "cache_stats_failed"}).Warn("Failed to count disk cache entries")
	}
	return c.StatsWithSize(count)
}

// Path returns the database file path.
func (c *Cache) Path() string { return c.path }

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// enforceSize evicts rows oldest-by-updated_at, one at a time, until the
// database is under the cap or empty.
func (c *Cache) enforceSize(ctx context.Context) error {
	if c.maxBytes <= 0 {
		return nil
	}
	evicted := 0
	for {
		size, err := c.SizeBytes(ctx)
		if err != nil {
			return err
		}
		if size <= c.maxBytes {
			break
		}
		res, err := c.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = (SELECT key FROM cache_entries ORDER BY updated_at ASC LIMIT 1)`,
		)
		if err != nil {
			return gwerr.Cache("cache evict", err, nil)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			break
		}
		c.MarkEviction()
		evicted++
	}
	if evicted > 0 {
		c.log.WithFields(log.Fields{
			"evicted":   evicted,
			"max_bytes": c.maxBytes,
			"event":     "cache_evicted",
		}).Debug("Disk cache evicted entries")
	}
	return nil
}

func decode(payload []byte) (*models.GenerateResponse, error) {
	var resp models.GenerateResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}
