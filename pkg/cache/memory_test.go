package cache

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/pario-ai/llmgate/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func resp(t *testing.T, text string) *models.GenerateResponse {
	t.Helper()
	r, err := models.NewResponse(models.ResponseInput{
		OutputText:   text,
		FinishReason: models.FinishStop,
		Metadata:     map[string]any{"tier": "test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(MemoryOptions{MaxEntries: 10})

	if err := c.Set(ctx, "a", resp(t, "hello"), 0); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got.OutputText != "hello" {
		t.Errorf("unexpected text %q", got.OutputText)
	}

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Error("expected miss")
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(MemoryOptions{})

	orig := resp(t, "hello")
	_ = c.Set(ctx, "a", orig, 0)
	orig.Metadata["tier"] = "mutated"

	got, _, _ := c.Get(ctx, "a")
	if got.Metadata["tier"] != "test" {
		t.Error("cache must not alias the stored response")
	}
	got.Metadata["tier"] = "mutated"

	again, _, _ := c.Get(ctx, "a")
	if again.Metadata["tier"] != "test" {
		t.Error("cache must not alias returned responses")
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(MemoryOptions{MaxEntries: 3})

	for _, k := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, k, resp(t, k), 0)
	}
	// Touch "a" so "b" becomes least recently used.
	c.Get(ctx, "a")
	_ = c.Set(ctx, "d", resp(t, "d"), 0)

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "b"); ok {
		t.Error("least recently used entry should be evicted")
	}
	if got := c.Keys(); !reflect.DeepEqual(got, []string{"c", "a", "d"}) {
		t.Errorf("unexpected LRU order %v", got)
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", s.Evictions)
	}
}

func TestMemoryEvictsFirstInsertedWithoutReads(t *testing.T) {
	ctx := context.Background()
	const n = 4
	c := NewMemory(MemoryOptions{MaxEntries: n})

	keys := []string{"k0", "k1", "k2", "k3", "k4"}
	for _, k := range keys {
		_ = c.Set(ctx, k, resp(t, k), 0)
	}

	if c.Len() != n {
		t.Fatalf("expected %d entries, got %d", n, c.Len())
	}
	if got := c.Keys(); !reflect.DeepEqual(got, keys[1:]) {
		t.Errorf("expected %v to remain, got %v", keys[1:], got)
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", s.Evictions)
	}
}

func TestMemoryOverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(MemoryOptions{MaxEntries: 2})

	_ = c.Set(ctx, "a", resp(t, "1"), 0)
	_ = c.Set(ctx, "b", resp(t, "2"), 0)
	_ = c.Set(ctx, "a", resp(t, "3"), 0)

	if c.Len() != 2 || c.Stats().Evictions != 0 {
		t.Errorf("overwrite should not evict: len=%d stats=%+v", c.Len(), c.Stats())
	}
	got, _, _ := c.Get(ctx, "a")
	if got.OutputText != "3" {
		t.Errorf("expected overwritten value, got %q", got.OutputText)
	}
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := NewMemory(MemoryOptions{DefaultTTL: time.Minute, Now: clk.now})

	_ = c.Set(ctx, "default", resp(t, "x"), 0)
	_ = c.Set(ctx, "short", resp(t, "y"), time.Second)

	clk.advance(2 * time.Second)
	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Error("explicit ttl should have expired")
	}
	if _, ok, _ := c.Get(ctx, "default"); !ok {
		t.Error("default ttl entry should still be live")
	}

	clk.advance(time.Minute)
	if _, ok, _ := c.Get(ctx, "default"); ok {
		t.Error("default ttl entry should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("expired entries should be dropped, %d remain", c.Len())
	}
}

func TestMemoryOneSecondTTL(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := NewMemory(MemoryOptions{Now: clk.now})

	_ = c.Set(ctx, "k", resp(t, "v"), time.Second)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("expected immediate hit")
	}

	clk.advance(1100 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expected miss after 1.1s")
	}
	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", s)
	}
}

func TestMemoryStatsSizeSkipsExpired(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := NewMemory(MemoryOptions{Now: clk.now})

	_ = c.Set(ctx, "short", resp(t, "x"), time.Second)
	_ = c.Set(ctx, "long", resp(t, "y"), time.Hour)
	clk.advance(2 * time.Second)

	if c.Len() != 2 {
		t.Fatalf("expired entry should linger until swept, got %d", c.Len())
	}
	if s := c.Stats(); s.Size != 1 {
		t.Errorf("expected size 1, got %d", s.Size)
	}
	if c.Len() != 1 {
		t.Errorf("Stats should drop the expired entry, %d remain", c.Len())
	}
}

func TestMemoryNoTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := NewMemory(MemoryOptions{Now: clk.now})

	_ = c.Set(ctx, "k", resp(t, "x"), 0)
	clk.advance(24 * 365 * time.Hour)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Error("entry without ttl should never expire")
	}
}

func TestMemoryEagerExpiry(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := NewMemory(MemoryOptions{Now: clk.now, EagerExpiry: true})

	_ = c.Set(ctx, "a", resp(t, "x"), time.Second)
	_ = c.Set(ctx, "b", resp(t, "y"), time.Hour)
	clk.advance(time.Minute)

	c.Get(ctx, "b")
	if got := c.Keys(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("eager sweep should drop expired entries, got %v", got)
	}
}

func TestMemoryInvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(MemoryOptions{})

	_ = c.Set(ctx, "a", resp(t, "1"), 0)
	_ = c.Set(ctx, "b", resp(t, "2"), 0)

	_ = c.Invalidate(ctx, "a")
	_ = c.Invalidate(ctx, "never-set")
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("invalidated key should miss")
	}

	_ = c.Clear(ctx)
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(MemoryOptions{})

	_ = c.Set(ctx, "a", resp(t, "1"), 0)
	c.Get(ctx, "a")
	c.Get(ctx, "a")
	c.Get(ctx, "z")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Size != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.HitRate != 0.6667 {
		t.Errorf("expected rounded hit rate 0.6667, got %v", s.HitRate)
	}

	c.ResetStats()
	if s := c.Stats(); s.Hits != 0 || s.HitRate != 0 {
		t.Errorf("stats not reset: %+v", s)
	}
}

func TestMemorySetNil(t *testing.T) {
	c := NewMemory(MemoryOptions{})
	if err := c.Set(context.Background(), "a", nil, 0); err == nil {
		t.Error("expected error storing nil response")
	}
}
