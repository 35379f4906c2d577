package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/llmgate/pkg/models"
)

// stubTier is a minimal Cache that does not implement Clearer.
type stubTier struct {
	mu     sync.Mutex
	items  map[string]*models.GenerateResponse
	setErr error
	gets   int
	closed bool
}

func newStubTier() *stubTier {
	return &stubTier{items: make(map[string]*models.GenerateResponse)}
}

func (s *stubTier) Get(_ context.Context, key string) (*models.GenerateResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	r, ok := s.items[key]
	return r.Clone(), ok, nil
}

func (s *stubTier) Set(_ context.Context, key string, r *models.GenerateResponse, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.items[key] = r.Clone()
	return nil
}

func (s *stubTier) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *stubTier) Close() error {
	s.closed = true
	return nil
}

func TestLayeredMemoryHitSkipsDisk(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{})
	disk := newStubTier()
	c := NewLayered(mem, disk, LayeredOptions{})

	_ = mem.Set(ctx, "k", resp(t, "fast"), 0)
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || got.OutputText != "fast" {
		t.Fatalf("expected memory hit, got %v %v %v", got, ok, err)
	}
	if disk.gets != 0 {
		t.Error("disk should not be consulted on a memory hit")
	}
}

func TestLayeredPromoteOnHit(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{})
	disk := NewMemory(MemoryOptions{})
	c := NewLayered(mem, disk, LayeredOptions{PromoteOnHit: true})

	_ = disk.Set(ctx, "k", resp(t, "durable"), 0)

	got, ok, _ := c.Get(ctx, "k")
	if !ok || got.OutputText != "durable" {
		t.Fatalf("expected disk hit, got %v", got)
	}
	if _, ok, _ := mem.Get(ctx, "k"); !ok {
		t.Error("disk hit should be promoted into memory before Get returns")
	}
}

func TestLayeredPromotionKeepsDiskExpiry(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	mem := NewMemory(MemoryOptions{Now: clk.now})
	disk := NewMemory(MemoryOptions{Now: clk.now})
	c := NewLayered(mem, disk, LayeredOptions{PromoteOnHit: true, Now: clk.now})

	_ = disk.Set(ctx, "k", resp(t, "short"), time.Second)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("expected disk hit")
	}
	if mem.Len() != 1 {
		t.Fatal("disk hit not promoted")
	}

	clk.advance(time.Hour)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("promoted copy outlived the disk entry's TTL")
	}
}

func TestLayeredPromotionUsesRemainingLifetime(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	mem := NewMemory(MemoryOptions{Now: clk.now})
	disk := NewMemory(MemoryOptions{Now: clk.now})
	c := NewLayered(mem, disk, LayeredOptions{PromoteOnHit: true, Now: clk.now})

	_ = disk.Set(ctx, "k", resp(t, "v"), 10*time.Second)
	clk.advance(8 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("expected disk hit")
	}

	_, exp, ok, _ := mem.GetWithExpiry(ctx, "k")
	if !ok {
		t.Fatal("disk hit not promoted")
	}
	if want := clk.now().Add(2 * time.Second); !exp.Equal(want) {
		t.Errorf("promoted expiry %v, want %v", exp, want)
	}
}

func TestLayeredPromotionNeverExpiring(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	mem := NewMemory(MemoryOptions{Now: clk.now})
	disk := NewMemory(MemoryOptions{Now: clk.now})
	c := NewLayered(mem, disk, LayeredOptions{PromoteOnHit: true, Now: clk.now})

	_ = disk.Set(ctx, "k", resp(t, "v"), 0)
	c.Get(ctx, "k")
	clk.advance(24 * time.Hour)
	if _, ok, _ := mem.Get(ctx, "k"); !ok {
		t.Error("promoted copy of a never-expiring entry should stay in memory")
	}
}

func TestLayeredNoPromotionWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{})
	disk := newStubTier()
	c := NewLayered(mem, disk, LayeredOptions{PromoteOnHit: true})

	_ = disk.Set(ctx, "k", resp(t, "durable"), 0)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("expected disk hit")
	}
	if mem.Len() != 0 {
		t.Error("a tier that cannot report expiry should not be promoted")
	}
}

func TestLayeredNoPromote(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{})
	disk := newStubTier()
	c := NewLayered(mem, disk, LayeredOptions{})

	_ = disk.Set(ctx, "k", resp(t, "durable"), 0)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("expected disk hit")
	}
	if mem.Len() != 0 {
		t.Error("memory should stay empty when promotion is off")
	}
}

func TestLayeredSetWritesBothTiers(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{})
	disk := newStubTier()
	c := NewLayered(mem, disk, LayeredOptions{})

	if err := c.Set(ctx, "k", resp(t, "v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := mem.Get(ctx, "k"); !ok {
		t.Error("memory tier missing entry")
	}
	if _, ok := disk.items["k"]; !ok {
		t.Error("disk tier missing entry")
	}

	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("invalidate should remove from both tiers")
	}
}

func TestLayeredSetErrorStillWritesOtherTier(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{})
	disk := newStubTier()
	disk.setErr = errors.New("disk full")
	c := NewLayered(mem, disk, LayeredOptions{})

	if err := c.Set(ctx, "k", resp(t, "v"), 0); err == nil {
		t.Fatal("expected disk error to surface")
	}
	if _, ok, _ := mem.Get(ctx, "k"); !ok {
		t.Error("memory write should complete despite disk failure")
	}
}

func TestLayeredClearSkipsNonClearers(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{})
	disk := newStubTier()
	c := NewLayered(mem, disk, LayeredOptions{})

	_ = c.Set(ctx, "k", resp(t, "v"), 0)
	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if mem.Len() != 0 {
		t.Error("memory tier should be cleared")
	}
	if _, ok := disk.items["k"]; !ok {
		t.Error("non-clearing tier should be left alone")
	}
}

func TestLayeredStats(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{})
	disk := newStubTier()
	c := NewLayered(mem, disk, LayeredOptions{PromoteOnHit: true})

	_ = disk.Set(ctx, "k", resp(t, "v"), 0)
	c.Get(ctx, "k")    // disk hit, promoted
	c.Get(ctx, "k")    // memory hit
	c.Get(ctx, "none") // miss

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	// stubTier has no stats, so size comes from memory.
	if s.Size != 1 {
		t.Errorf("expected size 1, got %d", s.Size)
	}
}

func TestLayeredClose(t *testing.T) {
	disk := newStubTier()
	c := NewLayered(NewMemory(MemoryOptions{}), disk, LayeredOptions{})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !disk.closed {
		t.Error("closable tier should be closed")
	}
}
