package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLRU(capacity int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 4, 9, 0, 0, 0, time.UTC)}
	c := NewLRUCache(capacity)
	c.now = clock.now
	return c, clock
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	const tenantID = "tenant-001"

	t.Run("SetGetDelete", func(t *testing.T) {
		c, _ := newClockedLRU(10)
		if err := c.Set(ctx, tenantID, "member:m-1", []byte(`{"id":"m-1"}`), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := c.Get(ctx, tenantID, "member:m-1")
		if err != nil || string(val) != `{"id":"m-1"}` {
			t.Fatalf("Get = %q, %v", val, err)
		}

		if err := c.Delete(ctx, tenantID, "member:m-1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "member:m-1"); val != nil {
			t.Error("expected miss after delete")
		}
		if err := c.Delete(ctx, tenantID, "never-set"); err != nil {
			t.Errorf("deleting a missing key should succeed, got %v", err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		c, clock := newClockedLRU(10)
		_ = c.Set(ctx, tenantID, "short", []byte("x"), time.Minute)
		_ = c.Set(ctx, tenantID, "forever", []byte("y"), 0)

		clock.advance(time.Minute)
		if val, _ := c.Get(ctx, tenantID, "short"); val == nil {
			t.Error("entry should live through its TTL boundary")
		}
		clock.advance(time.Second)
		if val, _ := c.Get(ctx, tenantID, "short"); val != nil {
			t.Error("expected expired entry to miss")
		}
		if size, _ := c.Stats(); size != 1 {
			t.Errorf("expected expired entry to be dropped, size %d", size)
		}

		clock.advance(24 * time.Hour)
		if val, _ := c.Get(ctx, tenantID, "forever"); string(val) != "y" {
			t.Error("zero TTL should never expire")
		}
	})

	t.Run("OverwriteResetsTTL", func(t *testing.T) {
		c, clock := newClockedLRU(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v1"), time.Minute)
		clock.advance(50 * time.Second)
		_ = c.Set(ctx, tenantID, "k", []byte("v2"), time.Minute)
		clock.advance(50 * time.Second)

		if val, _ := c.Get(ctx, tenantID, "k"); string(val) != "v2" {
			t.Errorf("expected refreshed v2, got %q", val)
		}
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		c, _ := newClockedLRU(3)
		for _, k := range []string{"a", "b", "c"} {
			_ = c.Set(ctx, tenantID, k, []byte(k), time.Minute)
		}
		_, _ = c.Get(ctx, tenantID, "a")
		_ = c.Set(ctx, tenantID, "d", []byte("d"), time.Minute)

		if val, _ := c.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		for _, k := range []string{"a", "c", "d"} {
			if val, _ := c.Get(ctx, tenantID, k); val == nil {
				t.Errorf("expected %q to survive", k)
			}
		}
		if _, _, evictions := c.Counters(); evictions != 1 {
			t.Errorf("expected 1 eviction, got %d", evictions)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c, _ := newClockedLRU(10)
		_ = c.Set(ctx, "tenant-a", "profile:m-1", []byte("a"), time.Minute)
		_ = c.Set(ctx, "tenant-b", "profile:m-1", []byte("b"), time.Minute)
		// "x:y"/"z" and "x"/"y:z" must not collide.
		_ = c.Set(ctx, "x:y", "z", []byte("first"), time.Minute)
		_ = c.Set(ctx, "x", "y:z", []byte("second"), time.Minute)

		if val, _ := c.Get(ctx, "tenant-a", "profile:m-1"); string(val) != "a" {
			t.Errorf("tenant-a got %q", val)
		}
		if val, _ := c.Get(ctx, "tenant-b", "profile:m-1"); string(val) != "b" {
			t.Errorf("tenant-b got %q", val)
		}
		if val, _ := c.Get(ctx, "x:y", "z"); string(val) != "first" {
			t.Errorf("separator aliasing: got %q", val)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c, _ := newClockedLRU(10)
		if err := c.Set(ctx, "", "k", []byte("v"), time.Minute); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Set: expected ErrInvalidInput, got %v", err)
		}
		if _, err := c.Get(ctx, "", "k"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Get: expected ErrInvalidInput, got %v", err)
		}
		if err := c.Delete(ctx, "", "k"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Delete: expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Counters", func(t *testing.T) {
		c, _ := newClockedLRU(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		_, _ = c.Get(ctx, tenantID, "k")
		_, _ = c.Get(ctx, tenantID, "k")
		_, _ = c.Get(ctx, tenantID, "missing")

		hits, misses, _ := c.Counters()
		if hits != 2 || misses != 1 {
			t.Errorf("expected 2 hits and 1 miss, got %d and %d", hits, misses)
		}
		if size, capacity := c.Stats(); size != 1 || capacity != 10 {
			t.Errorf("Stats = %d/%d, want 1/10", size, capacity)
		}
	})

	t.Run("CloseClears", func(t *testing.T) {
		c, _ := newClockedLRU(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		if err := c.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
		if err := c.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)
	const tenantID = "tenant-001"

	prof := &domain.BehavioralProfile{
		MemberID:    "member-001",
		SampleCount: 4,
		Version:     3,
		Baseline:    domain.BehaviorMetrics{AverageAmount: 125.5, CommonProviders: []string{"p-1"}},
	}
	if err := SetJSON(ctx, c, tenantID, "profile:member-001", prof, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	var got domain.BehavioralProfile
	ok, err := GetJSON(ctx, c, tenantID, "profile:member-001", &got)
	if err != nil || !ok {
		t.Fatalf("GetJSON failed: ok=%v err=%v", ok, err)
	}
	if got.Version != 3 || got.Baseline.AverageAmount != 125.5 {
		t.Errorf("unexpected profile %+v", got)
	}

	if ok, err := GetJSON(ctx, c, tenantID, "profile:missing", &got); ok || err != nil {
		t.Errorf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	_ = c.Set(ctx, tenantID, "profile:corrupt", []byte("{"), time.Minute)
	if _, err := GetJSON(ctx, c, tenantID, "profile:corrupt", &got); err == nil {
		t.Error("expected decode error for corrupt entry")
	}
}

func TestNew(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()
	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("expected LRUCache for memory type, got %T", c)
	}

	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
