package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// fakeClock lets TTL tests run without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLRU(size int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clock.now
	return c, clock
}

func TestLRUCache(t *testing.T) {
	cache, clock := newTestLRU(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)
		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Second)

		if val, _ := cache.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock.advance(11 * time.Second)
		if val, _ := cache.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small, _ := newTestLRU(3)

		_ = small.Set(ctx, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, "c", []byte("3"), time.Minute)

		// Touch "a" so "b" becomes least recently used
		_, _ = small.Get(ctx, "a")
		_ = small.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to survive")
		}
		if size, capacity := small.Stats(); size != 3 || capacity != 3 {
			t.Errorf("expected 3/3, got %d/%d", size, capacity)
		}
	})
}

func TestLRUCounters(t *testing.T) {
	cache, clock := newTestLRU(2)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := cache.IncrementCounter(ctx, "ip:10.0.0.1", time.Minute)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	clock.advance(61 * time.Second)
	if got, _ := cache.IncrementCounter(ctx, "ip:10.0.0.1", time.Minute); got != 1 {
		t.Errorf("expected new window to start at 1, got %d", got)
	}

	// Filling the counter map sweeps expired windows.
	_, _ = cache.IncrementCounter(ctx, "ip:10.0.0.2", time.Second)
	clock.advance(2 * time.Second)
	_, _ = cache.IncrementCounter(ctx, "ip:10.0.0.3", time.Minute)
	if _, ok := cache.counters["ip:10.0.0.2"]; ok {
		t.Error("expected expired counter to be swept")
	}
}

func TestVerdictRoundTrip(t *testing.T) {
	cache, _ := newTestLRU(10)
	ctx := context.Background()

	verdict := &domain.AnomalyResult{
		TransactionID:     "tx-1",
		CustomerID:        "cust-1",
		Score:             45,
		IsAnomaly:         true,
		RiskLevel:         domain.RiskMedium,
		AnomalyTypes:      []string{domain.TagHighRiskCategory},
		RecommendedAction: domain.ActionReview,
	}
	if err := cache.SetVerdict(ctx, verdict, time.Hour); err != nil {
		t.Fatalf("SetVerdict failed: %v", err)
	}

	got, err := cache.GetVerdict(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetVerdict failed: %v", err)
	}
	if got == nil || got.Score != 45 || got.RiskLevel != domain.RiskMedium {
		t.Errorf("unexpected verdict: %+v", got)
	}

	if miss, err := cache.GetVerdict(ctx, "tx-2"); err != nil || miss != nil {
		t.Errorf("expected nil, nil on miss, got %v, %v", miss, err)
	}
}

func TestTwoPhaseCache(t *testing.T) {
	local, clock := newTestLRU(10)
	remote, _ := newTestLRU(10)
	cache := NewTwoPhaseCache(local, remote, time.Minute)
	ctx := context.Background()

	t.Run("WritesBothTiers", func(t *testing.T) {
		_ = cache.Set(ctx, "k", []byte("v"), time.Hour)
		if val, _ := local.Get(ctx, "k"); string(val) != "v" {
			t.Error("expected L1 to hold the value")
		}
		if val, _ := remote.Get(ctx, "k"); string(val) != "v" {
			t.Error("expected L2 to hold the value")
		}
	})

	t.Run("L1ExpiresBeforeL2", func(t *testing.T) {
		clock.advance(2 * time.Minute)
		if val, _ := local.Get(ctx, "k"); val != nil {
			t.Error("expected L1 entry to expire after l1TTL")
		}
		if val, _ := cache.Get(ctx, "k"); string(val) != "v" {
			t.Error("expected read-through from L2")
		}
		if val, _ := local.Get(ctx, "k"); string(val) != "v" {
			t.Error("expected L1 to be repopulated")
		}
	})

	t.Run("CountersUseL2", func(t *testing.T) {
		_, _ = cache.IncrementCounter(ctx, "c", time.Minute)
		if _, ok := remote.counters["c"]; !ok {
			t.Error("expected counter in L2")
		}
		if _, ok := local.counters["c"]; ok {
			t.Error("expected no counter in L1")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Delete(ctx, "k")
		if val, _ := cache.Get(ctx, "k"); val != nil {
			t.Error("expected nil after delete")
		}
	})
}

func TestNewCache(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 50})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("expected *LRUCache, got %T", c)
	}

	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
