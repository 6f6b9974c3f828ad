package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryCacheClaim(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewMemoryCache(WithClock(clock.Now))

	tests := []struct {
		name    string
		advance time.Duration
		key     string
		want    bool
	}{
		{name: "first claim", key: "orders/create|shop|1", want: true},
		{name: "duplicate within window", advance: 2 * time.Second, key: "orders/create|shop|1", want: false},
		{name: "other key", key: "orders/create|shop|2", want: true},
		{name: "still inside ttl", advance: 4*time.Minute + 57*time.Second, key: "orders/create|shop|1", want: false},
		{name: "after ttl", advance: time.Second, key: "orders/create|shop|1", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Advance(tt.advance)
			got, err := cache.Claim(ctx, tt.key, 5*time.Minute)
			if err != nil {
				t.Fatalf("Claim() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Claim(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestMemoryCacheRelease(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	if ok, _ := cache.Claim(ctx, "k", time.Minute); !ok {
		t.Fatal("first claim should succeed")
	}
	if err := cache.Release(ctx, "k"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := cache.Claim(ctx, "k", time.Minute); !ok {
		t.Error("claim after release should succeed")
	}
}

func TestMemoryCacheSize(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewMemoryCache(WithClock(clock.Now))

	_, _ = cache.Claim(ctx, "a", time.Minute)
	_, _ = cache.Claim(ctx, "b", 10*time.Minute)

	if n, _ := cache.Size(ctx); n != 2 {
		t.Errorf("Size() = %d, want 2", n)
	}
	clock.Advance(2 * time.Minute)
	if n, _ := cache.Size(ctx); n != 1 {
		t.Errorf("Size() after expiry = %d, want 1", n)
	}
}

func TestMemoryCacheConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := cache.Claim(ctx, "same", time.Minute); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", winners.Load())
	}
}
