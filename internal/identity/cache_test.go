package identity

import (
	"context"
	"testing"
	"time"

	"github.com/sandwichfarm/noq/internal/config"
)

func TestNewCache(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.Caching
		wantNoop bool
		wantErr  bool
	}{
		{
			name:     "nil config",
			cfg:      nil,
			wantNoop: true,
		},
		{
			name:     "disabled",
			cfg:      &config.Caching{Enabled: false, Engine: "memory"},
			wantNoop: true,
		},
		{
			name: "memory engine",
			cfg:  &config.Caching{Enabled: true, Engine: "memory"},
		},
		{
			name:    "unknown engine",
			cfg:     &config.Caching{Enabled: true, Engine: "memcached"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, err := NewCache(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCache failed: %v", err)
			}
			defer cache.Close()

			_, isNoop := cache.(noopCache)
			if isNoop != tt.wantNoop {
				t.Errorf("noop = %v, want %v", isNoop, tt.wantNoop)
			}
		})
	}
}

func TestNoopCacheNeverStores(t *testing.T) {
	cache := noopCache{}
	ctx := context.Background()

	if err := cache.Set(ctx, "key", "value", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, ok, err := cache.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected miss from noop cache")
	}
}

func TestMemoryCacheSetGet(t *testing.T) {
	cache := newMemoryCache()
	ctx := context.Background()

	if err := cache.Set(ctx, "alice@example.com", "abc123", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := cache.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if value != "abc123" {
		t.Errorf("value = %q, want %q", value, "abc123")
	}
}

func TestMemoryCacheMiss(t *testing.T) {
	cache := newMemoryCache()

	_, ok, err := cache.Get(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := newMemoryCache()
	ctx := context.Background()

	base := time.Now()
	cache.now = func() time.Time { return base }

	if err := cache.Set(ctx, "key", "value", time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, ok, _ := cache.Get(ctx, "key"); !ok {
		t.Fatal("expected hit before expiry")
	}

	cache.now = func() time.Time { return base.Add(2 * time.Second) }

	if _, ok, _ := cache.Get(ctx, "key"); ok {
		t.Error("expected miss after expiry")
	}

	// The expired entry is removed, not just hidden.
	cache.mu.Lock()
	_, stillThere := cache.entries["key"]
	cache.mu.Unlock()
	if stillThere {
		t.Error("expired entry was not removed")
	}
}

func TestMemoryCacheZeroTTLNeverExpires(t *testing.T) {
	cache := newMemoryCache()
	ctx := context.Background()

	base := time.Now()
	cache.now = func() time.Time { return base }

	if err := cache.Set(ctx, "key", "value", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	cache.now = func() time.Time { return base.Add(1000 * time.Hour) }

	if _, ok, _ := cache.Get(ctx, "key"); !ok {
		t.Error("zero-TTL entry should never expire")
	}
}

func TestMemoryCacheClose(t *testing.T) {
	cache := newMemoryCache()
	ctx := context.Background()

	if err := cache.Set(ctx, "key", "value", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, ok, _ := cache.Get(ctx, "key"); ok {
		t.Error("expected miss after Close")
	}
}
