// Package identity resolves user references (hex pubkeys, npub strings,
// NIP-05 addresses) into hex pubkeys, with a TTL cache in front of the
// network lookups.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandwichfarm/noq/internal/config"
)

// Cache is a TTL key/value store backing NIP-05 lookups.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// NewCache builds the cache engine named by the configuration. A nil or
// disabled configuration yields a cache that never stores anything, so
// callers never have to branch on whether caching is on.
func NewCache(cfg *config.Caching) (Cache, error) {
	if cfg == nil || !cfg.Enabled {
		return noopCache{}, nil
	}

	switch cfg.Engine {
	case "memory":
		return newMemoryCache(), nil
	case "redis":
		return newRedisCache(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported cache engine: %s", cfg.Engine)
	}
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (noopCache) Set(context.Context, string, string, time.Duration) error { return nil }
func (noopCache) Close() error                                             { return nil }

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the cached value. Expired entries are dropped lazily on read.
func (c *memoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key. A zero or negative ttl means no expiry.
func (c *memoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

func (c *memoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}
