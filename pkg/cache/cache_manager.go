package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relapi/engine/pkg/metrics"
)

// Cache is the main cache manager that wraps a Provider.
type Cache struct {
	provider Provider
	label    string
}

// NewCache creates a new cache manager with the specified provider.
func NewCache(provider Provider) *Cache {
	return &Cache{
		provider: provider,
		label:    providerLabel(provider),
	}
}

// providerLabel derives a short metrics label ("MemoryProvider",
// "RedisProvider", …) from the provider's concrete type, so hit/miss
// counters are broken out per backend without every Provider implementation
// needing to carry its own name.
func providerLabel(p Provider) string {
	t := fmt.Sprintf("%T", p)
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return strings.TrimPrefix(t, "*")
}

// Get retrieves and deserializes a value from the cache.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, exists := c.provider.Get(ctx, key)
	if !exists {
		metrics.GetProvider().RecordCacheMiss(c.label)
		return fmt.Errorf("key not found: %s", key)
	}
	metrics.GetProvider().RecordCacheHit(c.label)

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to deserialize: %w", err)
	}

	return nil
}

// Set serializes and stores a value in the cache with the specified TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize: %w", err)
	}

	return c.provider.Set(ctx, key, data, ttl)
}

// Delete removes a key from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.provider.Delete(ctx, key)
}

// DeleteByPattern removes all keys matching the pattern.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) error {
	return c.provider.DeleteByPattern(ctx, pattern)
}

// Clear removes all items from the cache.
func (c *Cache) Clear(ctx context.Context) error {
	return c.provider.Clear(ctx)
}

// Exists checks if a key exists in the cache.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	return c.provider.Exists(ctx, key)
}

// Stats returns statistics about the cache, and reports the key count to
// the metrics provider along the way.
func (c *Cache) Stats(ctx context.Context) (*CacheStats, error) {
	stats, err := c.provider.Stats(ctx)
	if err == nil && stats != nil {
		metrics.GetProvider().UpdateCacheSize(c.label, stats.Keys)
	}
	return stats, err
}

// Close closes the cache and releases any resources.
func (c *Cache) Close() error {
	return c.provider.Close()
}

// GetOrSet reads key into dest, calling loader on a miss and caching what
// it returns. The loaded value round-trips through JSON so dest is
// populated the same way a cache hit would have.
func (c *Cache) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader func() (interface{}, error)) error {
	if err := c.Get(ctx, key, dest); err == nil {
		return nil
	}

	value, err := loader()
	if err != nil {
		return fmt.Errorf("loader failed: %w", err)
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("failed to cache value: %w", err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize loaded value: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to deserialize loaded value: %w", err)
	}
	return nil
}
