package cache

import (
	"fmt"
	"time"
)

var defaultCache *Cache

// UseMemory points the package-level cache at an in-memory provider.
func UseMemory(opts *Options) error {
	defaultCache = NewCache(NewMemoryProvider(opts))
	return nil
}

// UseRedis points the package-level cache at Redis.
func UseRedis(config *RedisConfig) error {
	provider, err := NewRedisProvider(config)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis provider: %w", err)
	}
	defaultCache = NewCache(provider)
	return nil
}

// UseMemcache points the package-level cache at Memcache.
func UseMemcache(config *MemcacheConfig) error {
	provider, err := NewMemcacheProvider(config)
	if err != nil {
		return fmt.Errorf("failed to initialize Memcache provider: %w", err)
	}
	defaultCache = NewCache(provider)
	return nil
}

// GetDefaultCache returns the package-level cache, lazily backed by an
// in-memory provider when none of the Use* functions ran first.
func GetDefaultCache() *Cache {
	if defaultCache == nil {
		_ = UseMemory(&Options{
			DefaultTTL: 5 * time.Minute,
			MaxSize:    10000,
		})
	}
	return defaultCache
}

// SetDefaultCache replaces the package-level cache. Tests use it to swap
// in a pre-configured instance; passing nil resets to lazy initialization.
func SetDefaultCache(c *Cache) {
	defaultCache = c
}

// Close releases the package-level cache's resources, if any.
func Close() error {
	if defaultCache != nil {
		return defaultCache.Close()
	}
	return nil
}
