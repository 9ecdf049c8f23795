package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcacheProvider backs the cache with a Memcache cluster. Memcache has
// no key enumeration, so DeleteByPattern is unsupported; callers that need
// per-table invalidation should prefer the memory or Redis providers.
type MemcacheProvider struct {
	client  *memcache.Client
	options *Options
}

// MemcacheConfig carries the connection settings for NewMemcacheProvider.
type MemcacheConfig struct {
	Servers      []string      // default ["localhost:11211"]
	MaxIdleConns int           // default 2
	Timeout      time.Duration // default 1s

	Options *Options
}

// NewMemcacheProvider connects and pings; a failed ping is a startup
// error, not a deferred one.
func NewMemcacheProvider(config *MemcacheConfig) (*MemcacheProvider, error) {
	if config == nil {
		config = &MemcacheConfig{}
	}
	if len(config.Servers) == 0 {
		config.Servers = []string{"localhost:11211"}
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 1 * time.Second
	}
	if config.Options == nil {
		config.Options = &Options{DefaultTTL: 5 * time.Minute}
	}

	client := memcache.New(config.Servers...)
	client.MaxIdleConns = config.MaxIdleConns
	client.Timeout = config.Timeout

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to Memcache: %w", err)
	}

	return &MemcacheProvider{client: client, options: config.Options}, nil
}

// Get returns the bytes under key, or false on a miss or error.
func (m *MemcacheProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	item, err := m.client.Get(key)
	if err != nil {
		return nil, false
	}
	return item.Value, true
}

// Set stores value under key.
func (m *MemcacheProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = m.options.DefaultTTL
	}
	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(ttl.Seconds()),
	})
}

// Delete removes key; a miss is not an error.
func (m *MemcacheProvider) Delete(ctx context.Context, key string) error {
	err := m.client.Delete(key)
	if err == memcache.ErrCacheMiss {
		return nil
	}
	return err
}

// DeleteByPattern is unsupported: memcache cannot enumerate keys.
func (m *MemcacheProvider) DeleteByPattern(ctx context.Context, pattern string) error {
	return fmt.Errorf("pattern-based deletion is not supported by Memcache")
}

// Clear flushes every server in the cluster.
func (m *MemcacheProvider) Clear(ctx context.Context) error {
	return m.client.FlushAll()
}

// Exists reports whether key is present.
func (m *MemcacheProvider) Exists(ctx context.Context, key string) bool {
	_, err := m.client.Get(key)
	return err == nil
}

// Close is a no-op; the memcache client holds no closable resources.
func (m *MemcacheProvider) Close() error {
	return nil
}

// Stats is limited: the standard client exposes no counters.
func (m *MemcacheProvider) Stats(ctx context.Context) (*CacheStats, error) {
	return &CacheStats{
		ProviderType: "memcache",
		ProviderStats: map[string]any{
			"note": "memcache does not expose detailed statistics through the standard client",
		},
	}, nil
}
