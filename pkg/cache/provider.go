package cache

import (
	"context"
	"time"
)

// Provider is the storage backend behind Cache. Implementations exist for
// process-local memory, Redis, and Memcache. A ttl of 0 means "use the
// provider's default TTL".
type Provider interface {
	// Get returns the raw bytes stored under key, or false when the key
	// is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPattern removes every key matching pattern. Patterns are
	// simple globs; only a trailing '*' is guaranteed to be supported by
	// every provider.
	DeleteByPattern(ctx context.Context, pattern string) error

	// Clear removes everything.
	Clear(ctx context.Context) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) bool

	// Close releases the provider's resources.
	Close() error

	// Stats reports hit/miss/key counts for the provider.
	Stats(ctx context.Context) (*CacheStats, error)
}

// CacheStats is what Provider.Stats reports.
type CacheStats struct {
	Hits          int64          `json:"hits"`
	Misses        int64          `json:"misses"`
	Keys          int64          `json:"keys"`
	ProviderType  string         `json:"provider_type"`
	ProviderStats map[string]any `json:"provider_stats,omitempty"`
}

// Options carries the provider-independent knobs.
type Options struct {
	// DefaultTTL applies when Set is called with ttl 0.
	DefaultTTL time.Duration

	// MaxSize bounds the item count for the in-memory provider; 0 means
	// unbounded.
	MaxSize int
}
