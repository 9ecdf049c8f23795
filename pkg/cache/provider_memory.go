package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type memoryItem struct {
	value      []byte
	expiration time.Time // zero means no expiry
	lastAccess time.Time
}

func (m *memoryItem) expired() bool {
	return !m.expiration.IsZero() && time.Now().After(m.expiration)
}

// MemoryProvider keeps entries in a process-local map with LRU eviction
// once MaxSize is reached. It is the default provider and the one the
// engine's query-total cache runs on unless Redis/Memcache is configured.
type MemoryProvider struct {
	mu      sync.RWMutex
	items   map[string]*memoryItem
	options *Options
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemoryProvider returns a provider over an empty map. A nil opts gets
// a 5-minute default TTL and a 10000-item cap.
func NewMemoryProvider(opts *Options) *MemoryProvider {
	if opts == nil {
		opts = &Options{
			DefaultTTL: 5 * time.Minute,
			MaxSize:    10000,
		}
	}
	return &MemoryProvider{
		items:   make(map[string]*memoryItem),
		options: opts,
	}
}

// Get returns the bytes under key, or false on a miss or expired entry.
func (m *MemoryProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	item, exists := m.items[key]
	m.mu.RUnlock()

	if !exists {
		m.misses.Add(1)
		return nil, false
	}
	if item.expired() {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, false
	}

	m.mu.Lock()
	item.lastAccess = time.Now()
	value := item.value
	m.mu.Unlock()

	m.hits.Add(1)
	return value, true
}

// Set stores value under key, evicting the least-recently-used entry when
// the cap is hit.
func (m *MemoryProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl == 0 {
		ttl = m.options.DefaultTTL
	}
	var expiration time.Time
	if ttl > 0 {
		expiration = time.Now().Add(ttl)
	}

	if m.options.MaxSize > 0 && len(m.items) >= m.options.MaxSize {
		if _, exists := m.items[key]; !exists {
			m.evictOne()
		}
	}

	m.items[key] = &memoryItem{
		value:      value,
		expiration: expiration,
		lastAccess: time.Now(),
	}
	return nil
}

// Delete removes key.
func (m *MemoryProvider) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// DeleteByPattern removes every key matching a glob of the form "prefix*"
// (or an exact key when no '*' is present).
func (m *MemoryProvider) DeleteByPattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		for key := range m.items {
			if strings.HasPrefix(key, prefix) {
				delete(m.items, key)
			}
		}
		return nil
	}
	delete(m.items, pattern)
	return nil
}

// Clear removes everything and resets the hit/miss counters.
func (m *MemoryProvider) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*memoryItem)
	m.hits.Store(0)
	m.misses.Store(0)
	return nil
}

// Exists reports whether key is present and unexpired.
func (m *MemoryProvider) Exists(ctx context.Context, key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, exists := m.items[key]
	return exists && !item.expired()
}

// Close drops the map.
func (m *MemoryProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	return nil
}

// Stats counts unexpired keys without removing the expired ones.
func (m *MemoryProvider) Stats(ctx context.Context) (*CacheStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	validKeys := 0
	for _, item := range m.items {
		if !item.expired() {
			validKeys++
		}
	}
	return &CacheStats{
		Hits:         m.hits.Load(),
		Misses:       m.misses.Load(),
		Keys:         int64(validKeys),
		ProviderType: "memory",
		ProviderStats: map[string]any{
			"capacity": m.options.MaxSize,
		},
	}, nil
}

// evictOne drops an expired entry if it finds one, otherwise the
// least-recently-used entry. Caller holds the write lock.
func (m *MemoryProvider) evictOne() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range m.items {
		if item.expired() {
			delete(m.items, key)
			return
		}
		if oldestKey == "" || item.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.lastAccess
		}
	}
	if oldestKey != "" {
		delete(m.items, oldestKey)
	}
}
