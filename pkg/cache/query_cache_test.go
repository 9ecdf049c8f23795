package cache

import (
	"context"
	"testing"
	"time"
)

func TestBuildQueryCacheKey(t *testing.T) {
	filters := []FilterKey{
		{Column: "name", Operator: "eq", Value: "test"},
		{Column: "age", Operator: "gt", Value: 25},
	}
	sorts := []SortKey{
		{Column: "name", Direction: "asc"},
	}

	key1 := BuildQueryCacheKey("users", filters, sorts, "status = 'active'", "")
	key2 := BuildQueryCacheKey("users", filters, sorts, "status = 'active'", "")
	if key1 != key2 {
		t.Errorf("Expected same cache keys for identical parameters, got %s and %s", key1, key2)
	}

	key3 := BuildQueryCacheKey("users", filters, sorts, "status = 'inactive'", "")
	if key1 == key3 {
		t.Errorf("Expected different cache keys for different parameters, got %s and %s", key1, key3)
	}
}

func TestGetQueryTotalCacheKey(t *testing.T) {
	key := GetQueryTotalCacheKey("articles", "abc123")

	expected := "query_total:articles:abc123"
	if key != expected {
		t.Errorf("Expected %s, got %s", expected, key)
	}
}

func TestCachedTotalIntegration(t *testing.T) {
	if err := UseMemory(&Options{
		DefaultTTL: 1 * time.Minute,
		MaxSize:    100,
	}); err != nil {
		t.Fatalf("UseMemory: %v", err)
	}

	ctx := context.Background()

	filters := []FilterKey{
		{Column: "status", Operator: "eq", Value: "active"},
	}
	sorts := []SortKey{
		{Column: "created_at", Direction: "desc"},
	}

	hash := BuildQueryCacheKey("test_table", filters, sorts, "", "")
	cacheKey := GetQueryTotalCacheKey("test_table", hash)

	err := GetDefaultCache().Set(ctx, cacheKey, CachedTotal{Total: 42}, time.Minute)
	if err != nil {
		t.Fatalf("Failed to set cache: %v", err)
	}

	var cachedTotal CachedTotal
	err = GetDefaultCache().Get(ctx, cacheKey, &cachedTotal)
	if err != nil {
		t.Fatalf("Failed to get from cache: %v", err)
	}
	if cachedTotal.Total != 42 {
		t.Errorf("Expected total 42, got %d", cachedTotal.Total)
	}

	var missedTotal CachedTotal
	err = GetDefaultCache().Get(ctx, GetQueryTotalCacheKey("test_table", "nonexistent"), &missedTotal)
	if err == nil {
		t.Errorf("Expected error for cache miss, got nil")
	}
}

func TestInvalidateCacheForTable(t *testing.T) {
	if err := UseMemory(&Options{
		DefaultTTL: 1 * time.Minute,
		MaxSize:    100,
	}); err != nil {
		t.Fatalf("UseMemory: %v", err)
	}

	ctx := context.Background()
	c := GetDefaultCache()

	articlesKey := GetQueryTotalCacheKey("articles", "h1")
	usersKey := GetQueryTotalCacheKey("users", "h2")
	if err := c.Set(ctx, articlesKey, CachedTotal{Total: 3}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, usersKey, CachedTotal{Total: 5}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := InvalidateCacheForTable(ctx, "articles"); err != nil {
		t.Fatalf("InvalidateCacheForTable: %v", err)
	}

	if c.Exists(ctx, articlesKey) {
		t.Error("articles total should be invalidated")
	}
	if !c.Exists(ctx, usersKey) {
		t.Error("users total should survive an articles invalidation")
	}
}

func TestHashString(t *testing.T) {
	hash1 := hashString("test string")
	hash2 := hashString("test string")
	hash3 := hashString("different string")

	if hash1 != hash2 {
		t.Errorf("Expected same hash for identical inputs")
	}
	if hash1 == hash3 {
		t.Errorf("Expected different hash for different inputs")
	}
	if len(hash1) != 64 {
		t.Errorf("Expected hash length of 64, got %d", len(hash1))
	}
}
