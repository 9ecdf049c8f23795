package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// FilterKey is the cache-key projection of a single query planner filter
// term. It intentionally carries only what affects the result set (column,
// operator, value), not presentation-only fields.
type FilterKey struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// SortKey is the cache-key projection of a single sort term.
type SortKey struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

// queryCacheKey is the hashed identity of one total-count query.
type queryCacheKey struct {
	TableName      string      `json:"table_name"`
	Filters        []FilterKey `json:"filters"`
	Sort           []SortKey   `json:"sort"`
	CustomSQLWhere string      `json:"custom_sql_where,omitempty"`
	CustomSQLOr    string      `json:"custom_sql_or,omitempty"`
}

// BuildQueryCacheKey hashes the parts of a query that determine its total
// row count. Two requests differing only in pagination or field selection
// share a hash.
func BuildQueryCacheKey(tableName string, filters []FilterKey, sort []SortKey, customWhere, customOr string) string {
	key := queryCacheKey{
		TableName:      tableName,
		Filters:        filters,
		Sort:           sort,
		CustomSQLWhere: customWhere,
		CustomSQLOr:    customOr,
	}
	jsonData, err := json.Marshal(key)
	if err != nil {
		return hashString(fmt.Sprintf("%s_%v_%v_%s_%s", tableName, filters, sort, customWhere, customOr))
	}
	return hashString(string(jsonData))
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// GetQueryTotalCacheKey builds the storage key for a cached total. The
// table name is kept in clear text ahead of the hash so that
// InvalidateCacheForTable can match every total for a table by prefix.
func GetQueryTotalCacheKey(tableName, hash string) string {
	return fmt.Sprintf("query_total:%s:%s", tableName, hash)
}

// CachedTotal is the serialized form of one cached total count.
type CachedTotal struct {
	Total int `json:"total"`
}

// InvalidateCacheForTable drops every cached total for tableName. The
// Write Coordinator calls it after any successful insert/update/delete
// against the table.
func InvalidateCacheForTable(ctx context.Context, tableName string) error {
	pattern := fmt.Sprintf("query_total:%s:*", tableName)
	return GetDefaultCache().DeleteByPattern(ctx, pattern)
}
