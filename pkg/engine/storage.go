package engine

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/relapi/engine/pkg/cache"
	"github.com/relapi/engine/pkg/common"
	"github.com/relapi/engine/pkg/logger"
	"github.com/relapi/engine/pkg/metrics"
)

// Row is one record as returned from storage: physical column names to Go
// values, before the codec's simplified-form field renaming.
type Row = map[string]any

// QueryResult is the outcome of dataQuery: the page of rows plus, when
// pagination totals are enabled, the total row count ignoring Limit/Offset.
type QueryResult struct {
	Rows  []Row
	Total int64
}

// Store is the storage collaborator contract: the eight data
// procedures, the partitioned include fetch, plus transaction management that the Write Coordinator and
// read path depend on. Concrete engines wire one implementation per
// database driver.
type Store interface {
	DataQuery(ctx context.Context, r *Resource, plan *QueryPlan, withTotal bool) (*QueryResult, error)
	DataGet(ctx context.Context, r *Resource, id string, plan *QueryPlan) (Row, error)
	DataGetMinimal(ctx context.Context, r *Resource, id string, columns []string) (Row, error)
	DataExists(ctx context.Context, r *Resource, id string) (bool, error)
	DataPost(ctx context.Context, r *Resource, values map[string]any) (string, error)
	DataPut(ctx context.Context, r *Resource, id string, values map[string]any) error
	DataPatch(ctx context.Context, r *Resource, id string, values map[string]any) error
	DataDelete(ctx context.Context, r *Resource, id string) error

	// DataQueryPartitioned fetches plan's rows with at most limit rows per
	// distinct partitionBy value, for per-parent-limited include expansion.
	// Implementations use a window function when the dialect supports one
	// and an equivalent correlated-count strategy otherwise.
	DataQueryPartitioned(ctx context.Context, r *Resource, plan *QueryPlan, partitionBy string, limit int) (*QueryResult, error)

	NewTransaction(ctx context.Context) (Store, func(commit bool) error, error)

	// SupportsWindowFunctions reports whether the backend can serve a
	// partitioned per-parent-limit fetch with a single window-function
	// query, versus needing the correlated-group fallback.
	SupportsWindowFunctions() bool
}

// BunStore is the primary Store implementation, backed by uptrace/bun
// (replaced with the warkanum fork) over any of its supported dialects.
type BunStore struct {
	db      bun.IDB
	dialect string // "postgres", "sqlite", "mssql"
	cache   *cache.Cache
}

// NewBunStore wraps db for dialect ("postgres", "sqlite", or "mssql").
// cacheProvider may be nil to disable pagination-total caching.
func NewBunStore(db bun.IDB, dialect string, cacheProvider *cache.Cache) *BunStore {
	return &BunStore{db: db, dialect: dialect, cache: cacheProvider}
}

func (s *BunStore) SupportsWindowFunctions() bool {
	return s.dialect == "postgres" || s.dialect == "mssql"
}

// recordQuery times a storage operation and reports it to the metrics
// provider. Call as `defer recordQuery("select", r.Name, time.Now())(&err)`
// with a named error return.
func recordQuery(operation, table string, start time.Time) func(*error) {
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		metrics.GetProvider().RecordDBQuery(operation, table, time.Since(start), err)
	}
}

func (s *BunStore) tableName(r *Resource) string {
	name := r.TableName
	if name == "" {
		name = r.Name
	}
	if r.SchemaName == "" {
		return name
	}
	return r.SchemaName + "." + name
}

// DataQuery issues the primary selection with filters, sort, and
// pagination, optionally computing a cached total.
func (s *BunStore) DataQuery(ctx context.Context, r *Resource, plan *QueryPlan, withTotal bool) (result *QueryResult, err error) {
	defer recordQuery("select", r.Name, time.Now())(&err)

	q := s.db.NewSelect().Table(s.tableName(r))
	if len(plan.Select) > 0 {
		q = q.ColumnExpr(strings.Join(quoteIdents(plan.Select), ", "))
	} else {
		q = q.ColumnExpr("*")
	}

	where, args := buildWhere(plan.Filters)
	if where != "" {
		q = q.Where(where, args...)
	}
	for _, term := range plan.Sort {
		dir := "ASC"
		if term.Descending {
			dir = "DESC"
		}
		q = q.OrderExpr(fmt.Sprintf("%s %s", quoteIdent(term.Field), dir))
	}

	switch {
	case plan.Page == nil:
		// no pagination plan: fetch every matching row, used by include
		// expansion and pivot synchronization, which always want the
		// complete related set.
	case plan.Page.Style == "offset_limit":
		q = q.Offset(plan.Page.Offset).Limit(plan.Page.Limit)
	default:
		size := plan.Page.Size
		offset := (plan.Page.Number - 1) * size
		if offset < 0 {
			offset = 0
		}
		q = q.Offset(offset).Limit(size)
	}

	var rows []Row
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, ErrInternal(fmt.Errorf("dataQuery %s: %w", r.Name, err))
	}
	normalizeRows(rows, r)

	result = &QueryResult{Rows: rows}
	if withTotal {
		total, terr := s.total(ctx, r, plan, where, args)
		if terr != nil {
			return nil, terr
		}
		result.Total = total
	}
	return result, nil
}

func (s *BunStore) total(ctx context.Context, r *Resource, plan *QueryPlan, where string, args []any) (int64, error) {
	filterKeys := make([]cache.FilterKey, 0, len(plan.Filters))
	for _, f := range plan.Filters {
		filterKeys = append(filterKeys, cache.FilterKey{Column: f.Field, Operator: f.Operator, Value: f.Value})
	}
	sortKeys := make([]cache.SortKey, 0, len(plan.Sort))
	for _, t := range plan.Sort {
		dir := "asc"
		if t.Descending {
			dir = "desc"
		}
		sortKeys = append(sortKeys, cache.SortKey{Column: t.Field, Direction: dir})
	}
	hash := cache.BuildQueryCacheKey(r.Name, filterKeys, sortKeys, where, "")
	cacheKey := cache.GetQueryTotalCacheKey(r.Name, hash)

	load := func() (int64, error) {
		var count int64
		q := s.db.NewSelect().Table(s.tableName(r)).ColumnExpr("count(*)")
		if where != "" {
			q = q.Where(where, args...)
		}
		if err := q.Scan(ctx, &count); err != nil {
			return 0, ErrInternal(fmt.Errorf("dataQuery total %s: %w", r.Name, err))
		}
		return count, nil
	}

	if s.cache == nil {
		return load()
	}

	var cached cache.CachedTotal
	err := s.cache.GetOrSet(ctx, cacheKey, &cached, 2*time.Minute, func() (interface{}, error) {
		count, err := load()
		if err != nil {
			return nil, err
		}
		return cache.CachedTotal{Total: int(count)}, nil
	})
	if err != nil {
		return 0, ErrInternal(fmt.Errorf("dataQuery total %s: %w", r.Name, err))
	}
	return int64(cached.Total), nil
}

// DataQueryPartitioned fetches at most limit rows per distinct partitionBy
// value, choosing the window-function or correlated-count strategy from the
// dialect capability probe.
func (s *BunStore) DataQueryPartitioned(ctx context.Context, r *Resource, plan *QueryPlan, partitionBy string, limit int) (result *QueryResult, err error) {
	defer recordQuery("select_partitioned", r.Name, time.Now())(&err)

	query, args := partitionedSQL(quoteIdent(s.tableName(r)), r, plan, partitionBy, limit, s.SupportsWindowFunctions())

	var rows []Row
	if err := s.db.NewRaw(query, args...).Scan(ctx, &rows); err != nil {
		return nil, ErrInternal(fmt.Errorf("dataQueryPartitioned %s: %w", r.Name, err))
	}
	stripRankColumn(rows)
	normalizeRows(rows, r)
	return &QueryResult{Rows: rows}, nil
}

// DataGet fetches a single row by id using plan's field selection.
func (s *BunStore) DataGet(ctx context.Context, r *Resource, id string, plan *QueryPlan) (row Row, err error) {
	defer recordQuery("select", r.Name, time.Now())(&err)

	q := s.db.NewSelect().Table(s.tableName(r))
	if len(plan.Select) > 0 {
		q = q.ColumnExpr(strings.Join(quoteIdents(plan.Select), ", "))
	} else {
		q = q.ColumnExpr("*")
	}
	q = q.Where(fmt.Sprintf("%s = ?", quoteIdent(r.IDName)), id)

	var rows []Row
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, ErrInternal(fmt.Errorf("dataGet %s/%s: %w", r.Name, id, err))
	}
	if len(rows) == 0 {
		return nil, ErrResourceNotFound(fmt.Sprintf("%s %q not found", r.Name, id))
	}
	normalizeRows(rows, r)
	return rows[0], nil
}

// DataGetMinimal fetches only columns, for the Permission Gate's row-level
// checks ahead of a full read.
func (s *BunStore) DataGetMinimal(ctx context.Context, r *Resource, id string, columns []string) (row Row, err error) {
	defer recordQuery("select_minimal", r.Name, time.Now())(&err)

	cols := columns
	if len(cols) == 0 {
		cols = []string{r.IDName}
	}
	q := s.db.NewSelect().Table(s.tableName(r)).
		ColumnExpr(strings.Join(quoteIdents(cols), ", ")).
		Where(fmt.Sprintf("%s = ?", quoteIdent(r.IDName)), id)

	var rows []Row
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, ErrInternal(fmt.Errorf("dataGetMinimal %s/%s: %w", r.Name, id, err))
	}
	if len(rows) == 0 {
		return nil, ErrResourceNotFound(fmt.Sprintf("%s %q not found", r.Name, id))
	}
	return rows[0], nil
}

// DataExists reports whether id exists, without fetching any columns.
func (s *BunStore) DataExists(ctx context.Context, r *Resource, id string) (exists bool, err error) {
	defer recordQuery("exists", r.Name, time.Now())(&err)

	exists, err = s.db.NewSelect().Table(s.tableName(r)).
		Where(fmt.Sprintf("%s = ?", quoteIdent(r.IDName)), id).
		Exists(ctx)
	if err != nil {
		return false, ErrInternal(fmt.Errorf("dataExists %s/%s: %w", r.Name, id, err))
	}
	return exists, nil
}

// DataPost inserts values and returns the assigned id.
func (s *BunStore) DataPost(ctx context.Context, r *Resource, values map[string]any) (newID string, err error) {
	defer recordQuery("insert", r.Name, time.Now())(&err)

	q := s.db.NewInsert().Table(s.tableName(r)).Model(&values).Returning(r.IDName)

	var id any
	if err := q.Scan(ctx, &id); err != nil {
		return "", ErrInternal(fmt.Errorf("dataPost %s: %w", r.Name, err))
	}
	return fmt.Sprintf("%v", id), nil
}

// DataPut replaces values at id (caller has already computed the full
// field set, including nulled-out relationship columns).
func (s *BunStore) DataPut(ctx context.Context, r *Resource, id string, values map[string]any) (err error) {
	defer recordQuery("update", r.Name, time.Now())(&err)
	return s.update(ctx, r, id, values)
}

// DataPatch updates only the supplied fields at id.
func (s *BunStore) DataPatch(ctx context.Context, r *Resource, id string, values map[string]any) (err error) {
	if len(values) == 0 {
		return nil
	}
	defer recordQuery("update", r.Name, time.Now())(&err)
	return s.update(ctx, r, id, values)
}

func (s *BunStore) update(ctx context.Context, r *Resource, id string, values map[string]any) error {
	q := s.db.NewUpdate().Table(s.tableName(r))
	for col, val := range values {
		if col == r.IDName {
			continue
		}
		q = q.Set(fmt.Sprintf("%s = ?", quoteIdent(col)), val)
	}
	q = q.Where(fmt.Sprintf("%s = ?", quoteIdent(r.IDName)), id)

	res, err := q.Exec(ctx)
	if err != nil {
		return ErrInternal(fmt.Errorf("update %s/%s: %w", r.Name, id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrResourceNotFound(fmt.Sprintf("%s %q not found", r.Name, id))
	}
	return nil
}

// DataDelete removes the row at id.
func (s *BunStore) DataDelete(ctx context.Context, r *Resource, id string) (err error) {
	defer recordQuery("delete", r.Name, time.Now())(&err)

	res, err := s.db.NewDelete().Table(s.tableName(r)).
		Where(fmt.Sprintf("%s = ?", quoteIdent(r.IDName)), id).
		Exec(ctx)
	if err != nil {
		return ErrInternal(fmt.Errorf("dataDelete %s/%s: %w", r.Name, id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrResourceNotFound(fmt.Sprintf("%s %q not found", r.Name, id))
	}
	return nil
}

// NewTransaction starts a transaction and returns a Store bound to it plus
// a finalizer the caller must invoke exactly once (true to commit, false
// to roll back). If s is already bound to a transaction, the existing
// transaction is reused and the finalizer is a no-op (shouldCommit=false
// only the owner of the outermost transaction commits).
func (s *BunStore) NewTransaction(ctx context.Context) (Store, func(commit bool) error, error) {
	if _, alreadyTx := s.db.(bun.Tx); alreadyTx {
		return s, func(bool) error { return nil }, nil
	}

	db, ok := s.db.(*bun.DB)
	if !ok {
		return s, func(bool) error { return nil }, nil
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, nil, ErrInternal(fmt.Errorf("begin transaction: %w", err))
	}

	txStore := &BunStore{db: tx, dialect: s.dialect, cache: s.cache}
	finalize := func(commit bool) error {
		if commit {
			return tx.Commit()
		}
		return tx.Rollback()
	}
	return txStore, finalize, nil
}

func quoteIdent(name string) string {
	if name == "" {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

// partitionedSQL builds the per-parent-limited fetch. The windowed form
// ranks rows per partition with ROW_NUMBER(); the fallback counts earlier
// rows in the same partition. Both order by the first sort term, with the
// id column as tie-break.
func partitionedSQL(table string, r *Resource, plan *QueryPlan, partitionBy string, limit int, windowed bool) (string, []any) {
	cols := "*"
	if len(plan.Select) > 0 {
		cols = strings.Join(quoteIdents(plan.Select), ", ")
	}
	ordCol := r.IDName
	ordDir := "ASC"
	if len(plan.Sort) > 0 {
		ordCol = plan.Sort[0].Field
		if plan.Sort[0].Descending {
			ordDir = "DESC"
		}
	}
	where, args := buildWhere(plan.Filters)

	pb := quoteIdent(partitionBy)
	ord := quoteIdent(ordCol)
	id := quoteIdent(r.IDName)

	if windowed {
		inner := fmt.Sprintf("SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s %s, %s) AS __rank FROM %s",
			pb, ord, ordDir, id, table)
		if where != "" {
			inner += " WHERE " + where
		}
		query := fmt.Sprintf("SELECT %s FROM (%s) ranked WHERE __rank <= ? ORDER BY %s, %s %s",
			cols, inner, pb, ord, ordDir)
		return query, append(args, limit)
	}

	cmp := "<"
	if ordDir == "DESC" {
		cmp = ">"
	}
	sub := fmt.Sprintf(
		"(SELECT count(*) FROM %s AS i WHERE i.%s = o.%s AND (i.%s %s o.%s OR (i.%s = o.%s AND i.%s < o.%s))) < ?",
		table, pb, pb, ord, cmp, ord, ord, ord, id, id)
	var query string
	if where != "" {
		query = fmt.Sprintf("SELECT %s FROM %s AS o WHERE (%s) AND %s", cols, table, where, sub)
	} else {
		query = fmt.Sprintf("SELECT %s FROM %s AS o WHERE %s", cols, table, sub)
	}
	query += fmt.Sprintf(" ORDER BY o.%s, o.%s %s", pb, ord, ordDir)
	return query, append(args, limit)
}

// stripRankColumn drops the window strategy's ranking column from rows
// fetched with SELECT *.
func stripRankColumn(rows []Row) {
	for _, row := range rows {
		delete(row, "__rank")
	}
}

// buildWhere AND-combines filter nodes into a parameterized SQL predicate.
// Every node contributes one placeholder condition; the planner guarantees
// all top-level nodes are logically ANDed.
func buildWhere(filters []FilterNode) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	var clauses []string
	var args []any
	for _, f := range filters {
		clause, arg, hasArg := filterClause(f)
		if clause == "" {
			continue
		}
		clauses = append(clauses, clause)
		if hasArg {
			args = append(args, arg)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

func filterClause(f FilterNode) (string, any, bool) {
	col := quoteIdent(f.Field)
	switch f.Operator {
	case "=", "!=", ">", ">=", "<", "<=":
		return fmt.Sprintf("%s %s ?", col, f.Operator), f.Value, true
	case "like":
		return fmt.Sprintf("%s LIKE ?", col), fmt.Sprintf("%%%v%%", f.Value), true
	case "in":
		if isEmptySlice(f.Value) {
			return "1 = 0", nil, false // empty IN-set matches nothing, no placeholder needed
		}
		return fmt.Sprintf("%s IN (?)", col), bun.In(f.Value), true
	default:
		logger.Warn("unsupported filter operator %q for field %q, defaulting to equality", f.Operator, f.Field)
		return fmt.Sprintf("%s = ?", col), f.Value, true
	}
}

func isEmptySlice(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Slice && rv.Len() == 0
}

// normalizeRows applies the database-typed value normalization in
// place, using the common package's nullable SQL scan types rather than
// reimplementing driver-value coercion here: 0/1 and "0"/"1" become bool
// for boolean-kind fields; "datetime"/"timestamp" columns parse
// database-local forms as UTC; "date" columns become UTC midnight;
// "time" columns are returned as HH:MM:SS strings.
func normalizeRows(rows []Row, r *Resource) {
	for _, row := range rows {
		for _, f := range r.Fields {
			col := f.columnName()
			val, ok := row[col]
			if !ok || val == nil {
				continue
			}
			switch f.Kind {
			case "bool":
				row[col] = normalizeBool(val)
			case "datetime", "timestamp":
				row[col] = normalizeTimestamp(val)
			case "date":
				row[col] = normalizeDate(val)
			case "time":
				row[col] = normalizeTime(val)
			}
		}
	}
}

// normalizeBool scans val through common.SqlBool, which routes numeric and
// string driver values (int64 0/1, "0"/"1", "true"/"false") through
// database/sql's own boolean conversion before falling back to its
// string-parsing path.
func normalizeBool(val any) any {
	var n common.SqlBool
	if err := n.Scan(val); err != nil || !n.Valid {
		return val
	}
	return n.Val
}

// normalizeTimestamp scans val through common.SqlTimeStamp, returning it
// converted to UTC.
func normalizeTimestamp(val any) any {
	var ts common.SqlTimeStamp
	if err := ts.Scan(val); err != nil || !ts.Valid {
		return val
	}
	return ts.Val.UTC()
}

// normalizeDate scans val through common.SqlDate, returning UTC midnight on
// the parsed day.
func normalizeDate(val any) any {
	var d common.SqlDate
	if err := d.Scan(val); err != nil || !d.Valid {
		return val
	}
	return time.Date(d.Val.Year(), d.Val.Month(), d.Val.Day(), 0, 0, 0, 0, time.UTC)
}

// normalizeTime scans val through common.SqlTime, returning the HH:MM:SS
// string form used for time-only columns.
func normalizeTime(val any) any {
	var t common.SqlTime
	if err := t.Scan(val); err != nil || !t.Valid {
		return val
	}
	return t.String()
}
