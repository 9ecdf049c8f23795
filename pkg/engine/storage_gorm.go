package engine

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// GormStore is the secondary Store implementation, backed by gorm.io/gorm
// over raw SQL rather than its struct-mapping ORM layer — the engine's
// resources are declared dynamically, so there is no static Go struct for
// GORM to map columns onto, so raw SQL through Exec/Raw is the only way
// to drive it.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. Dialect is inferred from db.Dialector.Name() for
// SupportsWindowFunctions.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) SupportsWindowFunctions() bool {
	name := s.db.Dialector.Name()
	return name == "postgres" || name == "sqlserver"
}

func (s *GormStore) tableName(r *Resource) string {
	name := r.TableName
	if name == "" {
		name = r.Name
	}
	if r.SchemaName == "" {
		return name
	}
	return r.SchemaName + "." + name
}

func (s *GormStore) DataQuery(ctx context.Context, r *Resource, plan *QueryPlan, withTotal bool) (*QueryResult, error) {
	cols := "*"
	if len(plan.Select) > 0 {
		cols = strings.Join(quoteIdents(plan.Select), ", ")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", cols, quoteIdent(s.tableName(r)))
	where, args := buildWhere(plan.Filters)
	if where != "" {
		query += " WHERE " + where
	}
	if len(plan.Sort) > 0 {
		var parts []string
		for _, term := range plan.Sort {
			dir := "ASC"
			if term.Descending {
				dir = "DESC"
			}
			parts = append(parts, fmt.Sprintf("%s %s", quoteIdent(term.Field), dir))
		}
		query += " ORDER BY " + strings.Join(parts, ", ")
	}
	if plan.Page != nil {
		if plan.Page.Style == "offset_limit" {
			query += fmt.Sprintf(" LIMIT %d OFFSET %d", plan.Page.Limit, plan.Page.Offset)
		} else {
			size := plan.Page.Size
			offset := (plan.Page.Number - 1) * size
			if offset < 0 {
				offset = 0
			}
			query += fmt.Sprintf(" LIMIT %d OFFSET %d", size, offset)
		}
	}

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, args...).Find(&rows).Error; err != nil {
		return nil, ErrInternal(fmt.Errorf("dataQuery %s: %w", r.Name, err))
	}
	normalizeRows(rows, r)

	result := &QueryResult{Rows: rows}
	if withTotal {
		countQuery := fmt.Sprintf("SELECT count(*) FROM %s", quoteIdent(s.tableName(r)))
		if where != "" {
			countQuery += " WHERE " + where
		}
		if err := s.db.WithContext(ctx).Raw(countQuery, args...).Scan(&result.Total).Error; err != nil {
			return nil, ErrInternal(fmt.Errorf("dataQuery total %s: %w", r.Name, err))
		}
	}
	return result, nil
}

// DataQueryPartitioned fetches at most limit rows per distinct partitionBy
// value, sharing BunStore's SQL-building strategy selection.
func (s *GormStore) DataQueryPartitioned(ctx context.Context, r *Resource, plan *QueryPlan, partitionBy string, limit int) (*QueryResult, error) {
	query, args := partitionedSQL(quoteIdent(s.tableName(r)), r, plan, partitionBy, limit, s.SupportsWindowFunctions())

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, args...).Find(&rows).Error; err != nil {
		return nil, ErrInternal(fmt.Errorf("dataQueryPartitioned %s: %w", r.Name, err))
	}
	stripRankColumn(rows)
	normalizeRows(rows, r)
	return &QueryResult{Rows: rows}, nil
}

func (s *GormStore) DataGet(ctx context.Context, r *Resource, id string, plan *QueryPlan) (Row, error) {
	cols := "*"
	if len(plan.Select) > 0 {
		cols = strings.Join(quoteIdents(plan.Select), ", ")
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", cols, quoteIdent(s.tableName(r)), quoteIdent(r.IDName))

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, id).Find(&rows).Error; err != nil {
		return nil, ErrInternal(fmt.Errorf("dataGet %s/%s: %w", r.Name, id, err))
	}
	if len(rows) == 0 {
		return nil, ErrResourceNotFound(fmt.Sprintf("%s %q not found", r.Name, id))
	}
	normalizeRows(rows, r)
	return rows[0], nil
}

func (s *GormStore) DataGetMinimal(ctx context.Context, r *Resource, id string, columns []string) (Row, error) {
	if len(columns) == 0 {
		columns = []string{r.IDName}
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(quoteIdents(columns), ", "), quoteIdent(s.tableName(r)), quoteIdent(r.IDName))

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, id).Find(&rows).Error; err != nil {
		return nil, ErrInternal(fmt.Errorf("dataGetMinimal %s/%s: %w", r.Name, id, err))
	}
	if len(rows) == 0 {
		return nil, ErrResourceNotFound(fmt.Sprintf("%s %q not found", r.Name, id))
	}
	return rows[0], nil
}

func (s *GormStore) DataExists(ctx context.Context, r *Resource, id string) (bool, error) {
	var count int64
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = ?", quoteIdent(s.tableName(r)), quoteIdent(r.IDName))
	if err := s.db.WithContext(ctx).Raw(query, id).Scan(&count).Error; err != nil {
		return false, ErrInternal(fmt.Errorf("dataExists %s/%s: %w", r.Name, id, err))
	}
	return count > 0, nil
}

func (s *GormStore) DataPost(ctx context.Context, r *Resource, values map[string]any) (string, error) {
	cols := make([]string, 0, len(values))
	placeholders := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for col, val := range values {
		cols = append(cols, quoteIdent(col))
		placeholders = append(placeholders, "?")
		args = append(args, val)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(s.tableName(r)), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if err := s.db.WithContext(ctx).Exec(query, args...).Error; err != nil {
		return "", ErrInternal(fmt.Errorf("dataPost %s: %w", r.Name, err))
	}

	if id, ok := values[r.IDName]; ok {
		return fmt.Sprintf("%v", id), nil
	}

	var id any
	selectQuery := fmt.Sprintf("SELECT %s FROM %s WHERE rowid = last_insert_rowid()", quoteIdent(r.IDName), quoteIdent(s.tableName(r)))
	if err := s.db.WithContext(ctx).Raw(selectQuery).Row().Scan(&id); err != nil {
		return "", ErrInternal(fmt.Errorf("dataPost %s: resolve assigned id: %w", r.Name, err))
	}
	return fmt.Sprintf("%v", id), nil
}

func (s *GormStore) DataPut(ctx context.Context, r *Resource, id string, values map[string]any) error {
	return s.update(ctx, r, id, values)
}

func (s *GormStore) DataPatch(ctx context.Context, r *Resource, id string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	return s.update(ctx, r, id, values)
}

func (s *GormStore) update(ctx context.Context, r *Resource, id string, values map[string]any) error {
	var sets []string
	var args []any
	for col, val := range values {
		if col == r.IDName {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(col)))
		args = append(args, val)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quoteIdent(s.tableName(r)), strings.Join(sets, ", "), quoteIdent(r.IDName))
	res := s.db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return ErrInternal(fmt.Errorf("update %s/%s: %w", r.Name, id, res.Error))
	}
	if res.RowsAffected == 0 {
		return ErrResourceNotFound(fmt.Sprintf("%s %q not found", r.Name, id))
	}
	return nil
}

func (s *GormStore) DataDelete(ctx context.Context, r *Resource, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(s.tableName(r)), quoteIdent(r.IDName))
	res := s.db.WithContext(ctx).Exec(query, id)
	if res.Error != nil {
		return ErrInternal(fmt.Errorf("dataDelete %s/%s: %w", r.Name, id, res.Error))
	}
	if res.RowsAffected == 0 {
		return ErrResourceNotFound(fmt.Sprintf("%s %q not found", r.Name, id))
	}
	return nil
}

// NewTransaction starts a GORM transaction; the finalizer commits or rolls
// back exactly once. Unlike BunStore, it does not reuse a transaction that
// is already open: it always calls Begin on the current handle.
func (s *GormStore) NewTransaction(ctx context.Context) (Store, func(commit bool) error, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, nil, ErrInternal(fmt.Errorf("begin transaction: %w", tx.Error))
	}

	finalize := func(commit bool) error {
		if commit {
			return tx.Commit().Error
		}
		return tx.Rollback().Error
	}
	return &GormStore{db: tx}, finalize, nil
}

var _ Store = (*GormStore)(nil)
