package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/relapi/engine/pkg/logger"
)

// ConfigColumnSecurityProvider serves column security rules from a static,
// process-startup-time map keyed by "schema.table".
type ConfigColumnSecurityProvider struct {
	rules map[string][]ColumnSecurity
}

func NewConfigColumnSecurityProvider(rules map[string][]ColumnSecurity) *ConfigColumnSecurityProvider {
	return &ConfigColumnSecurityProvider{rules: rules}
}

func (p *ConfigColumnSecurityProvider) GetColumnSecurity(ctx context.Context, userID int, schema, table string) ([]ColumnSecurity, error) {
	return p.rules[fmt.Sprintf("%s.%s", schema, table)], nil
}

// ConfigRowSecurityProvider serves row security templates from static maps
// keyed by "schema.table".
type ConfigRowSecurityProvider struct {
	templates map[string]string
	blocked   map[string]bool
}

func NewConfigRowSecurityProvider(templates map[string]string, blocked map[string]bool) *ConfigRowSecurityProvider {
	return &ConfigRowSecurityProvider{templates: templates, blocked: blocked}
}

func (p *ConfigRowSecurityProvider) GetRowSecurity(ctx context.Context, userID int, schema, table string) (RowSecurity, error) {
	key := fmt.Sprintf("%s.%s", schema, table)
	if p.blocked[key] {
		return RowSecurity{Schema: schema, Table: table, UserID: userID, HasBlock: true}, nil
	}
	return RowSecurity{Schema: schema, Table: table, UserID: userID, Template: p.templates[key]}, nil
}

// DatabaseColumnSecurityProvider loads column security rules from a stored
// procedure, for deployments that manage authorization policy as data
// rather than process configuration.
type DatabaseColumnSecurityProvider struct {
	db *sql.DB
}

func NewDatabaseColumnSecurityProvider(db *sql.DB) *DatabaseColumnSecurityProvider {
	return &DatabaseColumnSecurityProvider{db: db}
}

func (p *DatabaseColumnSecurityProvider) GetColumnSecurity(ctx context.Context, userID int, schema, table string) ([]ColumnSecurity, error) {
	var rulesJSON []byte
	query := `SELECT p_rules FROM engine_column_security($1, $2, $3)`
	if err := p.db.QueryRowContext(ctx, query, userID, schema, table).Scan(&rulesJSON); err != nil {
		return nil, fmt.Errorf("failed to load column security: %w", err)
	}

	var records []struct {
		Path       string `json:"path"`
		Accesstype string `json:"accesstype"`
		MaskStart  int    `json:"mask_start"`
		MaskEnd    int    `json:"mask_end"`
		MaskChar   string `json:"mask_char"`
		MaskInvert bool   `json:"mask_invert"`
	}
	if err := json.Unmarshal(rulesJSON, &records); err != nil {
		return nil, fmt.Errorf("failed to parse column security rules: %w", err)
	}

	rules := make([]ColumnSecurity, 0, len(records))
	for _, rec := range records {
		rules = append(rules, ColumnSecurity{
			Schema:     schema,
			Table:      table,
			Path:       []string{rec.Path},
			UserID:     userID,
			Accesstype: rec.Accesstype,
			MaskStart:  rec.MaskStart,
			MaskEnd:    rec.MaskEnd,
			MaskChar:   rec.MaskChar,
			MaskInvert: rec.MaskInvert,
		})
	}
	return rules, nil
}

// DatabaseRowSecurityProvider loads a row security template from a stored
// procedure.
type DatabaseRowSecurityProvider struct {
	db *sql.DB
}

func NewDatabaseRowSecurityProvider(db *sql.DB) *DatabaseRowSecurityProvider {
	return &DatabaseRowSecurityProvider{db: db}
}

func (p *DatabaseRowSecurityProvider) GetRowSecurity(ctx context.Context, userID int, schema, table string) (RowSecurity, error) {
	var template string
	var hasBlock bool
	query := `SELECT p_template, p_block FROM engine_row_security($1, $2, $3)`
	if err := p.db.QueryRowContext(ctx, query, schema, table, userID).Scan(&template, &hasBlock); err != nil {
		logger.Warn("row security lookup failed for %s.%s user %d: %v", schema, table, userID, err)
		return RowSecurity{}, fmt.Errorf("failed to load row security: %w", err)
	}
	return RowSecurity{Schema: schema, Table: table, UserID: userID, Template: template, HasBlock: hasBlock}, nil
}
