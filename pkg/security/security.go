// Package security provides the row- and column-level authorization
// collaborators consumed by the engine's Permission Gate. Authentication
// and identity (who the caller is) are supplied by the transport layer;
// this package only answers "what may this already-identified user see or
// change".
package security

import (
	"context"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ColumnSecurity restricts or masks a single field of a resource for a
// user. Path names the field (top-level attribute name, or a dotted path
// into a JSON-typed field).
type ColumnSecurity struct {
	Schema     string
	Table      string
	Path       []string
	UserID     int
	Accesstype string // "mask" or "hide"
	MaskStart  int
	MaskEnd    int
	MaskInvert bool
	MaskChar   string
}

// RowSecurity carries a row-filter template for a user against a table.
// Template is a SQL predicate fragment; {UserID}, {TableName}, and
// {SchemaName} placeholders are substituted by GetTemplate. HasBlock means
// the user has no access at all to the table, independent of Template.
type RowSecurity struct {
	Schema    string
	Table     string
	UserID    int
	Template  string
	HasBlock  bool
}

// GetTemplate renders the row-security template, substituting the table's
// primary key column name and the provider's own schema/table/user values.
func (r RowSecurity) GetTemplate(primaryKeyName string) string {
	str := r.Template
	str = strings.ReplaceAll(str, "{PrimaryKeyName}", primaryKeyName)
	str = strings.ReplaceAll(str, "{TableName}", r.Table)
	str = strings.ReplaceAll(str, "{SchemaName}", r.Schema)
	str = strings.ReplaceAll(str, "{UserID}", strconv.Itoa(r.UserID))
	return str
}

// ColumnSecurityProvider resolves the column security rules in force for a
// user against a schema/table pair.
type ColumnSecurityProvider interface {
	GetColumnSecurity(ctx context.Context, userID int, schema, table string) ([]ColumnSecurity, error)
}

// RowSecurityProvider resolves the row security policy in force for a user
// against a schema/table pair.
type RowSecurityProvider interface {
	GetRowSecurity(ctx context.Context, userID int, schema, table string) (RowSecurity, error)
}

func maskString(s string, maskStart, maskEnd int, maskChar string, invert bool) string {
	if maskChar == "" {
		maskChar = "*"
	}
	runes := []rune(s)
	n := len(runes)
	if maskStart == 0 && maskEnd == 0 {
		maskStart, maskEnd = n, n
	}
	if maskStart > n {
		maskStart = n
	}
	if maskEnd > n {
		maskEnd = n
	}
	mid := n / 2
	out := make([]rune, n)
	copy(out, runes)
	for i := range out {
		masked := false
		if invert {
			masked = (i >= mid-maskStart && i <= mid) || (i <= mid+maskEnd && i >= mid)
		} else {
			masked = i <= maskStart || i >= n-1-maskEnd
		}
		if masked {
			out[i] = []rune(maskChar)[0]
		}
	}
	return string(out)
}

// ApplyColumnSecurity masks or removes keys of rec in place per rules,
// returning the names of fields it altered. rec is a simplified-form record
// (see the codec), not a document. A Path longer than one segment addresses
// a dotted location inside a JSON-typed attribute (the top-level value is
// itself a raw JSON string, e.g. a jsonb column); that nested case is
// resolved with gjson/sjson rather than a full unmarshal, mirroring how
// database row values already arrive as opaque driver strings elsewhere in
// the Storage Executor.
func ApplyColumnSecurity(rec map[string]any, rules []ColumnSecurity) []string {
	var touched []string
	for _, rule := range rules {
		if len(rule.Path) == 0 {
			continue
		}
		name := rule.Path[0]
		val, ok := rec[name]
		if !ok {
			continue
		}

		if len(rule.Path) > 1 {
			if applyNestedColumnSecurity(rec, name, val, rule) {
				touched = append(touched, name+"."+strings.Join(rule.Path[1:], "."))
			}
			continue
		}

		switch rule.Accesstype {
		case "hide":
			delete(rec, name)
			touched = append(touched, name)
		case "mask":
			if s, ok := val.(string); ok {
				rec[name] = maskString(s, rule.MaskStart, rule.MaskEnd, rule.MaskChar, rule.MaskInvert)
				touched = append(touched, name)
			} else {
				delete(rec, name)
				touched = append(touched, name)
			}
		}
	}
	return touched
}

// applyNestedColumnSecurity masks or deletes the dotted sub-path of a
// JSON-typed field in place. It only acts when the field's current value is
// a string holding a JSON object or array; non-JSON values are left alone
// since there is no nested location to address.
func applyNestedColumnSecurity(rec map[string]any, name string, val any, rule ColumnSecurity) bool {
	raw, ok := val.(string)
	if !ok || !gjson.Valid(raw) {
		return false
	}
	subPath := strings.Join(rule.Path[1:], ".")
	current := gjson.Get(raw, subPath)
	if !current.Exists() {
		return false
	}

	switch rule.Accesstype {
	case "hide":
		updated, err := sjson.Delete(raw, subPath)
		if err != nil {
			return false
		}
		rec[name] = updated
		return true
	case "mask":
		masked := maskString(current.String(), rule.MaskStart, rule.MaskEnd, rule.MaskChar, rule.MaskInvert)
		updated, err := sjson.Set(raw, subPath, masked)
		if err != nil {
			return false
		}
		rec[name] = updated
		return true
	}
	return false
}
