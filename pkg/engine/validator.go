package engine

import (
	"fmt"
	"strings"

	"github.com/relapi/engine/pkg/jsonapi"
	"github.com/relapi/engine/pkg/logger"
)

// Violation is one accumulated validation failure. Pointer is an RFC 6901
// JSON pointer into the original request document
// ("/data/attributes/body").
type Violation struct {
	Pointer string
	Rule    string
	Detail  string
}

// ValidationErrors accumulates Violations for a single request.
type ValidationErrors struct {
	Violations []Violation
}

func (v *ValidationErrors) Add(pointer, rule, detail string) {
	v.Violations = append(v.Violations, Violation{Pointer: pointer, Rule: rule, Detail: detail})
}

func (v *ValidationErrors) HasErrors() bool { return len(v.Violations) > 0 }

// AsError renders the accumulated violations as one engine Error carrying
// the complete list; the wire layer emits one JSON:API error object per
// violation. The first violation supplies the summary pointer/detail.
func (v *ValidationErrors) AsError() *Error {
	if len(v.Violations) == 0 {
		return nil
	}
	first := v.Violations[0]
	err := ErrValidation(first.Pointer, first.Rule, first.Detail)
	err.Violations = v.Violations
	return err
}

// Validator enforces structural and schema-level rules on requests, ahead
// of planning and storage.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// ValidateRead enforces id presence on get. The include, fields, filter,
// sort and page parameters are not checked here; the planner rejects bad
// values when it resolves them against the compiled schema.
func (vl *Validator) ValidateRead(operation string, id string) error {
	if operation == "get" && id == "" {
		return ErrValidationParam("id", "required", "id is required for a get operation")
	}
	return nil
}

// ValidateWritePayload enforces the structural write rules: POST must
// carry data.type; PUT/PATCH must carry a non-empty id; PATCH must carry
// at least one of attributes or relationships; included is forbidden.
func (vl *Validator) ValidateWritePayload(method string, scopeType string, urlID string, doc *jsonapi.Document) error {
	if len(doc.Included) > 0 {
		return ErrPayloadShape("included is not permitted in a write payload")
	}
	if doc.ManyData {
		return ErrPayloadShape("data must be a single resource object for a write")
	}
	ro := doc.DataOne
	if ro == nil {
		return ErrPayloadShape("data is required for a write")
	}
	if ro.Type == "" {
		return ErrPayloadShape("data.type is required")
	}
	if ro.Type != scopeType {
		return ErrConflict(fmt.Sprintf("data.type %q does not match resource type %q", ro.Type, scopeType))
	}

	switch method {
	case "POST":
		// client id is optional
	case "PUT", "PATCH":
		if ro.ID == "" {
			return ErrPayloadShape(fmt.Sprintf("data.id is required for %s", method))
		}
		if urlID != "" && ro.ID != urlID {
			return ErrConflict(fmt.Sprintf("body id %q does not match url id %q", ro.ID, urlID))
		}
		if method == "PATCH" && len(ro.Attributes) == 0 && len(ro.Relationships) == 0 {
			return ErrPayloadShape("PATCH requires at least one of attributes or relationships")
		}
	}
	return nil
}

// ValidateAttributes runs field-level validation rules against rec. full
// requires every non-nullable, non-computed, non-virtual field without a
// default to be present, unless the field declares rules and none of them
// is "required"; partial only validates fields present in rec.
func (vl *Validator) ValidateAttributes(r *Resource, rec map[string]any, full bool) *ValidationErrors {
	errs := &ValidationErrors{}

	for _, name := range r.FieldOrder {
		f := r.Fields[name]
		if f.Computed {
			if _, present := rec[name]; present {
				logger.Warn("dropping computed field %q supplied on input for %q", name, r.Name)
				delete(rec, name)
			}
			continue
		}

		val, present := rec[name]
		if !present {
			if full && !f.Nullable && f.Default == nil && !f.Virtual {
				if hasRule(f.Validate, "required") || !hasAnyRule(f.Validate) {
					errs.Add(fmt.Sprintf("/data/attributes/%s", name), "required", fmt.Sprintf("%s is required", name))
				}
			}
			continue
		}

		pointer := fmt.Sprintf("/data/attributes/%s", name)
		if alias, ok := belongsToAliasForColumn(r, name); ok {
			pointer = fmt.Sprintf("/data/relationships/%s/data/id", alias)
		}

		if val == nil {
			if !f.Nullable {
				errs.Add(pointer, "not_null", fmt.Sprintf("%s may not be null", name))
			}
			continue
		}

		for _, rule := range f.Validate {
			if msg, ok := applyRule(rule, val); !ok {
				errs.Add(pointer, rule.Rule, msg)
			}
		}
	}

	return errs
}

// ValidateFilters checks that every filter key is present in the
// resource's search schema (the planner re-derives this; the validator
// runs first so a bad filter is reported as a Validation error rather than
// silently planned away). Filters are query parameters, so the error
// carries source.parameter rather than a document pointer.
func (vl *Validator) ValidateFilters(r *Resource, filters map[string]string) *Error {
	for name := range filters {
		if _, ok := r.SearchSchema[name]; !ok {
			return ErrValidationParam(fmt.Sprintf("filter[%s]", name), "unknown_filter", fmt.Sprintf("%q is not a filterable field", name))
		}
	}
	return nil
}

// belongsToAliasForColumn reports the relationship alias whose belongs-to
// foreign key physically maps onto column, so validation errors on that
// column can be reported at the wire path the client actually sent
// (/data/relationships/<alias>/data/id) instead of the hidden column name.
func belongsToAliasForColumn(r *Resource, column string) (string, bool) {
	for _, rel := range r.Relationships {
		if rel.Kind == BelongsTo && rel.ForeignKey == column {
			return rel.Name, true
		}
	}
	return "", false
}

func hasRule(rules []ValidationRule, name string) bool {
	for _, r := range rules {
		if r.Rule == name {
			return true
		}
	}
	return false
}

func hasAnyRule(rules []ValidationRule) bool { return len(rules) > 0 }

func applyRule(rule ValidationRule, val any) (string, bool) {
	switch rule.Rule {
	case "required":
		return "", true // presence already checked by caller
	case "max_length":
		s, ok := val.(string)
		if !ok {
			return "", true
		}
		max, _ := rule.Arg.(int)
		if len(s) > max {
			return fmt.Sprintf("must be at most %d characters", max), false
		}
	case "min":
		n, ok := toFloat(val)
		min, _ := toFloat(rule.Arg)
		if ok && n < min {
			return fmt.Sprintf("must be >= %v", rule.Arg), false
		}
	case "max":
		n, ok := toFloat(val)
		max, _ := toFloat(rule.Arg)
		if ok && n > max {
			return fmt.Sprintf("must be <= %v", rule.Arg), false
		}
	case "pattern":
		s, ok := val.(string)
		pat, _ := rule.Arg.(string)
		if ok && pat != "" && !strings.Contains(s, pat) {
			return fmt.Sprintf("must match pattern %q", pat), false
		}
	}
	return "", true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
