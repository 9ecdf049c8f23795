package security

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestApplyColumnSecurityHidesTopLevelField(t *testing.T) {
	rec := map[string]any{"name": "Alice", "ssn": "123-45-6789"}
	rules := []ColumnSecurity{{Path: []string{"ssn"}, Accesstype: "hide"}}

	touched := ApplyColumnSecurity(rec, rules)

	if _, ok := rec["ssn"]; ok {
		t.Fatalf("expected ssn to be removed, got %v", rec["ssn"])
	}
	if len(touched) != 1 || touched[0] != "ssn" {
		t.Fatalf("expected touched=[ssn], got %v", touched)
	}
}

func TestApplyColumnSecurityMasksTopLevelField(t *testing.T) {
	rec := map[string]any{"email": "alice@example.com"}
	rules := []ColumnSecurity{{Path: []string{"email"}, Accesstype: "mask", MaskStart: 2, MaskEnd: 2}}

	ApplyColumnSecurity(rec, rules)

	if rec["email"] == "alice@example.com" {
		t.Fatalf("expected email to be masked, still raw: %v", rec["email"])
	}
}

func TestApplyColumnSecurityNestedHidesJSONPath(t *testing.T) {
	rec := map[string]any{
		"profile": `{"address":{"street":"1 Main St","city":"Springfield"},"phone":"555-1234"}`,
	}
	rules := []ColumnSecurity{{Path: []string{"profile", "address", "street"}, Accesstype: "hide"}}

	touched := ApplyColumnSecurity(rec, rules)

	updated := rec["profile"].(string)
	if got := jsonGet(updated, "address.street"); got != "" {
		t.Fatalf("expected address.street removed, got %q", got)
	}
	if got := jsonGet(updated, "phone"); got != "555-1234" {
		t.Fatalf("expected sibling field phone untouched, got %q", got)
	}
	if len(touched) != 1 || touched[0] != "profile.address.street" {
		t.Fatalf("expected touched=[profile.address.street], got %v", touched)
	}
}

func TestApplyColumnSecurityNestedMasksJSONPath(t *testing.T) {
	rec := map[string]any{
		"profile": `{"ssn":"123-45-6789"}`,
	}
	rules := []ColumnSecurity{{Path: []string{"profile", "ssn"}, Accesstype: "mask", MaskStart: 3, MaskEnd: 3}}

	ApplyColumnSecurity(rec, rules)

	updated := rec["profile"].(string)
	if got := jsonGet(updated, "ssn"); got == "123-45-6789" {
		t.Fatalf("expected ssn masked within JSON blob, still raw: %q", got)
	}
}

func TestApplyColumnSecurityNestedIgnoresNonJSONValue(t *testing.T) {
	rec := map[string]any{"notes": "plain text, not json"}
	rules := []ColumnSecurity{{Path: []string{"notes", "inner"}, Accesstype: "hide"}}

	touched := ApplyColumnSecurity(rec, rules)

	if rec["notes"] != "plain text, not json" {
		t.Fatalf("expected non-JSON value left untouched, got %v", rec["notes"])
	}
	if len(touched) != 0 {
		t.Fatalf("expected no fields touched, got %v", touched)
	}
}

func TestApplyColumnSecurityMissingFieldIsNoop(t *testing.T) {
	rec := map[string]any{"name": "Alice"}
	rules := []ColumnSecurity{{Path: []string{"ssn"}, Accesstype: "hide"}}

	touched := ApplyColumnSecurity(rec, rules)

	if len(touched) != 0 {
		t.Fatalf("expected no fields touched for absent column, got %v", touched)
	}
}

func TestRowSecurityGetTemplateSubstitutesPlaceholders(t *testing.T) {
	rs := RowSecurity{Schema: "public", Table: "articles", UserID: 7, Template: "{SchemaName}.{TableName}.owner_id = {UserID}"}

	got := rs.GetTemplate("id")
	want := "public.articles.owner_id = 7"
	if got != want {
		t.Fatalf("GetTemplate() = %q, want %q", got, want)
	}
}

// jsonGet is a tiny test helper wrapping gjson so assertions read as plain
// string comparisons.
func jsonGet(json, path string) string {
	return gjson.Get(json, path).String()
}
