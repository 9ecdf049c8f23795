package engine

import (
	"testing"

	"github.com/relapi/engine/pkg/jsonapi"
)

func compiledArticlesForValidator(t *testing.T) *Resource {
	t.Helper()
	r := NewResource("articles")
	r.AddField(&Field{Name: "title", Kind: "string",
		Validate: []ValidationRule{{Rule: "required"}, {Rule: "max_length", Arg: 5}}})
	r.AddField(&Field{Name: "body", Kind: "string",
		Validate: []ValidationRule{{Rule: "required"}}})
	r.AddField(&Field{Name: "author_id", Kind: "int"})
	r.AddRelationship(&Relationship{Name: "author", Kind: BelongsTo, Target: "users", ForeignKey: "author_id"})

	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("compile articles: %v", err)
	}
	return compiled
}

// TestValidateAttributesMissingRequiredField:
// POST with title but no body must report a required violation pointing at
// /data/attributes/body.
func TestValidateAttributesMissingRequiredField(t *testing.T) {
	r := compiledArticlesForValidator(t)
	vl := NewValidator()

	errs := vl.ValidateAttributes(r, map[string]any{"title": "t"}, true)
	if !errs.HasErrors() {
		t.Fatal("expected a validation error for missing body")
	}

	found := false
	for _, v := range errs.Violations {
		if v.Pointer == "/data/attributes/body" && v.Rule == "required" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected violation {pointer: /data/attributes/body, rule: required}, got %+v", errs.Violations)
	}
}

func TestValidateAttributesBelongsToViolationPointsAtRelationshipPath(t *testing.T) {
	r := compiledArticlesForValidator(t)
	vl := NewValidator()

	// author_id is the author belongs-to's foreign key; a bad value should be reported at
	// the relationship path the client actually sent.
	errs := vl.ValidateAttributes(r, map[string]any{"title": "hi", "body": "b", "author_id": nil}, true)
	var pointer string
	for _, v := range errs.Violations {
		if v.Rule == "not_null" {
			pointer = v.Pointer
		}
	}
	if pointer != "/data/relationships/author/data/id" {
		t.Errorf("pointer = %q, want /data/relationships/author/data/id", pointer)
	}
}

func TestValidateAttributesMaxLength(t *testing.T) {
	r := compiledArticlesForValidator(t)
	vl := NewValidator()

	errs := vl.ValidateAttributes(r, map[string]any{"title": "too long", "body": "b"}, true)
	if !errs.HasErrors() {
		t.Fatal("expected max_length violation")
	}
}

func TestValidateAttributesPartialOnlyChecksSuppliedFields(t *testing.T) {
	r := compiledArticlesForValidator(t)
	vl := NewValidator()

	errs := vl.ValidateAttributes(r, map[string]any{"title": "ok"}, false)
	if errs.HasErrors() {
		t.Fatalf("partial validation should not require body, got %+v", errs.Violations)
	}
}

func TestValidateAttributesDropsComputedFields(t *testing.T) {
	r := NewResource("articles")
	r.AddField(&Field{Name: "title", Kind: "string"})
	r.AddField(&Field{Name: "slug", Computed: true, DependsOn: []string{"title"}})
	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	vl := NewValidator()
	rec := map[string]any{"title": "t", "slug": "client-supplied"}
	errs := vl.ValidateAttributes(compiled, rec, true)
	if errs.HasErrors() {
		t.Fatalf("unexpected errors: %+v", errs.Violations)
	}
	if _, present := rec["slug"]; present {
		t.Error("computed field must be dropped from the input record, never accepted on input")
	}
}

func TestValidateWritePayloadRejectsIncluded(t *testing.T) {
	vl := NewValidator()
	doc := &jsonapi.Document{
		DataOne:  &jsonapi.ResourceObject{Type: "articles"},
		Included: []*jsonapi.ResourceObject{{Type: "users", ID: "1"}},
	}
	err := vl.ValidateWritePayload("POST", "articles", "", doc)
	if err == nil {
		t.Fatal("expected error: included is forbidden on write")
	}
	ee := err.(*Error)
	if ee.Kind != KindPayloadShape {
		t.Errorf("expected KindPayloadShape, got %v", ee.Kind)
	}
}

func TestValidateWritePayloadTypeMismatchIsConflict(t *testing.T) {
	vl := NewValidator()
	doc := &jsonapi.Document{DataOne: &jsonapi.ResourceObject{Type: "users"}}
	err := vl.ValidateWritePayload("POST", "articles", "", doc)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	ee := err.(*Error)
	if ee.Kind != KindConflict {
		t.Errorf("expected KindConflict, got %v", ee.Kind)
	}
}

// A body id that disagrees with the URL id is rejected.
func TestValidateWritePayloadBodyIDMustMatchURLID(t *testing.T) {
	vl := NewValidator()
	doc := &jsonapi.Document{DataOne: &jsonapi.ResourceObject{Type: "articles", ID: "2"}}
	err := vl.ValidateWritePayload("PATCH", "articles", "1", doc)
	if err == nil {
		t.Fatal("expected conflict when body id does not match url id")
	}
	ee := err.(*Error)
	if ee.Kind != KindConflict {
		t.Errorf("expected KindConflict, got %v", ee.Kind)
	}
}

func TestValidateWritePayloadPatchRequiresAttributesOrRelationships(t *testing.T) {
	vl := NewValidator()
	doc := &jsonapi.Document{DataOne: &jsonapi.ResourceObject{Type: "articles", ID: "1"}}
	err := vl.ValidateWritePayload("PATCH", "articles", "1", doc)
	if err == nil {
		t.Fatal("expected payload-shape error for empty PATCH")
	}
}

func TestValidateWritePayloadPutRequiresID(t *testing.T) {
	vl := NewValidator()
	doc := &jsonapi.Document{DataOne: &jsonapi.ResourceObject{Type: "articles"}}
	err := vl.ValidateWritePayload("PUT", "articles", "", doc)
	if err == nil {
		t.Fatal("expected payload-shape error: PUT requires id")
	}
}

func TestValidateReadRequiresIDOnGet(t *testing.T) {
	vl := NewValidator()
	if err := vl.ValidateRead("get", ""); err == nil {
		t.Fatal("expected error: id required for get")
	}
	if err := vl.ValidateRead("get", "1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := vl.ValidateRead("query", ""); err != nil {
		t.Errorf("query without id should be valid: %v", err)
	}
}

func TestValidateFiltersRejectsUnknownName(t *testing.T) {
	r := NewResource("articles")
	r.AddField(&Field{Name: "title", Kind: "string", Searchable: true})
	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	vl := NewValidator()
	ferr := vl.ValidateFilters(compiled, map[string]string{"bogus": "x"})
	if ferr == nil {
		t.Fatal("expected unknown_filter error")
	}
	if ferr.Rule != "unknown_filter" || ferr.Parameter != "filter[bogus]" {
		t.Errorf("error = rule %q parameter %q, want unknown_filter filter[bogus]", ferr.Rule, ferr.Parameter)
	}

	if err := vl.ValidateFilters(compiled, map[string]string{"title": "x"}); err != nil {
		t.Errorf("unexpected error for known filter: %v", err)
	}
}
