package engine

import (
	"context"
	"testing"
)

func includeFixture(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	reg := NewRegistry()
	store := newMemStore()
	ctx := context.Background()

	companies := NewResource("companies")
	companies.AddRelationship(&Relationship{Name: "employees", Kind: HasMany, Target: "employees", ForeignKey: "company_id"})
	if _, err := reg.Compile(companies); err != nil {
		t.Fatalf("compile companies: %v", err)
	}

	employees := NewResource("employees")
	employees.AddField(&Field{Name: "company_id", Kind: "int"})
	employees.AddRelationship(&Relationship{Name: "company", Kind: BelongsTo, Target: "companies", ForeignKey: "company_id"})
	compiledEmployees, err := reg.Compile(employees)
	if err != nil {
		t.Fatalf("compile employees: %v", err)
	}

	tags := NewResource("tags")
	if _, err := reg.Compile(tags); err != nil {
		t.Fatalf("compile tags: %v", err)
	}

	articleTags := NewResource("article_tags")
	articleTags.AddField(&Field{Name: "article_id", Kind: "int"})
	articleTags.AddField(&Field{Name: "tag_id", Kind: "int"})
	if _, err := reg.Compile(articleTags); err != nil {
		t.Fatalf("compile article_tags: %v", err)
	}

	articles := NewResource("articles")
	articles.AddRelationship(&Relationship{Name: "tags", Kind: HasManyThrough, Target: "tags", Through: "article_tags", PivotThisKey: "article_id", PivotOtherKey: "tag_id"})
	if _, err := reg.Compile(articles); err != nil {
		t.Fatalf("compile articles: %v", err)
	}

	comments := NewResource("comments")
	comments.AddField(&Field{Name: "owner_type", Kind: "string"})
	comments.AddField(&Field{Name: "owner_id", Kind: "int"})
	comments.AddRelationship(&Relationship{
		Name: "owner", Kind: BelongsToPolymorphic,
		Types: []string{"articles", "employees"}, TypeField: "owner_type", IDField: "owner_id",
	})
	if _, err := reg.Compile(comments); err != nil {
		t.Fatalf("compile comments: %v", err)
	}

	if _, err := store.DataPost(ctx, compiledEmployees, map[string]any{"id": "1", "company_id": "5"}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	if _, err := store.DataPost(ctx, compiledEmployees, map[string]any{"id": "2", "company_id": "5"}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}

	return reg, store
}

func TestExpandHasManyUsesParentIDNameNotHardcodedID(t *testing.T) {
	reg, store := includeFixture(t)
	codec := NewCodec(reg)
	expander := NewIncludeExpander(reg, store, codec)

	companies, _ := reg.Get("companies")
	companies.IDName = "company_id" // exercise a non-default primary key column

	parentRows := []Row{{"company_id": "5"}}
	tree := &IncludeNode{Children: map[string]*IncludeNode{"employees": {Relationship: "employees"}}}

	included, err := expander.Expand(context.Background(), companies, parentRows, tree, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(included) != 2 {
		t.Fatalf("expected 2 included employees, got %d (%+v)", len(included), included)
	}
}

func TestExpandBelongsToDeduplicatesByIdentifier(t *testing.T) {
	reg, store := includeFixture(t)
	ctx := context.Background()
	companies, _ := reg.Get("companies")
	if _, err := store.DataPost(ctx, companies, map[string]any{"id": "5", "name": "Acme"}); err != nil {
		t.Fatalf("seed company: %v", err)
	}

	codec := NewCodec(reg)
	expander := NewIncludeExpander(reg, store, codec)
	employees, _ := reg.Get("employees")

	parentRows := []Row{{"id": "1", "company_id": "5"}, {"id": "2", "company_id": "5"}}
	tree := &IncludeNode{Children: map[string]*IncludeNode{"company": {Relationship: "company"}}}

	included, err := expander.Expand(ctx, employees, parentRows, tree, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(included) != 1 {
		t.Fatalf("expected the shared company to be included exactly once, got %d", len(included))
	}
}

func TestExpandHasManyThroughResolvesPivotChain(t *testing.T) {
	reg, store := includeFixture(t)
	ctx := context.Background()
	tags, _ := reg.Get("tags")
	articleTags, _ := reg.Get("article_tags")

	if _, err := store.DataPost(ctx, tags, map[string]any{"id": "1", "label": "go"}); err != nil {
		t.Fatalf("seed tag: %v", err)
	}
	if _, err := store.DataPost(ctx, articleTags, map[string]any{"id": "100", "article_id": "7", "tag_id": "1"}); err != nil {
		t.Fatalf("seed pivot: %v", err)
	}

	codec := NewCodec(reg)
	expander := NewIncludeExpander(reg, store, codec)
	articles, _ := reg.Get("articles")

	parentRows := []Row{{"id": "7"}}
	tree := &IncludeNode{Children: map[string]*IncludeNode{"tags": {Relationship: "tags"}}}

	included, err := expander.Expand(ctx, articles, parentRows, tree, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(included) != 1 || included[0].Type != "tags" || included[0].ID != "1" {
		t.Errorf("included = %+v, want one tags:1", included)
	}
}

func TestExpandPolymorphicBelongsToRoutesByType(t *testing.T) {
	reg, store := includeFixture(t)
	// employees id "1" is already seeded by includeFixture.

	codec := NewCodec(reg)
	expander := NewIncludeExpander(reg, store, codec)
	comments, _ := reg.Get("comments")

	parentRows := []Row{{"id": "1", "owner_type": "employees", "owner_id": "1"}}
	tree := &IncludeNode{Children: map[string]*IncludeNode{"owner": {Relationship: "owner"}}}

	included, err := expander.Expand(context.Background(), comments, parentRows, tree, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(included) != 1 || included[0].Type != "employees" {
		t.Errorf("included = %+v, want one employees row", included)
	}
}

func TestExpandHasManyHonorsPerParentLimit(t *testing.T) {
	reg, store := includeFixture(t)
	ctx := context.Background()
	employees, _ := reg.Get("employees")

	if _, err := store.DataPost(ctx, employees, map[string]any{"id": "3", "company_id": "5"}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}

	codec := NewCodec(reg)
	expander := NewIncludeExpander(reg, store, codec)
	companies, _ := reg.Get("companies")

	parentRows := []Row{{"id": "5"}}
	tree := &IncludeNode{Children: map[string]*IncludeNode{
		"employees": {Relationship: "employees", Limit: 2},
	}}

	included, err := expander.Expand(ctx, companies, parentRows, tree, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(included) != 2 {
		t.Fatalf("expected the per-parent limit to cap included employees at 2, got %d", len(included))
	}
}

func TestExpandReturnsNilForEmptyTreeOrRows(t *testing.T) {
	reg, store := includeFixture(t)
	codec := NewCodec(reg)
	expander := NewIncludeExpander(reg, store, codec)
	employees, _ := reg.Get("employees")

	included, err := expander.Expand(context.Background(), employees, nil, &IncludeNode{Children: map[string]*IncludeNode{"company": {}}}, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if included != nil {
		t.Errorf("expected nil included for no parent rows, got %+v", included)
	}

	included, err = expander.Expand(context.Background(), employees, []Row{{"id": "1"}}, nil, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if included != nil {
		t.Errorf("expected nil included for a nil tree, got %+v", included)
	}
}

func TestExpandRejectsUnknownRelationship(t *testing.T) {
	reg, store := includeFixture(t)
	codec := NewCodec(reg)
	expander := NewIncludeExpander(reg, store, codec)
	employees, _ := reg.Get("employees")

	_, err := expander.Expand(context.Background(), employees, []Row{{"id": "1"}}, &IncludeNode{Children: map[string]*IncludeNode{"ghost": {}}}, 0)
	if err == nil {
		t.Fatal("expected a configuration error for an unknown relationship")
	}
}
