package engine

import "testing"

func compiledProductsForPlanner(t *testing.T) *Resource {
	t.Helper()
	r := NewResource("products")
	r.AddField(&Field{Name: "name", Kind: "string", Searchable: true})
	r.AddField(&Field{Name: "price", Kind: "float"})
	r.AddField(&Field{Name: "cost", Kind: "float"})
	r.AddField(&Field{Name: "secret_notes", Kind: "string", Visibility: AlwaysHidden})
	r.AddField(&Field{Name: "internal_rank", Kind: "int", Visibility: NormallyHidden})
	r.AddField(&Field{
		Name: "profit_margin", Virtual: true, Computed: true, DependsOn: []string{"price", "cost"},
		Compute: func(rec map[string]any) (any, error) { return nil, nil },
	})
	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("compile products: %v", err)
	}
	return compiled
}

// TestPlanSparseFieldsetStripsComputedDependencies:
// fields[products]=name,profit_margin where profit_margin depends on
// price,cost must select those dependency columns as auxiliary (so they can
// be stripped post-compute) without exposing them as requested fields.
func TestPlanSparseFieldsetStripsComputedDependencies(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)

	plan, err := p.Plan(r, QueryParams{Fields: map[string]string{"products": "name,profit_margin"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	mustContain := func(col string) {
		t.Helper()
		for _, c := range plan.Select {
			if c == col {
				return
			}
		}
		t.Errorf("expected %q in Select, got %v", col, plan.Select)
	}
	mustContain("name")
	mustContain("price")
	mustContain("cost")

	if !plan.AuxSelected["price"] || !plan.AuxSelected["cost"] {
		t.Errorf("price and cost must be marked auxiliary, got %+v", plan.AuxSelected)
	}
	if !plan.Fields["name"] || !plan.Fields["profit_margin"] {
		t.Errorf("requested fields should include name and profit_margin, got %+v", plan.Fields)
	}
}

func TestPlanSparseFieldsetRejectsUnknownField(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)

	_, err := p.Plan(r, QueryParams{Fields: map[string]string{"products": "bogus"}})
	if err == nil {
		t.Fatal("expected validation error for unknown sparse field")
	}
}

func TestPlanSparseFieldsetSilentlyDropsAlwaysHidden(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)

	plan, err := p.Plan(r, QueryParams{Fields: map[string]string{"products": "name,secret_notes"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, c := range plan.Select {
		if c == "secret_notes" {
			t.Error("secret_notes is always-hidden and must never be selected")
		}
	}
}

func TestPlanDefaultSelectionExcludesNormallyHiddenAndAlwaysHidden(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)

	plan, err := p.Plan(r, QueryParams{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, c := range plan.Select {
		if c == "secret_notes" || c == "internal_rank" {
			t.Errorf("hidden column %q must not be in default selection", c)
		}
	}
}

// An include path deeper than the resource limit is a validation error.
func TestPlanIncludeDepthExceeded(t *testing.T) {
	reg := NewRegistry()

	employees := NewResource("employees")
	employees.AddRelationship(&Relationship{Name: "manager", Kind: BelongsTo, Target: "employees", ForeignKey: "manager_id"})
	if _, err := reg.Compile(employees); err != nil {
		t.Fatalf("compile employees: %v", err)
	}

	companies := NewResource("companies")
	companies.AddRelationship(&Relationship{Name: "employees", Kind: HasMany, Target: "employees", ForeignKey: "company_id"})
	if _, err := reg.Compile(companies); err != nil {
		t.Fatalf("compile companies: %v", err)
	}

	users := NewResource("users")
	users.AddRelationship(&Relationship{Name: "company", Kind: BelongsTo, Target: "companies", ForeignKey: "company_id"})
	if _, err := reg.Compile(users); err != nil {
		t.Fatalf("compile users: %v", err)
	}

	articles := NewResource("articles")
	articles.Options.MaxIncludeDepth = 3
	articles.AddRelationship(&Relationship{Name: "author", Kind: BelongsTo, Target: "users", ForeignKey: "author_id"})
	compiled, err := reg.Compile(articles)
	if err != nil {
		t.Fatalf("compile articles: %v", err)
	}

	p := NewPlanner(reg)
	_, err = p.Plan(compiled, QueryParams{Include: "author.company.employees.manager"})
	if err == nil {
		t.Fatal("expected max_depth validation error")
	}
	ee, ok := err.(*Error)
	if !ok || ee.Kind != KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
	if ee.Rule != "max_depth" {
		t.Errorf("rule = %q, want max_depth", ee.Rule)
	}
	if ee.Parameter != "include" {
		t.Errorf("parameter = %q, want include", ee.Parameter)
	}
}

func TestPlanIncludeTreeRejectsUnknownRelationship(t *testing.T) {
	reg := NewRegistry()
	articles := NewResource("articles")
	compiled, err := reg.Compile(articles)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	p := NewPlanner(reg)
	_, err = p.Plan(compiled, QueryParams{Include: "ghost"})
	if err == nil {
		t.Fatal("expected validation error for unknown relationship")
	}
}

// Sort fields outside the sortable whitelist are rejected.
func TestPlanSortRejectsFieldOutsideWhitelist(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)

	_, err := p.Plan(r, QueryParams{Sort: "price"})
	if err == nil {
		t.Fatal("expected validation error: price is not in the sortable whitelist")
	}
	if ee, ok := err.(*Error); !ok || ee.Parameter != "sort" || ee.Rule != "not_sortable" {
		t.Errorf("error = %v, want source.parameter sort with rule not_sortable", err)
	}

	plan, err := p.Plan(r, QueryParams{Sort: "-name"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Sort) != 1 || plan.Sort[0].Field != "name" || !plan.Sort[0].Descending {
		t.Errorf("sort = %+v, want descending name", plan.Sort)
	}
}

func TestPlanPageNumberSizeCapsAtMaximum(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)
	r.Options.MaxPageSize = 50

	plan, err := p.Plan(r, QueryParams{Page: map[string]string{"number": "2", "size": "1000"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Page.Style != "number_size" || plan.Page.Number != 2 {
		t.Errorf("page = %+v", plan.Page)
	}
	if plan.Page.Size != 50 {
		t.Errorf("Size = %d, want capped at 50", plan.Page.Size)
	}
}

func TestPlanPageOffsetLimitCapsAtMaximum(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)
	r.Options.MaxPageSize = 10

	plan, err := p.Plan(r, QueryParams{Page: map[string]string{"offset": "5", "limit": "100"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Page.Style != "offset_limit" || plan.Page.Offset != 5 {
		t.Errorf("page = %+v", plan.Page)
	}
	if plan.Page.Limit != 10 {
		t.Errorf("Limit = %d, want capped at 10", plan.Page.Limit)
	}
}

func TestPlanFiltersAndCombined(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)

	plan, err := p.Plan(r, QueryParams{Filter: map[string]string{"name": "widget"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Filters) != 1 || plan.Filters[0].Logic != "AND" {
		t.Errorf("filters = %+v, want one AND-combined node", plan.Filters)
	}
}

func TestPlanFiltersRejectsUnknownName(t *testing.T) {
	p := NewPlanner(NewRegistry())
	r := compiledProductsForPlanner(t)

	_, err := p.Plan(r, QueryParams{Filter: map[string]string{"bogus": "x"}})
	if err == nil {
		t.Fatal("expected validation error for unknown filter")
	}
}
