package engine

import "testing"

func TestCompileSynthesizesSearchSchemaFromSearchableFields(t *testing.T) {
	r := NewResource("widgets")
	r.AddField(&Field{Name: "sku", Kind: "string", Searchable: true})

	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	sf, ok := compiled.SearchSchema["sku"]
	if !ok {
		t.Fatal("expected synthesized search field for sku")
	}
	if sf.ActualField != "sku" {
		t.Errorf("ActualField = %q, want %q", sf.ActualField, "sku")
	}
}

func TestCompileExplicitSearchSchemaWinsOverSynthesized(t *testing.T) {
	r := NewResource("widgets")
	r.AddField(&Field{Name: "sku", Kind: "string", Searchable: true})
	r.SearchSchema["sku"] = &SearchField{Name: "sku", ActualField: "sku_code", Operator: "like"}

	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := compiled.SearchSchema["sku"].ActualField; got != "sku_code" {
		t.Errorf("explicit search schema was overwritten: ActualField = %q", got)
	}
	if got := compiled.SearchSchema["sku"].Operator; got != "like" {
		t.Errorf("Operator = %q, want %q", got, "like")
	}
}

func TestCompilePolymorphicRequiresTypesAndFields(t *testing.T) {
	tests := []struct {
		name string
		rel  *Relationship
	}{
		{"missing types", &Relationship{Name: "owner", Kind: BelongsToPolymorphic, TypeField: "owner_type", IDField: "owner_id"}},
		{"missing typeField", &Relationship{Name: "owner", Kind: BelongsToPolymorphic, Types: []string{"users"}, IDField: "owner_id"}},
		{"missing idField", &Relationship{Name: "owner", Kind: BelongsToPolymorphic, Types: []string{"users"}, TypeField: "owner_type"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewResource("comments")
			r.AddRelationship(tc.rel)
			reg := NewRegistry()
			_, err := reg.Compile(r)
			if err == nil {
				t.Fatal("expected Configuration error, got nil")
			}
			ee, ok := err.(*Error)
			if !ok || ee.Kind != KindConfiguration {
				t.Errorf("expected KindConfiguration, got %v", err)
			}
		})
	}
}

func TestCompileBelongsToRequiresTargetAndForeignKey(t *testing.T) {
	r := NewResource("articles")
	r.AddRelationship(&Relationship{Name: "author", Kind: BelongsTo})
	reg := NewRegistry()
	if _, err := reg.Compile(r); err == nil {
		t.Fatal("expected Configuration error for belongsTo missing target/foreignKey")
	}
}

func TestTopoSortFieldsOrdersByDependency(t *testing.T) {
	r := NewResource("users")
	r.AddField(&Field{Name: "name", Kind: "string"})
	r.AddField(&Field{Name: "email", Kind: "string"})
	r.AddField(&Field{Name: "display_name", Computed: true, DependsOn: []string{"name", "email"}})

	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	pos := make(map[string]int, len(compiled.FieldOrder))
	for i, name := range compiled.FieldOrder {
		pos[name] = i
	}
	if pos["name"] >= pos["display_name"] || pos["email"] >= pos["display_name"] {
		t.Errorf("dependencies must sort before the dependent field, order=%v", compiled.FieldOrder)
	}
}

func TestTopoSortFieldsDetectsCycle(t *testing.T) {
	r := NewResource("widgets")
	r.AddField(&Field{Name: "a", DependsOn: []string{"b"}})
	r.AddField(&Field{Name: "b", DependsOn: []string{"a"}})

	reg := NewRegistry()
	_, err := reg.Compile(r)
	if err == nil {
		t.Fatal("expected Configuration error for cyclic field dependency")
	}
	ee, ok := err.(*Error)
	if !ok || ee.Kind != KindConfiguration {
		t.Errorf("expected KindConfiguration, got %v", err)
	}
}

func TestRegistryGetUnknownResourceIsNotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("ghosts")
	if err == nil {
		t.Fatal("expected error for unregistered resource")
	}
	ee, ok := err.(*Error)
	if !ok || ee.Kind != KindResourceNotFound {
		t.Errorf("expected KindResourceNotFound, got %v", err)
	}
}

func TestResolveModelOverridesDefaultsTableNameToResourceName(t *testing.T) {
	r := NewResource("articles")
	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if compiled.TableName != "articles" {
		t.Errorf("TableName = %q, want %q", compiled.TableName, "articles")
	}
	if compiled.IDName != "id" {
		t.Errorf("IDName = %q, want %q", compiled.IDName, "id")
	}
}

type fakeModel struct{}

func (fakeModel) TableName() string  { return "tbl_articles" }
func (fakeModel) SchemaName() string { return "public" }
func (fakeModel) GetIDName() string  { return "article_id" }

func TestResolveModelOverridesFromBackingModel(t *testing.T) {
	r := NewResource("articles")
	r.Model = fakeModel{}
	reg := NewRegistry()
	compiled, err := reg.Compile(r)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if compiled.TableName != "tbl_articles" {
		t.Errorf("TableName = %q, want %q", compiled.TableName, "tbl_articles")
	}
	if compiled.SchemaName != "public" {
		t.Errorf("SchemaName = %q, want %q", compiled.SchemaName, "public")
	}
	if compiled.IDName != "article_id" {
		t.Errorf("IDName = %q, want %q", compiled.IDName, "article_id")
	}
}
