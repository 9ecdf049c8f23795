package engine

import (
	"fmt"
	"sort"

	"github.com/relapi/engine/pkg/common"
	"github.com/relapi/engine/pkg/modelregistry"
)

// Visibility controls whether a field is serialized by default.
type Visibility int

const (
	// NormallyVisible fields are included unless a sparse fieldset omits them.
	NormallyVisible Visibility = iota
	// NormallyHidden fields are omitted unless explicitly requested.
	NormallyHidden
	// AlwaysHidden fields are never serialized, even if requested.
	AlwaysHidden
)

// RelationshipKind is the closed set of relationship shapes a resource may
// declare.
type RelationshipKind int

const (
	BelongsTo RelationshipKind = iota
	HasMany
	HasManyThrough
	BelongsToPolymorphic
	HasManyViaPolymorphic
)

// ComputeFunc derives a computed field's value from a record's loaded
// attributes. It must not mutate rec and returns the field's new value.
type ComputeFunc func(rec map[string]any) (any, error)

// TransformFunc adapts a value on the way in (setter) or out (getter) of
// storage.
type TransformFunc func(value any) (any, error)

// Field describes one attribute of a resource.
type Field struct {
	Name       string
	Column     string // physical column name; defaults to Name
	Kind       string // "string", "int", "float", "bool", "date", "datetime"/"timestamp", "time", "json", ...
	Nullable   bool
	Default    any
	Visibility Visibility
	Virtual    bool // exists only in input/output, never persisted
	Computed   bool
	DependsOn  []string // fields to fetch before computing this one
	Compute    ComputeFunc
	Setter     TransformFunc
	Getter     TransformFunc
	Searchable bool
	Validate   []ValidationRule
	IndexHint  bool
}

func (f *Field) columnName() string {
	if f.Column != "" {
		return f.Column
	}
	return f.Name
}

// Relationship describes one relationship of a resource.
type Relationship struct {
	Name   string // alias clients see
	Kind   RelationshipKind
	Target string // target resource name (single-target kinds)
	Types  []string // allow-list of target resource names (polymorphic kinds)

	ForeignKey string // belongs-to: column on this resource; has-many: column on target
	TypeField  string // polymorphic: column holding the target type
	IDField    string // polymorphic: column holding the target id

	Through          string // has-many-through: pivot resource name
	PivotThisKey     string // has-many-through: column on pivot referencing this side
	PivotOtherKey    string // has-many-through: column on pivot referencing the other side
	SkipExistenceCheck bool // skip pivot-target existence pre-check when the caller guarantees integrity

	PerParentLimit int    // include tree default limit for to-many nodes
	DefaultOrder   string // include tree default ordering for to-many nodes
}

func (r *Relationship) isToMany() bool {
	switch r.Kind {
	case HasMany, HasManyThrough, HasManyViaPolymorphic:
		return true
	default:
		return false
	}
}

// ValidationRule is a single named validation constraint on a field.
type ValidationRule struct {
	Rule string // "required", "max_length", "min", "max", "pattern", ...
	Arg  any
}

// EnrichFunc runs once at registration time and may add fields to a
// resource (e.g. provider-specific columns). Enrichment hooks run in
// registration order.
type EnrichFunc func(*Resource)

// EngineOptions carries per-resource defaults that the engine-wide
// configuration may be overridden by.
type EngineOptions struct {
	DefaultPageSize int
	MaxPageSize     int
	MaxIncludeDepth int
	DefaultSort     []string
	URLPrefix       string
}

// Resource is the compiled, immutable descriptor for one resource type.
// It is built once at registration via Compile and is safe for concurrent
// readers thereafter.
type Resource struct {
	Name       string
	Model      interface{} // zero-value Go struct instance backing this resource, optional
	IDName     string      // primary key column name, defaults to "id"
	TableName  string      // physical table name, defaults to Name
	SchemaName string      // physical DB schema, empty means the connection default

	Fields        map[string]*Field
	FieldOrder    []string // topologically sorted by getter/setter dependency
	Relationships map[string]*Relationship
	SearchSchema  map[string]*SearchField
	Sortable      map[string]bool
	Options       EngineOptions

	enrich []EnrichFunc
}

// SearchField is one entry of the synthesized search schema consumed by the
// Query Planner when resolving `filter[name]=value`.
type SearchField struct {
	Name        string
	ActualField string // physical field this search name maps onto; defaults to Name
	Operator    string // "=", "like", ">=", ... ; "" means "="
	Join        string // optional join specification for cross-table filtering
}

// NewResource starts a resource declaration. Call Compile once all fields,
// relationships, and enrichment hooks are attached.
func NewResource(name string) *Resource {
	return &Resource{
		Name:          name,
		IDName:        "id",
		Fields:        make(map[string]*Field),
		Relationships: make(map[string]*Relationship),
		SearchSchema:  make(map[string]*SearchField),
		Sortable:      make(map[string]bool),
		Options: EngineOptions{
			DefaultPageSize: 20,
			MaxPageSize:     200,
			MaxIncludeDepth: 3,
		},
	}
}

// AddField registers a field declaration.
func (r *Resource) AddField(f *Field) *Resource {
	r.Fields[f.Name] = f
	if f.Searchable {
		r.Sortable[f.Name] = true
	}
	return r
}

// AddRelationship registers a relationship declaration.
func (r *Resource) AddRelationship(rel *Relationship) *Resource {
	r.Relationships[rel.Name] = rel
	return r
}

// AddEnrichment registers an enrichment hook run at compile time.
func (r *Resource) AddEnrichment(fn EnrichFunc) *Resource {
	r.enrich = append(r.enrich, fn)
	return r
}

// Registry resolves resource names to compiled resources: an
// append-mostly map built once at startup and read-only thereafter.
type Registry struct {
	resources map[string]*Resource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Compile deep-copies nothing further (the Resource is already the
// compiler's private copy), runs enrichment hooks, validates polymorphic
// relationships, synthesizes the search schema, topologically sorts
// fields, and registers the result. Any failure is a Configuration error
// that should abort process startup.
func (reg *Registry) Compile(r *Resource) (*Resource, error) {
	for _, fn := range r.enrich {
		fn(r)
	}

	for _, rel := range r.Relationships {
		if err := validateRelationship(r, rel); err != nil {
			return nil, err
		}
	}

	resolveModelOverrides(r)
	synthesizeSearchSchema(r)

	order, err := topoSortFields(r)
	if err != nil {
		return nil, err
	}
	r.FieldOrder = order

	reg.resources[r.Name] = r
	if r.Model != nil {
		if err := modelregistry.RegisterModel(r.Model, r.Name); err != nil {
			return nil, ErrConfiguration(fmt.Sprintf("resource %q: %v", r.Name, err))
		}
	}
	return r, nil
}

// resolveModelOverrides lets a resource's backing Go struct override the
// physical table name, schema, and primary key column by implementing
// common.TableNameProvider/SchemaProvider/PrimaryKeyNameProvider; a Resource
// with no Model, or one whose Model doesn't implement these, keeps the
// Name-derived defaults.
func resolveModelOverrides(r *Resource) {
	if r.TableName == "" {
		r.TableName = r.Name
	}
	if r.Model == nil {
		return
	}
	if tp, ok := r.Model.(common.TableNameProvider); ok {
		if name := tp.TableName(); name != "" {
			r.TableName = name
		}
	}
	if sp, ok := r.Model.(common.SchemaProvider); ok {
		if name := sp.SchemaName(); name != "" {
			r.SchemaName = name
		}
	}
	if pk, ok := r.Model.(common.PrimaryKeyNameProvider); ok {
		if name := pk.GetIDName(); name != "" {
			r.IDName = name
		}
	}
}

func validateRelationship(r *Resource, rel *Relationship) error {
	switch rel.Kind {
	case BelongsToPolymorphic, HasManyViaPolymorphic:
		if len(rel.Types) == 0 {
			return ErrConfiguration(fmt.Sprintf("resource %q relationship %q: polymorphic relationship must declare a non-empty types list", r.Name, rel.Name))
		}
		if rel.TypeField == "" || rel.IDField == "" {
			return ErrConfiguration(fmt.Sprintf("resource %q relationship %q: polymorphic relationship requires typeField and idField", r.Name, rel.Name))
		}
	case BelongsTo:
		if rel.Target == "" || rel.ForeignKey == "" {
			return ErrConfiguration(fmt.Sprintf("resource %q relationship %q: belongsTo requires target and foreignKey", r.Name, rel.Name))
		}
	case HasMany:
		if rel.Target == "" || rel.ForeignKey == "" {
			return ErrConfiguration(fmt.Sprintf("resource %q relationship %q: hasMany requires target and foreignKey", r.Name, rel.Name))
		}
	case HasManyThrough:
		if rel.Target == "" || rel.Through == "" || rel.PivotThisKey == "" || rel.PivotOtherKey == "" {
			return ErrConfiguration(fmt.Sprintf("resource %q relationship %q: hasMany-through requires target, through, pivotThisKey, pivotOtherKey", r.Name, rel.Name))
		}
	}
	return nil
}

// synthesizeSearchSchema combines any explicit search schema with fields
// marked Searchable; an explicit entry wins over an implicit one of the
// same name.
func synthesizeSearchSchema(r *Resource) {
	for name, f := range r.Fields {
		if !f.Searchable {
			continue
		}
		if _, exists := r.SearchSchema[name]; exists {
			continue // explicit schema wins
		}
		r.SearchSchema[name] = &SearchField{Name: name, ActualField: name}
	}
}

// topoSortFields orders fields by declared getter/setter dependency
// (DependsOn), failing on cycles.
func topoSortFields(r *Resource) ([]string, error) {
	visited := make(map[string]int) // 0=unvisited,1=visiting,2=done
	var order []string

	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return ErrConfiguration(fmt.Sprintf("resource %q: cyclic field dependency at %q", r.Name, name))
		}
		visited[name] = 1
		f, ok := r.Fields[name]
		if ok {
			deps := append([]string{}, f.DependsOn...)
			sort.Strings(deps)
			for _, dep := range deps {
				if _, ok := r.Fields[dep]; !ok {
					continue
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Get returns the compiled resource for name, or a ResourceNotFound error.
func (reg *Registry) Get(name string) (*Resource, error) {
	r, ok := reg.resources[name]
	if !ok {
		return nil, ErrResourceNotFound(fmt.Sprintf("no resource registered for type %q", name))
	}
	return r, nil
}

// All returns every compiled resource, for diagnostics and route wiring.
func (reg *Registry) All() []*Resource {
	out := make([]*Resource, 0, len(reg.resources))
	for _, r := range reg.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
