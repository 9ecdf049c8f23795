package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FilterNode is one resolved filter condition produced by the Query Planner.
// Field is the physical column (possibly qualified by Join) the search
// schema entry maps onto; Logic records how this node combines with the
// one before it at the same nesting level.
type FilterNode struct {
	Name     string // search schema name as requested (filter[name])
	Field    string // physical column
	Join     string // optional join specification, from the search schema entry
	Operator string
	Value    any
	Logic    string // "AND" or "OR"
}

// SortTerm is one resolved entry of a sort list.
type SortTerm struct {
	Field      string
	Descending bool
}

// PageRequest is the resolved pagination plan. Exactly one style is active:
// Number/Size (page[number]/page[size]) or Offset/Limit (page[offset]/page[limit]).
type PageRequest struct {
	Number int
	Size   int
	Offset int
	Limit  int
	Style  string // "number_size" or "offset_limit"
}

// IncludeNode is one node of the parsed include tree.
type IncludeNode struct {
	Relationship string
	Children     map[string]*IncludeNode
	Limit        int    // per-parent limit, zero means no per-parent limit
	Order        string // optional override of Relationship.DefaultOrder
}

// QueryPlan is everything the Storage Executor needs to run a read: the
// resolved field selection, filter tree, sort list, pagination plan, and
// include tree.
type QueryPlan struct {
	Select      []string // physical columns to fetch
	AuxSelected map[string]bool // columns added only to satisfy a computed-field dependency
	Filters     []FilterNode
	Sort        []SortTerm
	Page        *PageRequest
	Include     *IncludeNode
	Fields      map[string]bool // requested sparse fieldset for the primary type, nil means none requested
}

// QueryParams is the raw, transport-agnostic form of a request's query
// string, already split into JSON:API's bracketed groups. Transport
// adapters build this from the wire query string; the planner never parses
// raw URLs itself.
type QueryParams struct {
	Include string              // "a.b,c"
	Fields  map[string]string   // fields[type] -> "a,b"
	Filter  map[string]string   // filter[name] -> value
	Sort    string              // "a,-b"
	Page    map[string]string   // page[number]/page[size]/page[offset]/page[limit]
}

// Planner translates validated query parameters into a QueryPlan for one
// resource, per the field-selection, filter, sort, pagination, and include
// rules.
type Planner struct {
	registry *Registry
}

// NewPlanner returns a planner bound to registry for resolving include-tree
// relationship and target-resource lookups.
func NewPlanner(registry *Registry) *Planner {
	return &Planner{registry: registry}
}

// Plan builds a complete QueryPlan for r given qp.
func (p *Planner) Plan(r *Resource, qp QueryParams) (*QueryPlan, error) {
	plan := &QueryPlan{AuxSelected: make(map[string]bool)}

	fields, err := p.resolveFieldSelection(r, qp.Fields[r.Name])
	if err != nil {
		return nil, err
	}
	plan.Fields = fields
	plan.Select = p.selectColumns(r, fields, plan.AuxSelected)

	filters, err := p.resolveFilters(r, qp.Filter)
	if err != nil {
		return nil, err
	}
	plan.Filters = filters

	sortTerms, err := p.resolveSort(r, qp.Sort)
	if err != nil {
		return nil, err
	}
	plan.Sort = sortTerms

	page, err := p.resolvePage(r, qp.Page)
	if err != nil {
		return nil, err
	}
	plan.Page = page

	include, err := p.resolveIncludeTree(r, qp.Include)
	if err != nil {
		return nil, err
	}
	plan.Include = include

	return plan, nil
}

// resolveFieldSelection parses a sparse fieldset (empty string means none
// requested) and validates every named field exists. Always-hidden fields
// and relationship names are dropped from the set without an error.
func (p *Planner) resolveFieldSelection(r *Resource, raw string) (map[string]bool, error) {
	if raw == "" {
		return nil, nil
	}
	requested := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := r.Fields[name]
		if !ok {
			if _, isRel := r.Relationships[name]; isRel {
				continue
			}
			return nil, ErrValidationParam(fmt.Sprintf("fields[%s]", r.Name), "unknown_field", fmt.Sprintf("unknown field %q for type %q", name, r.Name))
		}
		if f.Visibility == AlwaysHidden {
			continue // always-hidden fields are silently dropped
		}
		requested[name] = true
	}
	return requested, nil
}

// selectColumns resolves the set of physical columns to fetch, following
// the field-selection rules in order: id, sparse-or-default attribute set,
// computed-field dependency union, belongs-to/polymorphic keys.
func (p *Planner) selectColumns(r *Resource, fields map[string]bool, aux map[string]bool) []string {
	seen := make(map[string]bool)
	var cols []string
	add := func(col string) {
		if col == "" || seen[col] {
			return
		}
		seen[col] = true
		cols = append(cols, col)
	}

	add(r.IDName)

	wantComputed := func(name string) bool {
		if fields == nil {
			return true
		}
		return fields[name]
	}

	for _, name := range r.FieldOrder {
		f := r.Fields[name]
		if (f.Virtual && !f.Computed) || f.AlwaysHidden() {
			continue
		}

		switch {
		case fields != nil:
			if f.Computed {
				if !wantComputed(name) {
					continue
				}
				for _, dep := range f.DependsOn {
					if !fields[dep] {
						aux[dep] = true
					}
					if df, ok := r.Fields[dep]; ok {
						add(df.columnName())
					}
				}
				continue // computed fields are never themselves columns
			}
			if !fields[name] {
				continue
			}
			add(f.columnName())
		default:
			if f.Computed {
				if !wantComputed(name) {
					continue
				}
				for _, dep := range f.DependsOn {
					df, ok := r.Fields[dep]
					if !ok {
						continue
					}
					// a dependency that would be returned anyway is not
					// auxiliary; only otherwise-hidden ones get stripped
					// after computation.
					if df.Visibility != NormallyVisible {
						aux[dep] = true
					}
					add(df.columnName())
				}
				continue
			}
			if f.Visibility == NormallyHidden {
				continue
			}
			add(f.columnName())
		}
	}

	for _, rel := range r.Relationships {
		switch rel.Kind {
		case BelongsTo:
			add(rel.ForeignKey)
		case BelongsToPolymorphic:
			add(rel.TypeField)
			add(rel.IDField)
		}
	}

	return cols
}

func (f *Field) AlwaysHidden() bool { return f.Visibility == AlwaysHidden }

// resolveFilters maps each filter[name]=value entry through the resource's
// synthesized search schema. Every resolved condition is AND-combined; the
// planner never emits top-level OR nodes (extension hooks must wrap their
// own OR branches in a grouped subexpression).
func (p *Planner) resolveFilters(r *Resource, raw map[string]string) ([]FilterNode, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	var nodes []FilterNode
	for _, name := range names {
		sf, ok := r.SearchSchema[name]
		if !ok {
			return nil, ErrValidationParam(fmt.Sprintf("filter[%s]", name), "unknown_filter", fmt.Sprintf("%q is not a filterable field on %q", name, r.Name))
		}
		op := sf.Operator
		if op == "" {
			op = "="
		}
		nodes = append(nodes, FilterNode{
			Name:     name,
			Field:    sf.ActualField,
			Join:     sf.Join,
			Operator: op,
			Value:    raw[name],
			Logic:    "AND",
		})
	}
	return nodes, nil
}

// resolveSort parses a comma-separated sort list, rejecting any bare field
// name not in the resource's sortable whitelist.
func (p *Planner) resolveSort(r *Resource, raw string) ([]SortTerm, error) {
	if raw == "" {
		return nil, nil
	}
	var terms []SortTerm
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		desc := false
		name := part
		if strings.HasPrefix(part, "-") {
			desc = true
			name = part[1:]
		}
		if !r.Sortable[name] {
			return nil, ErrValidationParam("sort", "not_sortable", fmt.Sprintf("%q is not a sortable field on %q", name, r.Name))
		}
		col := name
		if f, ok := r.Fields[name]; ok {
			col = f.columnName()
		}
		terms = append(terms, SortTerm{Field: col, Descending: desc})
	}
	return terms, nil
}

// resolvePage parses either page[number]/page[size] or
// page[offset]/page[limit], capping size/limit at the resource's configured
// maximum.
func (p *Planner) resolvePage(r *Resource, raw map[string]string) (*PageRequest, error) {
	page := &PageRequest{Size: r.Options.DefaultPageSize, Style: "number_size", Number: 1}
	if len(raw) == 0 {
		return page, nil
	}

	parseInt := func(key string) (int, bool, error) {
		v, ok := raw[key]
		if !ok || v == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false, ErrValidationParam(fmt.Sprintf("page[%s]", key), "not_numeric", fmt.Sprintf("page[%s] must be numeric", key))
		}
		return n, true, nil
	}

	if offset, ok, err := parseInt("offset"); err != nil {
		return nil, err
	} else if ok {
		page.Style = "offset_limit"
		page.Offset = offset
		page.Limit = r.Options.DefaultPageSize
		if limit, ok, err := parseInt("limit"); err != nil {
			return nil, err
		} else if ok {
			page.Limit = limit
		}
		if page.Limit > r.Options.MaxPageSize {
			page.Limit = r.Options.MaxPageSize
		}
		return page, nil
	}

	if number, ok, err := parseInt("number"); err != nil {
		return nil, err
	} else if ok {
		page.Number = number
	}
	if size, ok, err := parseInt("size"); err != nil {
		return nil, err
	} else if ok {
		page.Size = size
	}
	if page.Size > r.Options.MaxPageSize {
		page.Size = r.Options.MaxPageSize
	}
	return page, nil
}

// resolveIncludeTree parses dotted include paths ("a.b,c") into a tree,
// failing if a path exceeds the resource's include-depth limit or
// references an unknown relationship.
func (p *Planner) resolveIncludeTree(r *Resource, raw string) (*IncludeNode, error) {
	root := &IncludeNode{Children: make(map[string]*IncludeNode)}
	if raw == "" {
		return root, nil
	}

	for _, path := range strings.Split(raw, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		segments := strings.Split(path, ".")
		if len(segments) > r.Options.MaxIncludeDepth {
			return nil, ErrValidationParam("include", "max_depth", fmt.Sprintf("include path %q exceeds max_depth %d", path, r.Options.MaxIncludeDepth))
		}

		current := root
		currentResource := r
		for _, seg := range segments {
			rel, ok := currentResource.Relationships[seg]
			if !ok {
				return nil, ErrValidationParam("include", "unknown_relationship", fmt.Sprintf("unknown relationship %q in include path %q", seg, path))
			}
			child, ok := current.Children[seg]
			if !ok {
				child = &IncludeNode{
					Relationship: seg,
					Children:     make(map[string]*IncludeNode),
					Limit:        rel.PerParentLimit,
					Order:        rel.DefaultOrder,
				}
				current.Children[seg] = child
			}
			current = child

			if p.registry != nil && rel.Target != "" {
				next, err := p.registry.Get(rel.Target)
				if err == nil {
					currentResource = next
				}
			}
		}
	}

	return root, nil
}
