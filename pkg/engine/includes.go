package engine

import (
	"context"
	"fmt"

	"github.com/relapi/engine/pkg/jsonapi"
)

// IncludeExpander resolves an include tree against already-fetched parent
// rows, producing the deduplicated set of related resource objects and the
// relationship linkage on each parent.
type IncludeExpander struct {
	registry *Registry
	store    Store
	codec    *Codec
}

func NewIncludeExpander(registry *Registry, store Store, codec *Codec) *IncludeExpander {
	return &IncludeExpander{registry: registry, store: store, codec: codec}
}

// Expand walks tree for parentResource's parentRows (already in physical
// column form) and returns the deduplicated included set. It mutates
// nothing on parentRows; callers attach relationship linkage via the codec
// when building resource objects.
func (ie *IncludeExpander) Expand(ctx context.Context, parentResource *Resource, parentRows []Row, tree *IncludeNode, depth int) ([]*jsonapi.ResourceObject, error) {
	if tree == nil || len(tree.Children) == 0 || len(parentRows) == 0 {
		return nil, nil
	}

	var included []*jsonapi.ResourceObject
	seen := make(map[string]bool)

	appendGroup := func(res *Resource, rows []Row, node *IncludeNode) error {
		for _, row := range rows {
			ro := ie.codec.ToDocument(res, row, "")
			key := ro.Type + ":" + ro.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			included = append(included, ro)
		}

		if len(node.Children) > 0 && depth+1 <= parentResource.Options.MaxIncludeDepth {
			nested, err := ie.Expand(ctx, res, rows, node, depth+1)
			if err != nil {
				return err
			}
			for _, ro := range nested {
				key := ro.Type + ":" + ro.ID
				if seen[key] {
					continue
				}
				seen[key] = true
				included = append(included, ro)
			}
		}
		return nil
	}

	for relName, node := range tree.Children {
		rel, ok := parentResource.Relationships[relName]
		if !ok {
			return nil, ErrConfiguration(fmt.Sprintf("relationship %q not found on %q during include expansion", relName, parentResource.Name))
		}

		var groups []includeGroup
		var err error

		switch rel.Kind {
		case BelongsTo:
			groups, err = ie.expandBelongsTo(ctx, parentResource, parentRows, rel)
		case HasMany:
			groups, err = ie.expandHasMany(ctx, parentResource, parentRows, rel, node)
		case HasManyThrough:
			groups, err = ie.expandHasManyThrough(ctx, parentResource, parentRows, rel, node)
		case BelongsToPolymorphic:
			groups, err = ie.expandPolymorphicBelongsTo(ctx, parentRows, rel)
		case HasManyViaPolymorphic:
			groups, err = ie.expandHasManyViaPolymorphic(ctx, parentResource, parentRows, rel, node)
		}
		if err != nil {
			return nil, err
		}

		for _, g := range groups {
			if err := appendGroup(g.resource, g.rows, node); err != nil {
				return nil, err
			}
		}
	}

	return included, nil
}

// includeGroup is one fetched batch of related rows with the resource they
// belong to. Single-target relationships produce one group; a polymorphic
// belongs-to produces one per target type.
type includeGroup struct {
	resource *Resource
	rows     []Row
}

func (ie *IncludeExpander) expandBelongsTo(ctx context.Context, parent *Resource, rows []Row, rel *Relationship) ([]includeGroup, error) {
	target, err := ie.registry.Get(rel.Target)
	if err != nil {
		return nil, err
	}
	ids := uniqueNonNil(rows, rel.ForeignKey)
	if len(ids) == 0 {
		return nil, nil
	}
	plan := &QueryPlan{Filters: []FilterNode{{Field: target.IDName, Operator: "in", Value: ids}}}
	res, err := ie.store.DataQuery(ctx, target, plan, false)
	if err != nil {
		return nil, err
	}
	return []includeGroup{{resource: target, rows: res.Rows}}, nil
}

func (ie *IncludeExpander) expandHasMany(ctx context.Context, parent *Resource, rows []Row, rel *Relationship, node *IncludeNode) ([]includeGroup, error) {
	target, err := ie.registry.Get(rel.Target)
	if err != nil {
		return nil, err
	}
	plan := &QueryPlan{Filters: []FilterNode{{Field: rel.ForeignKey, Operator: "in", Value: parentIDsOf(rows, parent.IDName)}}}
	if node.Order != "" {
		plan.Sort = []SortTerm{{Field: node.Order}}
	}

	var res *QueryResult
	if node.Limit > 0 {
		res, err = ie.store.DataQueryPartitioned(ctx, target, plan, rel.ForeignKey, node.Limit)
	} else {
		res, err = ie.store.DataQuery(ctx, target, plan, false)
	}
	if err != nil {
		return nil, err
	}
	return []includeGroup{{resource: target, rows: res.Rows}}, nil
}

func (ie *IncludeExpander) expandHasManyThrough(ctx context.Context, parent *Resource, rows []Row, rel *Relationship, node *IncludeNode) ([]includeGroup, error) {
	pivot, err := ie.registry.Get(rel.Through)
	if err != nil {
		return nil, err
	}
	target, err := ie.registry.Get(rel.Target)
	if err != nil {
		return nil, err
	}

	parentIDs := parentIDsOf(rows, parent.IDName)
	if len(parentIDs) == 0 {
		return nil, nil
	}

	pivotPlan := &QueryPlan{Filters: []FilterNode{{Field: rel.PivotThisKey, Operator: "in", Value: parentIDs}}}
	pivotRes, err := ie.store.DataQuery(ctx, pivot, pivotPlan, false)
	if err != nil {
		return nil, err
	}

	otherIDs := uniqueNonNil(pivotRes.Rows, rel.PivotOtherKey)
	if len(otherIDs) == 0 {
		return nil, nil
	}

	targetPlan := &QueryPlan{Filters: []FilterNode{{Field: target.IDName, Operator: "in", Value: otherIDs}}}
	targetRes, err := ie.store.DataQuery(ctx, target, targetPlan, false)
	if err != nil {
		return nil, err
	}
	return []includeGroup{{resource: target, rows: targetRes.Rows}}, nil
}

// expandPolymorphicBelongsTo partitions parents by type column and fetches
// each group from its own resource, one query per type.
func (ie *IncludeExpander) expandPolymorphicBelongsTo(ctx context.Context, rows []Row, rel *Relationship) ([]includeGroup, error) {
	byType := make(map[string][]any)
	for _, row := range rows {
		t, _ := row[rel.TypeField].(string)
		id := row[rel.IDField]
		if t == "" || id == nil {
			continue
		}
		byType[t] = append(byType[t], id)
	}

	var groups []includeGroup
	for typeName, ids := range byType {
		if !inAllowList(rel.Types, typeName) {
			continue
		}
		target, err := ie.registry.Get(typeName)
		if err != nil {
			continue // unregistered target type: nothing is included for it
		}
		plan := &QueryPlan{Filters: []FilterNode{{Field: target.IDName, Operator: "in", Value: ids}}}
		res, err := ie.store.DataQuery(ctx, target, plan, false)
		if err != nil {
			return nil, err
		}
		groups = append(groups, includeGroup{resource: target, rows: res.Rows})
	}
	return groups, nil
}

func (ie *IncludeExpander) expandHasManyViaPolymorphic(ctx context.Context, parent *Resource, rows []Row, rel *Relationship, node *IncludeNode) ([]includeGroup, error) {
	target, err := ie.registry.Get(rel.Target)
	if err != nil {
		return nil, err
	}
	parentIDs := parentIDsOf(rows, parent.IDName)
	plan := &QueryPlan{Filters: []FilterNode{
		{Field: rel.IDField, Operator: "in", Value: parentIDs},
		{Field: rel.TypeField, Operator: "=", Value: parent.Name},
	}}

	var res *QueryResult
	if node.Limit > 0 {
		res, err = ie.store.DataQueryPartitioned(ctx, target, plan, rel.IDField, node.Limit)
	} else {
		res, err = ie.store.DataQuery(ctx, target, plan, false)
	}
	if err != nil {
		return nil, err
	}
	return []includeGroup{{resource: target, rows: res.Rows}}, nil
}

func uniqueNonNil(rows []Row, column string) []any {
	seen := make(map[any]bool)
	var out []any
	for _, row := range rows {
		v, ok := row[column]
		if !ok || v == nil || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func parentIDsOf(rows []Row, idColumn string) []any {
	var out []any
	for _, row := range rows {
		if v, ok := row[idColumn]; ok {
			out = append(out, v)
		}
	}
	return out
}

func inAllowList(list []string, name string) bool {
	for _, t := range list {
		if t == name {
			return true
		}
	}
	return false
}
