package engine

import (
	"fmt"

	"github.com/relapi/engine/pkg/jsonapi"
	"github.com/relapi/engine/pkg/logger"
)

// Codec converts between simplified flat records and JSON:API document
// form. It is pure and, on inputs already in document form, idempotent:
// ToSimplified followed by ToDocument reproduces the original document
// modulo attribute ordering.
type Codec struct {
	registry *Registry
}

// NewCodec returns a codec bound to registry for resolving relationship
// target-type lookups.
func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// ToDocument converts one simplified record into a resource object. id, if
// non-empty, overrides any "id" key present in rec.
func (c *Codec) ToDocument(r *Resource, rec map[string]any, id string) *jsonapi.ResourceObject {
	ro := &jsonapi.ResourceObject{
		Type:          r.Name,
		ID:            id,
		Attributes:    make(map[string]any),
		Relationships: make(map[string]*jsonapi.Relationship),
	}
	if ro.ID == "" {
		if v, ok := rec[r.IDName]; ok {
			ro.ID = fmt.Sprintf("%v", v)
		}
	}

	belongsTo := make(map[string]*Relationship) // alias -> rel, for foreign-key lookup by alias
	for name, rel := range r.Relationships {
		if rel.Kind == BelongsTo || rel.Kind == BelongsToPolymorphic {
			belongsTo[name] = rel
		}
	}

	for key, val := range rec {
		if key == r.IDName {
			continue
		}
		if isForeignKeyColumn(r, key) {
			continue // foreign keys never leak into attributes
		}
		if _, ok := belongsTo[key]; ok {
			continue // simplified-form alias, resolved into relationships below
		}
		if rel, ok := r.Relationships[key]; ok && rel.isToMany() {
			ro.Relationships[key] = toManyRelationship(val, rel.Target)
			continue
		}
		ro.Attributes[key] = val
	}

	for alias, rel := range belongsTo {
		switch rel.Kind {
		case BelongsTo:
			val, ok := rec[rel.ForeignKey]
			if !ok {
				val, ok = rec[alias]
			}
			if !ok {
				continue
			}
			if inlined, isMap := val.(map[string]any); isMap {
				val = inlined["id"]
			}
			ro.Relationships[alias] = oneRelationship(rel.Target, val)
		case BelongsToPolymorphic:
			idVal, idOK := rec[rel.IDField]
			typeVal, typeOK := rec[rel.TypeField]
			if pair, isMap := rec[alias].(map[string]any); isMap && (!idOK || !typeOK) {
				idVal, typeVal, idOK, typeOK = pair["id"], pair["_type"], true, true
			}
			if !idOK || !typeOK {
				continue
			}
			typeName, _ := typeVal.(string)
			if idVal != nil && !inAllowList(rel.Types, typeName) {
				logger.Warn("polymorphic %q on %q: type %q is not allowed, linkage set to null", alias, r.Name, typeName)
				idVal = nil
			}
			ro.Relationships[alias] = oneRelationship(typeName, idVal)
		}
	}

	return ro
}

// ToSimplified rebuilds the flat form from a resource object, recursively
// inlining included relationship targets by relationship name when
// included is supplied. Each inlined value is itself simplified.
//
// A to-one relationship collapses to the bare related id, except a
// polymorphic belongs-to, which always carries its {id, _type} pair since
// the target type cannot otherwise be recovered from the flat form.
func (c *Codec) ToSimplified(r *Resource, ro *jsonapi.ResourceObject, included []*jsonapi.ResourceObject) map[string]any {
	rec := make(map[string]any, len(ro.Attributes)+len(ro.Relationships)+1)
	if ro.ID != "" {
		rec["id"] = ro.ID
	}
	for k, v := range ro.Attributes {
		rec[k] = v
	}

	byKey := make(map[string]*jsonapi.ResourceObject, len(included))
	for _, inc := range included {
		byKey[inc.Type+":"+inc.ID] = inc
	}

	for name, rel := range ro.Relationships {
		if rel == nil {
			continue
		}
		polymorphic := false
		var target *Resource
		if r != nil {
			if schemaRel, ok := r.Relationships[name]; ok {
				polymorphic = schemaRel.Kind == BelongsToPolymorphic
				if t, err := c.registry.Get(schemaRel.Target); err == nil {
					target = t
				}
			}
		}

		if rel.ToMany {
			ids := make([]any, 0, len(rel.Many))
			for _, ident := range rel.Many {
				if inc, ok := byKey[ident.Type+":"+ident.ID]; ok {
					ids = append(ids, c.ToSimplified(target, inc, included))
				} else {
					ids = append(ids, ident.ID)
				}
			}
			rec[name] = ids
			continue
		}
		if rel.One == nil {
			rec[name] = nil
			continue
		}
		if inc, ok := byKey[rel.One.Type+":"+rel.One.ID]; ok {
			rec[name] = c.ToSimplified(target, inc, included)
			continue
		}
		if polymorphic {
			rec[name] = map[string]any{"id": rel.One.ID, "_type": rel.One.Type}
		} else {
			rec[name] = rel.One.ID
		}
	}

	return rec
}

func isForeignKeyColumn(r *Resource, column string) bool {
	for _, rel := range r.Relationships {
		switch rel.Kind {
		case BelongsTo:
			if rel.ForeignKey == column {
				return true
			}
		case BelongsToPolymorphic:
			if rel.TypeField == column || rel.IDField == column {
				return true
			}
		}
	}
	return false
}

func oneRelationship(targetType string, idVal any) *jsonapi.Relationship {
	if idVal == nil {
		return jsonapi.NewToOneRelationship(nil)
	}
	id := jsonapi.Identifier{Type: targetType, ID: fmt.Sprintf("%v", idVal)}
	return jsonapi.NewToOneRelationship(&id)
}

func toManyRelationship(val any, defaultType string) *jsonapi.Relationship {
	items, ok := val.([]any)
	if !ok {
		return jsonapi.NewToManyRelationship(nil)
	}
	ids := make([]jsonapi.Identifier, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			typeName, _ := v["_type"].(string)
			if typeName == "" {
				typeName = defaultType
			}
			idv := v["id"]
			ids = append(ids, jsonapi.Identifier{Type: typeName, ID: fmt.Sprintf("%v", idv)})
		default:
			ids = append(ids, jsonapi.Identifier{Type: defaultType, ID: fmt.Sprintf("%v", v)})
		}
	}
	return jsonapi.NewToManyRelationship(ids)
}
