package jsonapi

import (
	"encoding/json"
	"fmt"
)

// JSONAPIObject is the top-level "jsonapi" member, per §document-jsonapi-object.
type JSONAPIObject struct {
	Version string `json:"version"`
	Meta    Meta   `json:"meta,omitempty"`
}

// Document is a top-level JSON:API document, per §document-top-level.
// Exactly one of DataOne/DataMany/Errors is populated for an outbound
// document; ManyData records whether the primary data is a collection
// (including an empty one) so round-tripping reproduces the original shape.
type Document struct {
	ManyData bool
	DataOne  *ResourceObject
	DataMany []*ResourceObject

	Included []*ResourceObject `json:"included,omitempty"`
	Errors   []*Error          `json:"errors,omitempty"`
	Meta     Meta              `json:"meta,omitempty"`
	Links    *Links            `json:"links,omitempty"`
	JSONAPI  *JSONAPIObject    `json:"jsonapi,omitempty"`
}

// NewDocument returns an empty document with a single primary resource.
func NewDocument(data *ResourceObject) *Document {
	return &Document{DataOne: data}
}

// NewCollectionDocument returns an empty document with a collection of
// primary resources (possibly empty, which is distinct from null).
func NewCollectionDocument(data []*ResourceObject) *Document {
	if data == nil {
		data = []*ResourceObject{}
	}
	return &Document{ManyData: true, DataMany: data}
}

// NewErrorDocument wraps one or more errors in a document.
func NewErrorDocument(errs ...*Error) *Document {
	return &Document{Errors: errs}
}

// MarshalJSON renders the primary "data" member as null, a single resource
// object, or an array of resource objects, matching how the document was
// constructed.
func (d *Document) MarshalJSON() ([]byte, error) {
	if len(d.Errors) > 0 {
		type alias Document
		return json.Marshal(&struct {
			*alias
		}{alias: (*alias)(d)})
	}

	type alias Document
	if d.ManyData {
		return json.Marshal(&struct {
			Data []*ResourceObject `json:"data"`
			*alias
		}{Data: d.DataMany, alias: (*alias)(d)})
	}
	return json.Marshal(&struct {
		Data *ResourceObject `json:"data"`
		*alias
	}{Data: d.DataOne, alias: (*alias)(d)})
}

// UnmarshalJSON detects whether "data" is absent, null, an object, or an
// array, and populates DataOne/DataMany/ManyData accordingly.
func (d *Document) UnmarshalJSON(data []byte) error {
	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	type alias Document
	aux := (*alias)(d)

	if len(probe.Data) == 0 {
		return json.Unmarshal(data, aux)
	}

	raw := probe.Data
	switch {
	case string(raw) == "null":
		return json.Unmarshal(data, aux)
	case raw[0] == '[':
		var withMany struct {
			Data []*ResourceObject `json:"data"`
			*alias
		}
		withMany.alias = aux
		if err := json.Unmarshal(data, &withMany); err != nil {
			return err
		}
		d.ManyData = true
		d.DataMany = withMany.Data
		return nil
	case raw[0] == '{':
		var withOne struct {
			Data *ResourceObject `json:"data"`
			*alias
		}
		withOne.alias = aux
		if err := json.Unmarshal(data, &withOne); err != nil {
			return err
		}
		d.DataOne = withOne.Data
		return nil
	default:
		return fmt.Errorf("jsonapi: unexpected shape for \"data\": %s", raw)
	}
}

// PrimaryIdentifiers returns the resource identifiers of the primary data.
func (d *Document) PrimaryIdentifiers() []Identifier {
	if d.ManyData {
		ids := make([]Identifier, 0, len(d.DataMany))
		for _, ro := range d.DataMany {
			ids = append(ids, ro.Identifier())
		}
		return ids
	}
	if d.DataOne == nil {
		return nil
	}
	return []Identifier{d.DataOne.Identifier()}
}

// VerifyFullLinkage checks that every included resource is reachable from
// the primary data by following relationships transitively, per
// §document-compound-documents. A compound document that includes a
// resource nothing ever points to is malformed.
func (d *Document) VerifyFullLinkage() error {
	if len(d.Included) == 0 {
		return nil
	}

	key := func(ro *ResourceObject) string { return fmt.Sprintf("%s:%s", ro.Type, ro.ID) }

	type node struct {
		visited bool
	}
	includeSet := make(map[string]*node, len(d.Included))
	for _, ro := range d.Included {
		includeSet[key(ro)] = &node{}
	}

	byKey := make(map[string]*ResourceObject, len(d.Included))
	for _, ro := range d.Included {
		byKey[key(ro)] = ro
	}

	var visit func(id Identifier)
	visit = func(id Identifier) {
		k := fmt.Sprintf("%s:%s", id.Type, id.ID)
		n, ok := includeSet[k]
		if !ok || n.visited {
			return
		}
		n.visited = true
		if ro, ok := byKey[k]; ok {
			for _, rel := range ro.Relationships {
				for _, id := range relationshipIdentifiers(rel) {
					visit(id)
				}
			}
		}
	}

	primary := d.DataMany
	if !d.ManyData && d.DataOne != nil {
		primary = []*ResourceObject{d.DataOne}
	}
	for _, ro := range primary {
		for _, rel := range ro.Relationships {
			for _, id := range relationshipIdentifiers(rel) {
				visit(id)
			}
		}
	}

	var unreachable []string
	for k, n := range includeSet {
		if !n.visited {
			unreachable = append(unreachable, k)
		}
	}
	if len(unreachable) > 0 {
		return &PartialLinkageError{Resources: unreachable}
	}
	return nil
}

func relationshipIdentifiers(rel *Relationship) []Identifier {
	if rel == nil {
		return nil
	}
	if rel.ToMany {
		return rel.Many
	}
	if rel.One == nil {
		return nil
	}
	return []Identifier{*rel.One}
}
