package jsonapi

import "encoding/json"

// MarshalJSON renders linkage as null, a single resource identifier object,
// or an array of resource identifier objects, matching whichever shape the
// relationship was built with.
func (r *Relationship) MarshalJSON() ([]byte, error) {
	aux := struct {
		Data  any    `json:"data"`
		Links *Links `json:"links,omitempty"`
		Meta  Meta   `json:"meta,omitempty"`
	}{Links: r.Links, Meta: r.Meta}

	if r.ToMany {
		if r.Many == nil {
			aux.Data = []Identifier{}
		} else {
			aux.Data = r.Many
		}
	} else {
		aux.Data = r.One
	}

	return json.Marshal(aux)
}

// UnmarshalJSON accepts null, a single identifier object, or an array of
// identifier objects for the "data" member.
func (r *Relationship) UnmarshalJSON(data []byte) error {
	var aux struct {
		Data  json.RawMessage `json:"data"`
		Links *Links          `json:"links,omitempty"`
		Meta  Meta            `json:"meta,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Links = aux.Links
	r.Meta = aux.Meta

	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		r.ToMany = false
		r.One = nil
		return nil
	}

	var many []Identifier
	if err := json.Unmarshal(aux.Data, &many); err == nil {
		r.ToMany = true
		r.Many = many
		return nil
	}

	var one Identifier
	if err := json.Unmarshal(aux.Data, &one); err != nil {
		return err
	}
	r.ToMany = false
	r.One = &one
	return nil
}

// IsEmpty reports whether the relationship has no linkage: a nil
// relationship, a null to-one, or an empty to-many.
func (r *Relationship) IsEmpty() bool {
	if r == nil {
		return true
	}
	if r.ToMany {
		return len(r.Many) == 0
	}
	return r.One == nil
}
