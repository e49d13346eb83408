package protocol

// Resolvable is a reference to a payload stored outside the request body.
type Resolvable struct {
	ID       string         `json:"id"`
	Type     string         `json:"type,omitempty"`
	Storage  string         `json:"storage"`
	Filename string         `json:"filename,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Map returns the wire form placed into request parameters.
func (r Resolvable) Map() map[string]any {
	m := map[string]any{
		"id":      r.ID,
		"storage": r.Storage,
	}
	if r.Type != "" {
		m["type"] = r.Type
	}
	if r.Filename != "" {
		m["filename"] = r.Filename
	}
	if len(r.Details) > 0 {
		m["details"] = r.Details
	}
	return m
}

// ResolvableFromValue recognises a reference in any of the forms it can take
// inside a parameter tree.
func ResolvableFromValue(v any) (Resolvable, bool) {
	switch r := v.(type) {
	case Resolvable:
		return r, r.ID != "" && r.Storage != ""
	case *Resolvable:
		if r == nil {
			return Resolvable{}, false
		}
		return *r, r.ID != "" && r.Storage != ""
	case map[string]any:
		id, _ := r["id"].(string)
		storage, _ := r["storage"].(string)
		if id == "" || storage == "" {
			return Resolvable{}, false
		}
		out := Resolvable{ID: id, Storage: storage}
		out.Type, _ = r["type"].(string)
		out.Filename, _ = r["filename"].(string)
		out.Details, _ = r["details"].(map[string]any)
		return out, true
	}
	return Resolvable{}, false
}
