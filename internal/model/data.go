package model

import (
	"strings"
	"time"
)

// LayerData is the JSON-shaped content of a single data layer. Nested maps
// are addressed with dotted paths ("contact.emails").
type LayerData map[string]any

// Lookup resolves a dotted path. The second return is false when any
// segment is missing.
func (d LayerData) Lookup(path string) (any, bool) {
	if d == nil {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether path resolves to a non-empty value.
func (d LayerData) Has(path string) bool {
	v, ok := d.Lookup(path)
	return ok && !IsEmptyValue(v)
}

// Count returns the number of entries at path when it holds a list, 1 for
// a non-empty scalar, and 0 otherwise.
func (d LayerData) Count(path string) int {
	v, ok := d.Lookup(path)
	if !ok || IsEmptyValue(v) {
		return 0
	}
	switch t := v.(type) {
	case []any:
		return len(t)
	case []string:
		return len(t)
	case []map[string]any:
		return len(t)
	}
	return 1
}

// Strings returns the string entries stored at path.
func (d LayerData) Strings(path string) []string {
	v, ok := d.Lookup(path)
	if !ok {
		return nil
	}
	return ToStrings(v)
}

// MergedData is the layered, merge-only aggregate for a session.
type MergedData struct {
	Layers    map[Layer]LayerData `json:"layers"`
	Phases    map[Layer]string    `json:"phases,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// IsEmpty reports whether no layer holds any data.
func (m *MergedData) IsEmpty() bool {
	return len(m.PopulatedLayers()) == 0
}

// Layer returns the data for layer l, or nil.
func (m *MergedData) Layer(l Layer) LayerData {
	if m == nil || m.Layers == nil {
		return nil
	}
	return m.Layers[l]
}

// PopulatedLayers returns the layers holding at least one non-empty value,
// in pipeline order.
func (m *MergedData) PopulatedLayers() []Layer {
	if m == nil {
		return nil
	}
	var out []Layer
	for _, l := range AllLayers() {
		for _, v := range m.Layer(l) {
			if !IsEmptyValue(v) {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// Lookup resolves a dotted path against every layer in pipeline order and
// returns the first non-empty hit.
func (m *MergedData) Lookup(path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, l := range AllLayers() {
		if v, ok := m.Layer(l).Lookup(path); ok && !IsEmptyValue(v) {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether path is populated in any layer.
func (m *MergedData) Has(path string) bool {
	_, ok := m.Lookup(path)
	return ok
}

// Clone returns a deep copy.
func (m *MergedData) Clone() *MergedData {
	if m == nil {
		return nil
	}
	out := &MergedData{
		Layers:    make(map[Layer]LayerData, len(m.Layers)),
		Phases:    make(map[Layer]string, len(m.Phases)),
		UpdatedAt: m.UpdatedAt,
	}
	for l, d := range m.Layers {
		out.Layers[l] = LayerData(CloneMap(d))
	}
	for l, p := range m.Phases {
		out.Phases[l] = p
	}
	return out
}

// IsEmptyValue treats nil, blank strings, empty lists and maps holding only
// empty values as absent.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case []map[string]any:
		return len(t) == 0
	case map[string]any:
		return emptyMap(t)
	case LayerData:
		return emptyMap(t)
	}
	return false
}

func emptyMap(m map[string]any) bool {
	for _, v := range m {
		if !IsEmptyValue(v) {
			return false
		}
	}
	return true
}

// ToStrings flattens a list value into strings, skipping non-string and
// blank entries.
func ToStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case LayerData:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneMap(e)
		}
		return out
	}
	return v
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case LayerData:
		return t, true
	}
	return nil, false
}
