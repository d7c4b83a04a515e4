// Package cbtypes provides the opaque JSON value type used for Resource
// data, AgentSession metadata, and MCP tool arguments. Dynamic payloads are
// validated at system boundaries (GraphQL scalars, tool input schemas,
// guard evaluation) rather than given bespoke Go types internally.
package cbtypes

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Doc wraps an arbitrary JSON object so callers have typed accessors over
// dotted, JSON-pointer-like paths (for example "metadata.customer.tier")
// instead of passing raw map[string]any through every layer.
type Doc struct {
	v map[string]any
}

// NewDoc wraps an existing map. A nil map is treated as empty.
func NewDoc(v map[string]any) Doc {
	if v == nil {
		v = map[string]any{}
	}
	return Doc{v: v}
}

// ParseDoc unmarshals raw JSON into a Doc.
func ParseDoc(raw []byte) (Doc, error) {
	if len(raw) == 0 {
		return NewDoc(nil), nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Doc{}, err
	}
	return NewDoc(m), nil
}

// Raw returns the underlying map. Callers must not assume ownership beyond
// read access; mutating the returned map mutates the Doc.
func (d Doc) Raw() map[string]any { return d.v }

// MarshalJSON implements json.Marshaler.
func (d Doc) MarshalJSON() ([]byte, error) { return json.Marshal(d.v) }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Doc) UnmarshalJSON(raw []byte) error {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	d.v = m
	return nil
}

// Get resolves a dotted path (for example "data.wordCount") and returns the
// value and whether the full path resolved.
func (d Doc) Get(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(d.v)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
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

// String returns the string value at path, or "" with ok=false if the path
// is absent or not a string.
func (d Doc) String(path string) (string, bool) {
	v, ok := d.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the numeric value at path as a float64. JSON numbers decode
// to float64 by default; this also accepts json.Number and strings that
// parse cleanly, to tolerate callers that pre-decoded with UseNumber.
func (d Doc) Float(path string) (float64, bool) {
	v, ok := d.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns the numeric value at path truncated to an int.
func (d Doc) Int(path string) (int, bool) {
	f, ok := d.Float(path)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Bool returns the boolean value at path.
func (d Doc) Bool(path string) (bool, bool) {
	v, ok := d.Get(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// WithSet returns a copy of the Doc with path set to value at the top
// level. Nested dotted paths are not created by WithSet; use Merge for
// structural updates.
func (d Doc) WithSet(key string, value any) Doc {
	out := make(map[string]any, len(d.v)+1)
	for k, v := range d.v {
		out[k] = v
	}
	out[key] = value
	return NewDoc(out)
}

// Merge returns a copy of d with the top-level keys of other overlaid on
// top.
func (d Doc) Merge(other Doc) Doc {
	out := make(map[string]any, len(d.v)+len(other.v))
	for k, v := range d.v {
		out[k] = v
	}
	for k, v := range other.v {
		out[k] = v
	}
	return NewDoc(out)
}
