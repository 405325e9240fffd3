package docstore

import "strings"

// Document is a nested string-keyed record as stored in a collection.
// Nested objects are plain map[string]any and sequences are []any, so a
// Document survives a JSON or BSON round trip without changing shape.
type Document map[string]any

// Clone returns a deep copy of the document. Mutating the copy never
// affects the original, no matter how deeply nested the change is.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Document:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = cloneValue(item)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = cloneValue(item)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = cloneValue(item)
		}
		return s
	default:
		return v
	}
}

// asMap unwraps a nested object regardless of whether it was built as a
// Document or a plain map.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

// Lookup resolves a dotted field path ("playlist.200.name") against a
// document. The second result is false if any segment is missing or a
// non-object value is traversed.
func Lookup(doc Document, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// descend walks to the parent object of the path's final segment and
// returns it together with the leaf field name. With create set, missing
// intermediate objects are inserted on the way down; without it, a missing
// intermediate reports ok=false. Traversing through a non-object value is
// a path error either way.
func descend(root map[string]any, path string, create bool) (parent map[string]any, field string, ok bool, err error) {
	parts := strings.Split(path, ".")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists {
			if !create {
				return nil, "", false, nil
			}
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, isMap := asMap(next)
		if !isMap {
			return nil, "", false, wrapValidation("invalid path %q: %q is not an object", path, part)
		}
		cur = child
	}
	return cur, parts[len(parts)-1], true, nil
}
