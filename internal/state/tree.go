package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved top-level field names in the serialized blob. They carry the
// schema version and the logical clock and are never application keys.
const (
	FieldVersion   = "version"
	FieldTimestamp = "timestamp"
)

// Tree is the authoritative mutable state for one execution context. The
// reserved version and timestamp fields are kept out of the root mapping and
// injected on encode.
//
// Tree is not safe for concurrent use; the owning engine serializes access.
type Tree struct {
	root      map[string]Value
	version   int   // schema version
	timestamp int64 // logical clock, wall-clock-derived ms
}

// NewTree creates an empty tree with the given schema version and clock.
func NewTree(version int, timestamp int64) *Tree {
	return &Tree{
		root:      make(map[string]Value),
		version:   version,
		timestamp: timestamp,
	}
}

// Version returns the schema version.
func (t *Tree) Version() int { return t.version }

// SetVersion sets the schema version.
func (t *Tree) SetVersion(v int) { t.version = v }

// Timestamp returns the logical clock.
func (t *Tree) Timestamp() int64 { return t.timestamp }

// SetTimestamp sets the logical clock. Callers are responsible for keeping it
// monotonically non-decreasing.
func (t *Tree) SetTimestamp(ts int64) { t.timestamp = ts }

// Len returns the number of top-level application keys.
func (t *Tree) Len() int { return len(t.root) }

// Keys returns the top-level application keys in unspecified order.
func (t *Tree) Keys() []string {
	keys := make([]string, 0, len(t.root))
	for k := range t.root {
		keys = append(keys, k)
	}
	return keys
}

// GetKey returns the value stored under a single top-level key.
func (t *Tree) GetKey(key string) (Value, bool) {
	v, ok := t.root[key]
	return v, ok
}

// SetKey stores a value under a single top-level key.
func (t *Tree) SetKey(key string, v Value) {
	t.root[key] = v
}

// DeleteKey removes a top-level key. Used by the codec to prune fields that
// fail validation.
func (t *Tree) DeleteKey(key string) {
	delete(t.root, key)
}

// splitPath tokenizes a dotted key path. An empty path or empty segment is
// invalid.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty key path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid key path %q", path)
		}
	}
	return parts, nil
}

// Get walks a dotted key path and returns the value at its end. Absent paths
// and paths crossing a non-mapping node return false.
func (t *Tree) Get(path string) (Value, bool) {
	parts, err := splitPath(path)
	if err != nil {
		return Null(), false
	}

	cur, ok := t.root[parts[0]]
	if !ok {
		return Null(), false
	}
	for _, part := range parts[1:] {
		m, isMap := cur.AsMapping()
		if !isMap {
			return Null(), false
		}
		cur, ok = m[part]
		if !ok {
			return Null(), false
		}
	}
	return cur, true
}

// Set walks a dotted key path and stores a value at its end, creating empty
// mappings for missing intermediate nodes. Intermediate nodes that exist but
// are not mappings are replaced by mappings.
func (t *Tree) Set(path string, v Value) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	if len(parts) == 1 {
		t.root[parts[0]] = v
		return nil
	}

	cur, ok := t.root[parts[0]]
	if _, isMap := cur.AsMapping(); !ok || !isMap {
		cur = Mapping(nil)
		t.root[parts[0]] = cur
	}

	node, _ := cur.AsMapping()
	for _, part := range parts[1 : len(parts)-1] {
		child, ok := node[part]
		childMap, isMap := child.AsMapping()
		if !ok || !isMap {
			childMap = make(map[string]Value)
			node[part] = Mapping(childMap)
		}
		node = childMap
	}
	node[parts[len(parts)-1]] = v
	return nil
}

// Clone creates a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	clone := NewTree(t.version, t.timestamp)
	for k, v := range t.root {
		clone.root[k] = v.Copy()
	}
	return clone
}

// OverwriteFrom applies a shallow merge favoring the stored tree: every
// top-level field of stored replaces the local field of the same name. Used
// by the last-writer-wins conflict strategy.
func (t *Tree) OverwriteFrom(stored *Tree) {
	for k, v := range stored.root {
		t.root[k] = v.Copy()
	}
}

// MergeFrom applies a recursive deep merge: mappings present on both sides
// merge key by key, and on non-mapping leaf clashes the local (current) value
// wins. Fields only present in stored are adopted.
func (t *Tree) MergeFrom(stored *Tree) {
	t.root = mergeMappings(t.root, stored.root)
}

// mergeMappings merges stored into current, current-wins on leaves.
func mergeMappings(current, stored map[string]Value) map[string]Value {
	for k, sv := range stored {
		cv, ok := current[k]
		if !ok {
			current[k] = sv.Copy()
			continue
		}
		cm, cIsMap := cv.AsMapping()
		sm, sIsMap := sv.AsMapping()
		if cIsMap && sIsMap {
			current[k] = Mapping(mergeMappings(cm, sm))
		}
		// Leaf clash or kind mismatch: keep current.
	}
	return current
}

// wireMapping is the serialized shape of the tree: reserved fields plus the
// application keys flattened into one JSON object.
func (t *Tree) wireMapping() map[string]Value {
	m := make(map[string]Value, len(t.root)+2)
	for k, v := range t.root {
		m[k] = v
	}
	m[FieldVersion] = Number(float64(t.version))
	m[FieldTimestamp] = Number(float64(t.timestamp))
	return m
}

// MarshalJSON encodes the tree deterministically (sorted keys) with the
// reserved version and timestamp fields at the top level.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return marshalMapping(t.wireMapping())
}

// UnmarshalJSON decodes a serialized tree. Reserved fields are extracted from
// the top-level object; everything else becomes application state. A non-object
// blob is an error.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	tree, ok := TreeFromValue(v)
	if !ok {
		return fmt.Errorf("state blob is not a mapping (got %s)", v.Kind())
	}
	*t = *tree
	return nil
}

// TreeFromValue builds a tree from an already-parsed value. Returns false if
// the value is not a mapping.
func TreeFromValue(v Value) (*Tree, bool) {
	m, ok := v.AsMapping()
	if !ok {
		return nil, false
	}

	t := &Tree{root: make(map[string]Value, len(m))}
	for k, child := range m {
		switch k {
		case FieldVersion:
			if n, ok := child.AsNumber(); ok {
				t.version = int(n)
			}
		case FieldTimestamp:
			if n, ok := child.AsNumber(); ok {
				t.timestamp = int64(n)
			}
		default:
			t.root[k] = child
		}
	}
	return t, true
}

// Equal reports whether two trees hold identical application state and
// reserved fields.
func (t *Tree) Equal(other *Tree) bool {
	if t.version != other.version || t.timestamp != other.timestamp {
		return false
	}
	return Mapping(t.root).Equal(Mapping(other.root))
}
