// Package state implements the in-memory state tree: a nested mapping of
// string keys to scalar or mapping values, addressed by dotted key paths.
// One execution context exclusively owns its tree; other contexts only ever
// see serialized copies of it.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	// KindNull is the zero Value
	KindNull Kind = iota
	// KindString holds a string scalar
	KindString
	// KindNumber holds a float64 scalar
	KindNumber
	// KindBool holds a boolean scalar
	KindBool
	// KindMapping holds a nested mapping of keys to Values
	KindMapping
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the supported state value types. It is an
// explicit recursive variant rather than interface{} so that path walks and
// merges never need reflection.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// String wraps a string scalar.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric scalar.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps a boolean scalar.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Mapping wraps a nested mapping. The map is used directly, not copied.
func Mapping(m map[string]Value) Value {
	if m == nil {
		m = make(map[string]Value)
	}
	return Value{kind: KindMapping, m: m}
}

// Kind returns the variant held by this value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string scalar, or false if the value is not a string.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsNumber returns the numeric scalar, or false if the value is not a number.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBool returns the boolean scalar, or false if the value is not a boolean.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsMapping returns the underlying map, or false if the value is not a mapping.
// The returned map is the live map, not a copy.
func (v Value) AsMapping() (map[string]Value, bool) {
	if v.kind != KindMapping {
		return nil, false
	}
	return v.m, true
}

// Copy creates a deep copy of this value.
func (v Value) Copy() Value {
	if v.kind != KindMapping {
		return v
	}
	m := make(map[string]Value, len(v.m))
	for k, child := range v.m {
		m[k] = child.Copy()
	}
	return Value{kind: KindMapping, m: m}
}

// Equal reports whether two values are structurally identical.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindMapping:
		if len(v.m) != len(other.m) {
			return false
		}
		for k, child := range v.m {
			oc, ok := other.m[k]
			if !ok || !child.Equal(oc) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Interface converts the value to plain Go types (string, float64, bool,
// map[string]any, nil) for handing to event subscribers.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMapping:
		m := make(map[string]any, len(v.m))
		for k, child := range v.m {
			m[k] = child.Interface()
		}
		return m
	default:
		return nil
	}
}

// FromInterface converts plain Go types into a Value. Supported inputs are
// nil, bool, string, numeric types, and map[string]any (recursively).
func FromInterface(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, raw := range t {
			v, err := FromInterface(raw)
			if err != nil {
				return Null(), err
			}
			m[k] = v
		}
		return Mapping(m), nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", in)
	}
}

// MarshalJSON implements json.Marshaler with deterministic key order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMapping:
		return marshalMapping(v.m)
	default:
		return nil, fmt.Errorf("cannot marshal value of kind %d", v.kind)
	}
}

// marshalMapping writes a mapping with sorted keys so encoding is deterministic.
func marshalMapping(m map[string]Value) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := m[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON implements json.Unmarshaler. Arrays are not a supported state
// value type and are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return v.fromDecoded(raw)
}

func (v *Value) fromDecoded(raw any) error {
	switch t := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = Bool(t)
	case string:
		*v = String(t)
	case float64:
		*v = Number(t)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, child := range t {
			var cv Value
			if err := cv.fromDecoded(child); err != nil {
				return err
			}
			m[k] = cv
		}
		*v = Mapping(m)
	default:
		return fmt.Errorf("unsupported value type %T", raw)
	}
	return nil
}
