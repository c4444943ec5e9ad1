package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ValueKind identifies the variant held by a Value.
type ValueKind int

const (
	NullValue ValueKind = iota
	BoolValue
	NumberValue
	StringValue
	ArrayValue
	ObjectValue
)

func (k ValueKind) String() string {
	switch k {
	case NullValue:
		return "null"
	case BoolValue:
		return "bool"
	case NumberValue:
		return "number"
	case StringValue:
		return "string"
	case ArrayValue:
		return "array"
	case ObjectValue:
		return "object"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// Value is a recursive tagged variant covering the JSON data model:
// null, bool, number, string, array, and object. Tool arguments and
// results are Value trees rather than raw interface{} values, so
// callers always know which variant they are holding.
//
// The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	a    []Value
	o    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: BoolValue, b: b} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: NumberValue, n: n} }

// String returns a string Value.
func String(s string) Value { return Value{kind: StringValue, s: s} }

// Array returns an array Value holding the given elements.
func Array(elems ...Value) Value { return Value{kind: ArrayValue, a: elems} }

// Object returns an object Value holding the given fields. The map is
// used directly, not copied.
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: ObjectValue, o: fields}
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is the null variant.
func (v Value) IsNull() bool { return v.kind == NullValue }

// Bool returns the boolean payload. ok is false if v is not a bool.
func (v Value) Bool() (b bool, ok bool) { return v.b, v.kind == BoolValue }

// Number returns the numeric payload. ok is false if v is not a number.
func (v Value) Number() (n float64, ok bool) { return v.n, v.kind == NumberValue }

// String returns the string payload. ok is false if v is not a string.
func (v Value) String() (s string, ok bool) { return v.s, v.kind == StringValue }

// Array returns the element slice. ok is false if v is not an array.
func (v Value) Array() (elems []Value, ok bool) { return v.a, v.kind == ArrayValue }

// Object returns the field map. ok is false if v is not an object.
func (v Value) Object() (fields map[string]Value, ok bool) { return v.o, v.kind == ObjectValue }

// Field returns the named field of an object Value. ok is false if v
// is not an object or the field is absent.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != ObjectValue {
		return Value{}, false
	}
	f, ok := v.o[name]
	return f, ok
}

// Keys returns the sorted field names of an object Value, or nil for
// other variants.
func (v Value) Keys() []string {
	if v.kind != ObjectValue {
		return nil
	}
	keys := make([]string, 0, len(v.o))
	for k := range v.o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the variant as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case NullValue:
		return []byte("null"), nil
	case BoolValue:
		return json.Marshal(v.b)
	case NumberValue:
		return json.Marshal(v.n)
	case StringValue:
		return json.Marshal(v.s)
	case ArrayValue:
		if v.a == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.a)
	case ObjectValue:
		if v.o == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.o)
	}
	return nil, fmt.Errorf("marshal: unknown value kind %d", int(v.kind))
}

// UnmarshalJSON decodes arbitrary JSON into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a decoded JSON value (as produced by
// encoding/json into any) to a Value tree.
func FromAny(raw any) (Value, error) { return fromAny(raw) }

func fromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", x.String(), err)
		}
		return Number(n), nil
	case string:
		return String(x), nil
	case []any:
		elems := make([]Value, len(x))
		for i, e := range x {
			v, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}
		return Array(elems...), nil
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, e := range x {
			v, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Object(fields), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", raw)
}

// ToAny converts a Value tree back to the encoding/json any
// representation (nil, bool, float64, string, []any, map[string]any).
func (v Value) ToAny() any {
	switch v.kind {
	case NullValue:
		return nil
	case BoolValue:
		return v.b
	case NumberValue:
		return v.n
	case StringValue:
		return v.s
	case ArrayValue:
		out := make([]any, len(v.a))
		for i, e := range v.a {
			out[i] = e.ToAny()
		}
		return out
	case ObjectValue:
		out := make(map[string]any, len(v.o))
		for k, e := range v.o {
			out[k] = e.ToAny()
		}
		return out
	}
	return nil
}

// Args is a tool-argument mapping from string keys to arbitrary
// structured values.
type Args map[string]Value

// ToAny converts the argument map to plain JSON-ready values.
func (a Args) ToAny() map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v.ToAny()
	}
	return out
}
