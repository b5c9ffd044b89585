// Package params models schema-driven algorithm parameters.
//
// Backend parameter maps are loosely typed: a value may be a number, a string,
// or null depending on the algorithm's declared schema. Value recovers static
// typing with a small tagged union while still round-tripping the backend's
// JSON representation.
package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "null"
	}
}

// Value is a single parameter value.
//
// The zero Value is Null. Null is the canonical "unset" representation:
// empty strings are normalized to Null by ParseInput and reported unset by
// IsUnset.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Null returns the unset value.
func Null() Value { return Value{} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a floating point value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Str returns a string value.
func Str(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the Null variant.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsUnset reports whether v carries no constraint: Null or a blank string.
func (v Value) IsUnset() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.s) == ""
	default:
		return false
	}
}

// AsInt returns the integer held by v.
//
// Float values with no fractional part and numeric strings are converted.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) || v.f != math.Trunc(v.f) {
			return 0, false
		}
		if v.f > math.MaxInt64 || v.f < math.MinInt64 {
			return 0, false
		}
		return int64(v.f), true
	case KindString:
		s := strings.TrimSpace(v.s)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Float(f).AsInt()
		}
		return 0, false
	default:
		return 0, false
	}
}

// AsFloat returns the finite number held by v.
func (v Value) AsFloat() (float64, bool) {
	var f float64
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		f = v.f
	case KindString:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// AsString returns the raw string for string values.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// String renders v for display. Null renders as "null".
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	default:
		return "null"
	}
}

// Normalized returns the comparison form of v.
//
// Numbers and numeric strings share one representation, so Int(2), Float(2.0)
// and Str("2") all normalize to "2". Unset values normalize to "".
func (v Value) Normalized() string {
	if v.IsUnset() {
		return ""
	}
	if v.kind == KindString {
		s := strings.TrimSpace(v.s)
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return s
	}
	if f, ok := v.AsFloat(); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return v.String()
}

// Equal reports whether a and b are equal under string normalization.
func Equal(a, b Value) bool {
	return a.Normalized() == b.Normalized()
}

// Interface returns v as a plain Go value suitable for generic encoders.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return nil, fmt.Errorf("params: cannot encode non-finite float %v", v.f)
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
//
// Integral numbers decode as Int, other numbers as Float. Booleans decode as
// the strings "true" and "false".
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Null()
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Str(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Str(strconv.FormatBool(b))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("params: unsupported value %s", string(data))
	}
	*v = FromNumber(n)
	return nil
}

// FromNumber converts a JSON number to Int when integral, Float otherwise.
func FromNumber(n json.Number) Value {
	if i, err := n.Int64(); err == nil {
		return Int(i)
	}
	f, err := n.Float64()
	if err != nil {
		return Str(n.String())
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 && !strings.ContainsAny(n.String(), ".eE") {
		return Int(int64(f))
	}
	return Float(f)
}

// FromAny converts a decoded YAML/JSON scalar into a Value.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return Null(), fmt.Errorf("params: integer %d overflows int64", x)
		}
		return Int(int64(x)), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case json.Number:
		return FromNumber(x), nil
	case string:
		return Str(x), nil
	case bool:
		return Str(strconv.FormatBool(x)), nil
	default:
		return Null(), fmt.Errorf("params: unsupported value type %T", raw)
	}
}

// Params maps parameter names to values.
type Params map[string]Value

// Clone returns a shallow copy of p. A nil map clones to an empty map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
