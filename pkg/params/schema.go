package params

import (
	"fmt"
	"sort"
	"strings"
)

// Type is a declared parameter type.
type Type string

const (
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeString Type = "string"
)

// Valid reports whether t is a known parameter type.
func (t Type) Valid() bool {
	switch t {
	case TypeInt, TypeFloat, TypeString:
		return true
	default:
		return false
	}
}

// Spec declares a single parameter.
type Spec struct {
	Type     Type  `json:"type"`
	Default  Value `json:"default"`
	Nullable bool  `json:"nullable,omitempty"`
}

// Schema maps parameter names to their declarations.
//
// Schemas are owned by the backend and treated as read-only.
type Schema map[string]Spec

// Names returns the declared parameter names in sorted order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is declared.
func (s Schema) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Algorithm describes one algorithm in the backend catalog.
type Algorithm struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Parameters Schema `json:"parameters"`
	FilePath   string `json:"file_path,omitempty"`
}

// String returns a short "name (#id)" label.
func (a Algorithm) String() string {
	return fmt.Sprintf("%s (#%d)", a.Name, a.ID)
}

// ParseInput converts raw user input for a declared parameter into a Value.
//
// Blank input yields Null. Numeric types are parsed strictly; the returned
// error describes why the input does not fit the declared type.
func ParseInput(spec Spec, raw string) (Value, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "null") || trimmed == "None" {
		return Null(), nil
	}
	switch spec.Type {
	case TypeInt:
		v := Str(trimmed)
		n, ok := v.AsInt()
		if !ok {
			return Null(), fmt.Errorf("expected an integer, got %q", raw)
		}
		return Int(n), nil
	case TypeFloat:
		v := Str(trimmed)
		f, ok := v.AsFloat()
		if !ok {
			return Null(), fmt.Errorf("expected a finite number, got %q", raw)
		}
		return Float(f), nil
	default:
		return Str(raw), nil
	}
}

// Coerce converts v to the declared type when it is representable.
//
// Unset values stay Null. Values that cannot be represented are returned
// unchanged; Validate reports them.
func Coerce(spec Spec, v Value) Value {
	if v.IsUnset() {
		return Null()
	}
	switch spec.Type {
	case TypeInt:
		if n, ok := v.AsInt(); ok {
			return Int(n)
		}
	case TypeFloat:
		if f, ok := v.AsFloat(); ok {
			return Float(f)
		}
	case TypeString:
		if v.Kind() != KindString {
			return Str(v.String())
		}
	}
	return v
}
