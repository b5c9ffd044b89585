package params

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validation errors
var (
	// ErrRequired indicates a non-nullable parameter has no value.
	ErrRequired = errors.New("value is required")

	// ErrNotInteger indicates an int parameter does not hold an integer.
	ErrNotInteger = errors.New("must be an integer")

	// ErrNotNumber indicates a float parameter does not hold a finite number.
	ErrNotNumber = errors.New("must be a finite number")
)

// FieldErrors maps parameter names to validation failures.
type FieldErrors map[string]error

// Error implements error interface.
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e))
	for k := range e {
		names = append(names, k)
	}
	sort.Strings(names)

	if len(names) == 1 {
		return fmt.Sprintf("%s: %v", names[0], e[names[0]])
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("parameter validation failed with %d errors:\n", len(e)))
	for i, name := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(e[name].Error())
	}
	return b.String()
}

// Err returns e as an error, or nil when e is empty.
func (e FieldErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// DeriveDefaults builds the initial value map for a schema.
//
// Every declared parameter gets exactly one entry: its default when non-null,
// otherwise Null. For non-nullable parameters Null means "required, unset".
func DeriveDefaults(schema Schema) Params {
	out := make(Params, len(schema))
	for name, spec := range schema {
		if spec.Default.IsNull() {
			out[name] = Null()
			continue
		}
		out[name] = Coerce(spec, spec.Default)
	}
	return out
}

// Validate checks values against the schema's per-parameter constraints.
//
// Only declared parameters are checked. The returned map is empty when all
// values are acceptable.
func Validate(schema Schema, values Params) FieldErrors {
	errs := FieldErrors{}
	for name, spec := range schema {
		v := values[name]
		if v.IsUnset() {
			if !spec.Nullable {
				errs[name] = ErrRequired
			}
			continue
		}
		switch spec.Type {
		case TypeInt:
			if _, ok := v.AsInt(); !ok {
				errs[name] = fmt.Errorf("%w (got %q)", ErrNotInteger, v.String())
			}
		case TypeFloat:
			if _, ok := v.AsFloat(); !ok {
				errs[name] = fmt.Errorf("%w (got %q)", ErrNotNumber, v.String())
			}
		}
	}
	return errs
}

// Normalize coerces every declared value to its type and drops undeclared
// keys. Callers validate first.
func Normalize(schema Schema, values Params) Params {
	out := make(Params, len(schema))
	for name, spec := range schema {
		out[name] = Coerce(spec, values[name])
	}
	return out
}
