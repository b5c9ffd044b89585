package params

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func psoSchema(t *testing.T) Schema {
	t.Helper()
	raw := `{
		"n_iter":        {"type": "int",    "default": 10},
		"n_particles":   {"type": "int",    "default": 20},
		"inertia_start": {"type": "float",  "default": 0.9},
		"topology":      {"type": "string", "default": "star"},
		"tol_thres":     {"type": "float",  "default": null, "nullable": true},
		"budget":        {"type": "int",    "default": null}
	}`
	var s Schema
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	return s
}

func TestDeriveDefaults(t *testing.T) {
	schema := psoSchema(t)
	got := DeriveDefaults(schema)

	assert.Len(t, got, len(schema))
	for name := range schema {
		_, ok := got[name]
		assert.True(t, ok, "missing %s", name)
	}

	assert.Equal(t, Int(10), got["n_iter"])
	assert.Equal(t, Float(0.9), got["inertia_start"])
	assert.Equal(t, Str("star"), got["topology"])
	assert.True(t, got["tol_thres"].IsNull())
	assert.True(t, got["budget"].IsUnset())
}

func TestDeriveDefaults_CoercesDefaultToDeclaredType(t *testing.T) {
	schema := Schema{"w": {Type: TypeFloat, Default: Int(1)}}
	got := DeriveDefaults(schema)
	assert.Equal(t, KindFloat, got["w"].Kind())
}

func TestDeriveDefaults_EmptySchema(t *testing.T) {
	assert.Empty(t, DeriveDefaults(nil))
	assert.Empty(t, DeriveDefaults(Schema{}))
}

func TestValidate(t *testing.T) {
	schema := psoSchema(t)

	tests := []struct {
		name    string
		mutate  func(p Params)
		wantErr map[string]error
	}{
		{
			name:    "required unset budget",
			mutate:  func(p Params) {},
			wantErr: map[string]error{"budget": ErrRequired},
		},
		{
			name:   "all valid",
			mutate: func(p Params) { p["budget"] = Int(100) },
		},
		{
			name: "nullable may stay null",
			mutate: func(p Params) {
				p["budget"] = Int(100)
				p["tol_thres"] = Null()
			},
		},
		{
			name: "int rejects fraction",
			mutate: func(p Params) {
				p["budget"] = Int(100)
				p["n_particles"] = Float(2.5)
			},
			wantErr: map[string]error{"n_particles": ErrNotInteger},
		},
		{
			name: "int accepts numeric string",
			mutate: func(p Params) {
				p["budget"] = Str("100")
			},
		},
		{
			name: "float rejects text",
			mutate: func(p Params) {
				p["budget"] = Int(1)
				p["inertia_start"] = Str("fast")
			},
			wantErr: map[string]error{"inertia_start": ErrNotNumber},
		},
		{
			name: "string accepts anything",
			mutate: func(p Params) {
				p["budget"] = Int(1)
				p["topology"] = Str("12")
			},
		},
		{
			name: "blank string counts as unset",
			mutate: func(p Params) {
				p["budget"] = Str("")
			},
			wantErr: map[string]error{"budget": ErrRequired},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := DeriveDefaults(schema)
			tt.mutate(values)

			errs := Validate(schema, values)
			require.Len(t, errs, len(tt.wantErr), "errors: %v", errs)
			for name, want := range tt.wantErr {
				assert.True(t, errors.Is(errs[name], want), "%s: got %v", name, errs[name])
			}
		})
	}
}

func TestValidate_IgnoresUndeclaredKeys(t *testing.T) {
	schema := Schema{"a": {Type: TypeInt, Default: Int(1)}}
	errs := Validate(schema, Params{"a": Int(1), "stale": Str("x")})
	assert.NoError(t, errs.Err())
}

func TestFieldErrors_Error(t *testing.T) {
	single := FieldErrors{"seed": ErrRequired}
	assert.Equal(t, "seed: value is required", single.Error())

	multi := FieldErrors{"b": ErrRequired, "a": ErrNotInteger}
	msg := multi.Error()
	assert.Contains(t, msg, "2 errors")
	assert.Less(t, strings.Index(msg, "a:"), strings.Index(msg, "b:"))
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		raw     string
		want    Value
		wantErr bool
	}{
		{"blank is null", Spec{Type: TypeInt}, "", Null(), false},
		{"None is null", Spec{Type: TypeFloat, Nullable: true}, "None", Null(), false},
		{"int", Spec{Type: TypeInt}, "15", Int(15), false},
		{"int rejects fraction", Spec{Type: TypeInt}, "1.5", Null(), true},
		{"float", Spec{Type: TypeFloat}, "0.01", Float(0.01), false},
		{"float rejects inf", Spec{Type: TypeFloat}, "Inf", Null(), true},
		{"string keeps text", Spec{Type: TypeString}, "ring", Str("ring"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInput(tt.spec, tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_DropsUndeclared(t *testing.T) {
	schema := Schema{"n": {Type: TypeInt}}
	got := Normalize(schema, Params{"n": Str("4"), "old": Int(1)})
	assert.Equal(t, Params{"n": Int(4)}, got)
}
