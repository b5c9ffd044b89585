// Package staging holds experiments that are configured but not yet submitted.
//
// A Store keeps the ordered staging list for one session. A Queue carries
// experiments across sessions: producers (the search flow) push into it and
// the next session drains it exactly once into its Store.
package staging

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/params"
)

// Experiment is one staged optimization run.
type Experiment struct {
	ID            string        `json:"id"`
	Dimension     int           `json:"dimension"`
	InstanceID    int           `json:"instance_id"`
	AlgorithmID   int           `json:"algorithm"`
	Seed          int           `json:"seed"`
	AlgorithmName string        `json:"algorithm_name,omitempty"`
	Params        params.Params `json:"params"`
}

// NewID returns a fresh experiment id.
func NewID() string {
	return uuid.New().String()
}

// NewExperiment creates an experiment for alg with schema defaults.
func NewExperiment(alg params.Algorithm, dimension, instanceID, seed int) Experiment {
	e := Experiment{
		ID:         NewID(),
		Dimension:  dimension,
		InstanceID: instanceID,
		Seed:       seed,
	}
	e.SwitchAlgorithm(alg)
	return e
}

// SwitchAlgorithm selects alg and replaces the parameter map with its defaults.
//
// No key from the previous algorithm survives. Positional fields are kept.
func (e *Experiment) SwitchAlgorithm(alg params.Algorithm) {
	e.AlgorithmID = alg.ID
	e.AlgorithmName = alg.Name
	e.Params = params.DeriveDefaults(alg.Parameters)
}

// Clone returns a copy of e with its own parameter map.
func (e Experiment) Clone() Experiment {
	e.Params = e.Params.Clone()
	return e
}

// Label returns a short display label.
func (e Experiment) Label() string {
	name := e.AlgorithmName
	if name == "" {
		name = fmt.Sprintf("#%d", e.AlgorithmID)
	}
	return fmt.Sprintf("%s dim=%d inst=%d seed=%d", name, e.Dimension, e.InstanceID, e.Seed)
}

// Validate checks positional fields and the parameter map against schema.
func (e Experiment) Validate(schema params.Schema) error {
	errs := params.Validate(schema, e.Params)
	if e.Dimension <= 0 {
		errs[backend.FieldDimension] = fmt.Errorf("must be positive (got %d)", e.Dimension)
	}
	if e.InstanceID < 0 {
		errs[backend.FieldInstanceID] = fmt.Errorf("must not be negative (got %d)", e.InstanceID)
	}
	return errs.Err()
}

// Request builds the submission body for e.
//
// Unset parameters are sent as null.
func (e Experiment) Request(forceRun bool) backend.SubmitRequest {
	return backend.SubmitRequest{
		Dimension:  e.Dimension,
		InstanceID: e.InstanceID,
		Algorithm:  e.AlgorithmID,
		Seed:       e.Seed,
		ForceRun:   forceRun,
		Params:     e.Params.Clone(),
	}
}

// Field names a positional experiment field.
type Field string

const (
	FieldDimension  Field = backend.FieldDimension
	FieldInstanceID Field = backend.FieldInstanceID
	FieldAlgorithm  Field = backend.FieldAlgorithm
	FieldSeed       Field = backend.FieldSeed
)

// ParseField converts a field name into a Field.
func ParseField(name string) (Field, error) {
	switch f := Field(name); f {
	case FieldDimension, FieldInstanceID, FieldAlgorithm, FieldSeed:
		return f, nil
	case "instance", "instance-id":
		return FieldInstanceID, nil
	default:
		return "", fmt.Errorf("unknown field %q (want dimension, instance_id, algorithm or seed)", name)
	}
}
