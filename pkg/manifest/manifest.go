// Package manifest provides loading and validation of batch manifests.
//
// A batch manifest is a YAML or JSON file listing experiments to stage in one
// go. Manifests are validated against an embedded JSON Schema before they
// are parsed; the schema enforces strict typing and disallows unknown
// properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: pso-sweep
//	defaults:
//	  dimension: 10
//	  instance_id: 1
//	  params:
//	    n_particles: 30
//	experiments:
//	  - algorithm: pso
//	    seeds: [1, 2, 3]
//	  - algorithm: 2
//	    dimension: 20
//	    params:
//	      topology: ring
package manifest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/benchstage/pkg/params"
)

// Version is the only supported manifest version.
const Version = "1.0"

// Defaults used when neither the experiment nor the manifest defaults set a field.
const (
	DefaultDimension  = 2
	DefaultInstanceID = 0
	DefaultSeed       = 0
)

// Manifest is a validated batch manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version"`

	// Name labels the batch. Optional.
	Name string `json:"name,omitempty"`

	// Defaults fill fields an experiment leaves unset.
	Defaults Defaults `json:"defaults,omitempty"`

	// Experiments lists the runs to stage. At least one is required.
	Experiments []Entry `json:"experiments"`
}

// Defaults are manifest-wide field defaults.
type Defaults struct {
	Dimension  *int          `json:"dimension,omitempty"`
	InstanceID *int          `json:"instance_id,omitempty"`
	Seed       *int          `json:"seed,omitempty"`
	Params     params.Params `json:"params,omitempty"`
}

// Entry is one experiment line of the manifest.
//
// Seeds expands the entry into one experiment per seed. Seed and Seeds are
// mutually exclusive.
type Entry struct {
	Algorithm  AlgorithmRef  `json:"algorithm"`
	Dimension  *int          `json:"dimension,omitempty"`
	InstanceID *int          `json:"instance_id,omitempty"`
	Seed       *int          `json:"seed,omitempty"`
	Seeds      []int         `json:"seeds,omitempty"`
	Params     params.Params `json:"params,omitempty"`
}

// AlgorithmRef names an algorithm by id or by name.
type AlgorithmRef string

// UnmarshalJSON accepts a JSON string or integer.
func (r *AlgorithmRef) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, `"`) {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*r = AlgorithmRef(name)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("algorithm must be a name or an id: %w", err)
	}
	id, err := n.Int64()
	if err != nil {
		return fmt.Errorf("algorithm id must be an integer: %s", n)
	}
	*r = AlgorithmRef(strconv.FormatInt(id, 10))
	return nil
}

// String returns the reference text.
func (r AlgorithmRef) String() string { return string(r) }

// ApplyDefaults fills unset positional fields from Defaults and then from
// the package defaults. Default params are applied during resolution, where
// the algorithm schema is known.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = Version
	}
	for i := range m.Experiments {
		e := &m.Experiments[i]
		if e.Dimension == nil {
			e.Dimension = firstInt(m.Defaults.Dimension, DefaultDimension)
		}
		if e.InstanceID == nil {
			e.InstanceID = firstInt(m.Defaults.InstanceID, DefaultInstanceID)
		}
		if e.Seed == nil && len(e.Seeds) == 0 {
			e.Seed = firstInt(m.Defaults.Seed, DefaultSeed)
		}
	}
}

// SeedList returns the seeds an entry expands to.
func (e Entry) SeedList() []int {
	if len(e.Seeds) > 0 {
		out := make([]int, len(e.Seeds))
		copy(out, e.Seeds)
		return out
	}
	if e.Seed != nil {
		return []int{*e.Seed}
	}
	return []int{DefaultSeed}
}

// Count returns the number of experiments the manifest expands to.
func (m *Manifest) Count() int {
	n := 0
	for _, e := range m.Experiments {
		n += len(e.SeedList())
	}
	return n
}

func firstInt(v *int, fallback int) *int {
	if v != nil {
		x := *v
		return &x
	}
	return &fallback
}
