package manifest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/3leaps/benchstage/pkg/params"
	"github.com/3leaps/benchstage/pkg/staging"
)

// AlgorithmResolver finds an algorithm by id or name. catalog.Catalog
// satisfies it.
type AlgorithmResolver interface {
	Resolve(ref string) (params.Algorithm, error)
}

// Expand expands the manifest into staged experiments.
//
// Each entry starts from the algorithm's schema defaults, then manifest
// default params the algorithm declares, then the entry's own params. Entry
// params the algorithm does not declare are errors. Every expanded
// experiment is validated with the form model and normalized; all problems
// are reported together as ValidationErrors.
func (m *Manifest) Expand(r AlgorithmResolver) ([]staging.Experiment, error) {
	var (
		out  []staging.Experiment
		errs ValidationErrors
	)

	for i, entry := range m.Experiments {
		base := fmt.Sprintf("/experiments/%d", i)

		alg, err := r.Resolve(entry.Algorithm.String())
		if err != nil {
			errs = append(errs, ValidationError{Path: base + "/algorithm", Message: err.Error()})
			continue
		}

		values := params.DeriveDefaults(alg.Parameters)
		for name, v := range m.Defaults.Params {
			if alg.Parameters.Has(name) {
				values[name] = v
			}
		}
		unknown := false
		for _, name := range entry.Params.Names() {
			if !alg.Parameters.Has(name) {
				errs = append(errs, ValidationError{
					Path:    base + "/params/" + name,
					Message: fmt.Sprintf("not a parameter of %s", alg.Name),
				})
				unknown = true
				continue
			}
			values[name] = entry.Params[name]
		}
		if unknown {
			continue
		}

		for _, seed := range entry.SeedList() {
			e := staging.NewExperiment(alg, deref(entry.Dimension, DefaultDimension), deref(entry.InstanceID, DefaultInstanceID), seed)
			e.Params = values.Clone()
			if err := e.Validate(alg.Parameters); err != nil {
				errs = append(errs, fieldErrors(base, err)...)
				break
			}
			e.Params = params.Normalize(alg.Parameters, e.Params)
			out = append(out, e)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func fieldErrors(base string, err error) []ValidationError {
	var fe params.FieldErrors
	if !errors.As(err, &fe) {
		return []ValidationError{{Path: base, Message: err.Error()}}
	}
	names := make([]string, 0, len(fe))
	for name := range fe {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ValidationError, 0, len(names))
	for _, name := range names {
		path := base + "/params/" + name
		switch name {
		case string(staging.FieldDimension), string(staging.FieldInstanceID):
			path = base + "/" + name
		}
		out = append(out, ValidationError{Path: path, Message: fe[name].Error()})
	}
	return out
}

func deref(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
