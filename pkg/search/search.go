// Package search builds stored-result lookups and turns found results into
// staged experiments.
package search

import (
	"context"
	"net/url"
	"strconv"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/params"
	"github.com/3leaps/benchstage/pkg/reconcile"
	"github.com/3leaps/benchstage/pkg/staging"
)

// Problem identifies the benchmark problem instance.
type Problem struct {
	Dimension  int `json:"dimension"`
	InstanceID int `json:"instance_id"`
}

// DefaultProblem is the problem a fresh search form starts from.
var DefaultProblem = Problem{Dimension: 2, InstanceID: 0}

// positional lists the fields carried outside the parameter map.
var positional = []string{
	backend.FieldDimension,
	backend.FieldInstanceID,
	backend.FieldAlgorithm,
	backend.FieldSeed,
	backend.FieldUserID,
}

// BuildQuery returns the lookup query for a problem, algorithm and values.
//
// Unset values are omitted: a missing key means "no constraint" to the
// backend, which differs from an empty constraint. Positional keys always
// come from problem and algorithmID.
func BuildQuery(problem Problem, algorithmID int, values params.Params) url.Values {
	q := url.Values{}
	for name, v := range values {
		if v.IsUnset() {
			continue
		}
		q.Set(name, v.String())
	}
	q.Set(backend.FieldDimension, strconv.Itoa(problem.Dimension))
	q.Set(backend.FieldInstanceID, strconv.Itoa(problem.InstanceID))
	q.Set(backend.FieldAlgorithm, strconv.Itoa(algorithmID))
	return q
}

// NewContext captures what was searched for so a result view can be
// reconciled against it.
func NewContext(problem Problem, alg params.Algorithm, values params.Params) reconcile.SearchContext {
	queried := values.Clone()
	queried[backend.FieldDimension] = params.Int(int64(problem.Dimension))
	queried[backend.FieldInstanceID] = params.Int(int64(problem.InstanceID))
	queried[backend.FieldAlgorithm] = params.Int(int64(alg.ID))
	return reconcile.SearchContext{
		QueriedParams: queried,
		SchemaUsed:    alg.Parameters,
	}
}

// SubmittedContext is the context for reconciling a cache hit against the
// experiment that was submitted: its problem, algorithm, seed and params.
func SubmittedContext(e staging.Experiment, schema params.Schema) reconcile.SearchContext {
	alg := params.Algorithm{ID: e.AlgorithmID, Name: e.AlgorithmName, Parameters: schema}
	sc := NewContext(Problem{Dimension: e.Dimension, InstanceID: e.InstanceID}, alg, e.Params)
	sc.QueriedParams[backend.FieldSeed] = params.Int(int64(e.Seed))
	return sc
}

// ToStagedExperiment turns a found result into a new staged experiment.
//
// Positional fields are moved out of the parameter map; the rest become the
// experiment's params. The experiment gets a fresh id.
func ToStagedExperiment(r backend.StoredResult) staging.Experiment {
	rest := r.Parameters.Clone()
	for _, k := range positional {
		delete(rest, k)
	}
	return staging.Experiment{
		ID:            staging.NewID(),
		Dimension:     intParam(r.Parameters, backend.FieldDimension),
		InstanceID:    intParam(r.Parameters, backend.FieldInstanceID),
		AlgorithmID:   intParam(r.Parameters, backend.FieldAlgorithm),
		Seed:          intParam(r.Parameters, backend.FieldSeed),
		AlgorithmName: r.AlgorithmName,
		Params:        rest,
	}
}

// AlgorithmResolver finds an algorithm by id or name. catalog.Catalog
// satisfies it.
type AlgorithmResolver interface {
	Resolve(ref string) (params.Algorithm, error)
}

// StageResults converts found results into staged experiments.
//
// A result whose parameters lack the algorithm id is resolved by its
// algorithm name through r; when that fails too, the searched algorithm is
// used, since every result answered a lookup for it.
func StageResults(results []backend.StoredResult, r AlgorithmResolver, searched params.Algorithm) []staging.Experiment {
	out := make([]staging.Experiment, len(results))
	for i, res := range results {
		e := ToStagedExperiment(res)
		if e.AlgorithmID == 0 && e.AlgorithmName != "" && r != nil {
			if alg, err := r.Resolve(e.AlgorithmName); err == nil {
				e.AlgorithmID = alg.ID
			}
		}
		if e.AlgorithmID == 0 {
			e.AlgorithmID = searched.ID
		}
		if e.AlgorithmName == "" && e.AlgorithmID == searched.ID {
			e.AlgorithmName = searched.Name
		}
		out[i] = e
	}
	return out
}

func intParam(p params.Params, name string) int {
	n, ok := p[name].AsInt()
	if !ok {
		return 0
	}
	return int(n)
}

// Searcher runs lookups. *backend.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query url.Values) ([]backend.StoredResult, error)
}

// Run builds the query and executes it. Zero matches is an empty slice,
// not an error.
func Run(ctx context.Context, s Searcher, problem Problem, alg params.Algorithm, values params.Params) ([]backend.StoredResult, reconcile.SearchContext, error) {
	sc := NewContext(problem, alg, values)
	results, err := s.Search(ctx, BuildQuery(problem, alg.ID, values))
	if err != nil {
		return nil, sc, err
	}
	if results == nil {
		results = []backend.StoredResult{}
	}
	return results, sc, nil
}
