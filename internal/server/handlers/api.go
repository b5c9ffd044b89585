package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/server/middleware"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/catalog"
	"github.com/3leaps/benchstage/pkg/manifest"
	"github.com/3leaps/benchstage/pkg/params"
	"github.com/3leaps/benchstage/pkg/reconcile"
	"github.com/3leaps/benchstage/pkg/search"
	"github.com/3leaps/benchstage/pkg/staging"
	"github.com/3leaps/benchstage/pkg/submit"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ResultFetcher loads one stored result. *backend.Client satisfies it.
type ResultFetcher interface {
	Result(ctx context.Context, id string) (backend.StoredResult, error)
}

// Deps wires an API.
type Deps struct {
	Store        *staging.Store
	Catalog      *catalog.Provider
	Orchestrator *submit.Orchestrator
	Book         *submit.Book
	Results      ResultFetcher

	// Persist saves the staging list after every change. Optional.
	Persist func(items []staging.Experiment) error

	Logger *zap.Logger
}

// API serves staging, submission and reconciliation over HTTP.
type API struct {
	deps   Deps
	logger *zap.Logger

	// base outlives requests so background submissions finish after the
	// response is written.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAPI creates an API.
func NewAPI(d Deps) *API {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Book == nil {
		d.Book = submit.NewBook()
	}
	base, cancel := context.WithCancel(context.Background())
	return &API{deps: d, logger: logger, base: base, cancel: cancel}
}

// Close cancels background submissions and waits for them.
func (a *API) Close() {
	a.cancel()
	a.wg.Wait()
}

// Wait blocks until background submissions finish.
func (a *API) Wait() {
	a.wg.Wait()
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/algorithms", a.listAlgorithms)

	r.Route("/experiments", func(r chi.Router) {
		r.Get("/", a.listExperiments)
		r.Post("/", a.stageExperiment)
		r.Post("/import", a.importManifest)
		r.Post("/submit", a.submitExperiments)
		r.Patch("/{id}", a.editExperiment)
		r.Delete("/{id}", a.unstageExperiment)
	})

	r.Route("/outcomes", func(r chi.Router) {
		r.Get("/", a.listOutcomes)
		r.Get("/{id}", a.getOutcome)
		r.Post("/{id}/force-run", a.forceRun)
		r.Get("/{id}/reconcile/{resultID}", a.reconcileOutcome)
	})
}

func (a *API) loadCatalog(ctx context.Context) (catalog.Catalog, error) {
	if a.deps.Catalog == nil {
		return catalog.NewCatalog(nil), errors.New("algorithm catalog is not configured")
	}
	cat, err := a.deps.Catalog.Load(ctx)
	if err == nil {
		a.deps.Store.SetResolver(cat)
	}
	return cat, err
}

func (a *API) persist() error {
	if a.deps.Persist == nil {
		return nil
	}
	return a.deps.Persist(a.deps.Store.List())
}

func (a *API) listAlgorithms(w http.ResponseWriter, r *http.Request) {
	cat, err := a.loadCatalog(r.Context())
	if err != nil {
		writeDegraded(w, []params.Algorithm{}, err.Error())
		return
	}
	algos, err := cat.Filter(r.URL.Query().Get("name"))
	if err != nil {
		respondWithError(w, r, badRequest(err))
		return
	}
	writeData(w, http.StatusOK, algos)
}

func (a *API) listExperiments(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, a.deps.Store.List())
}

// stageExperiment accepts one manifest entry. An entry with seeds stages
// one experiment per seed.
func (a *API) stageExperiment(w http.ResponseWriter, r *http.Request) {
	var entry manifest.Entry
	if err := decodeBody(r, &entry); err != nil {
		respondWithError(w, r, err)
		return
	}
	if strings.TrimSpace(entry.Algorithm.String()) == "" {
		respondWithError(w, r, badRequest(errors.New("algorithm is required")))
		return
	}
	m := &manifest.Manifest{Version: manifest.Version, Experiments: []manifest.Entry{entry}}
	m.ApplyDefaults()
	a.stageManifest(w, r, m)
}

func (a *API) importManifest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, r, badRequest(err))
		return
	}
	m, err := manifest.Parse(body, manifest.FormatFor("", r.Header.Get("Content-Type")))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.stageManifest(w, r, m)
}

func (a *API) stageManifest(w http.ResponseWriter, r *http.Request, m *manifest.Manifest) {
	cat, err := a.loadCatalog(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	exps, err := m.Expand(cat)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	staged := make([]staging.Experiment, 0, len(exps))
	for _, e := range exps {
		s, err := a.deps.Store.Stage(e)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		staged = append(staged, s)
	}
	if err := a.persist(); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, staged)
}

// editRequest patches positional fields and parameters.
type editRequest struct {
	Fields map[string]int          `json:"fields"`
	Params map[string]params.Value `json:"params"`
}

func (a *API) editExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := a.deps.Store.ResolveID(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, fmt.Errorf("%w: %v", staging.ErrNotFound, err))
		return
	}
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if len(req.Fields) == 0 && len(req.Params) == 0 {
		respondWithError(w, r, badRequest(errors.New("nothing to edit")))
		return
	}

	if _, ok := req.Fields[string(staging.FieldAlgorithm)]; ok || len(req.Params) > 0 {
		// Algorithm switches and typed param edits need the schema.
		_, _ = a.loadCatalog(r.Context())
	}

	var out staging.Experiment
	// The algorithm switch runs first so param edits target the new schema.
	for _, name := range fieldOrder(req.Fields) {
		field, err := staging.ParseField(name)
		if err != nil {
			respondWithError(w, r, badRequest(err))
			return
		}
		if out, err = a.deps.Store.EditField(id, field, req.Fields[name]); err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	names := make([]string, 0, len(req.Params))
	for name := range req.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if out, err = a.deps.Store.EditParam(id, name, req.Params[name]); err != nil {
			respondWithError(w, r, err)
			return
		}
	}

	if err := a.persist(); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func fieldOrder(fields map[string]int) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ai := names[i] == string(staging.FieldAlgorithm)
		aj := names[j] == string(staging.FieldAlgorithm)
		if ai != aj {
			return ai
		}
		return names[i] < names[j]
	})
	return names
}

func (a *API) unstageExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := a.deps.Store.ResolveID(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, fmt.Errorf("%w: %v", staging.ErrNotFound, err))
		return
	}
	if err := a.deps.Store.Unstage(id); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := a.persist(); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// submitRequest selects what to submit. Empty IDs submits the whole list.
type submitRequest struct {
	IDs  []string `json:"ids"`
	Keep bool     `json:"keep"`
}

// submitExperiments validates and submits staged experiments.
//
// Submission runs in the background and the response lists the pending
// entries; ?wait=true answers after every request resolves.
func (a *API) submitExperiments(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	if a.deps.Orchestrator == nil {
		respondWithError(w, r, errors.New("submission is not configured"))
		return
	}

	_, _ = a.loadCatalog(r.Context())

	exps, err := a.selectExperiments(req.IDs)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if len(exps) == 0 {
		respondWithError(w, r, badRequest(errors.New("nothing staged to submit")))
		return
	}

	invalid := a.deps.Store.ValidateAll()
	failed := make(map[string]any)
	for _, e := range exps {
		if err, ok := invalid[e.ID]; ok {
			failed[e.ID] = err.Error()
		}
	}
	if len(failed) > 0 {
		middleware.WriteError(w, r,
			gferrors.NewErrorEnvelope(middleware.CodeValidation, fmt.Sprintf("%d staged experiment(s) failed validation", len(failed))).
				WithDetails(map[string]any{"experiments": failed}),
			http.StatusUnprocessableEntity)
		return
	}

	if !req.Keep {
		for _, e := range exps {
			_ = a.deps.Store.Unstage(e.ID)
		}
		if err := a.persist(); err != nil {
			a.logger.Warn("save staging list", zap.Error(err))
		}
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		items, _ := a.deps.Book.Submit(r.Context(), a.deps.Orchestrator, exps)
		writeData(w, http.StatusOK, items)
		return
	}

	pending, run := a.deps.Book.Reserve(exps)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		items, err := run(a.base, a.deps.Orchestrator)
		s := submit.Summarize(items)
		a.logger.Info("batch submitted",
			zap.Int("total", s.Total),
			zap.Int("fresh", s.Fresh),
			zap.Int("cached", s.Cached),
			zap.Int("failed", s.Failed),
			zap.NamedError("failures", err))
	}()
	writeData(w, http.StatusAccepted, pending)
}

func (a *API) selectExperiments(ids []string) ([]staging.Experiment, error) {
	if len(ids) == 0 {
		return a.deps.Store.List(), nil
	}
	out := make([]staging.Experiment, 0, len(ids))
	for _, raw := range ids {
		id, err := a.deps.Store.ResolveID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", staging.ErrNotFound, err)
		}
		e, err := a.deps.Store.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *API) listOutcomes(w http.ResponseWriter, _ *http.Request) {
	items := a.deps.Book.List()
	writeData(w, http.StatusOK, map[string]any{
		"items":   items,
		"summary": submit.Summarize(items),
	})
}

func (a *API) getOutcome(w http.ResponseWriter, r *http.Request) {
	it, ok := a.deps.Book.Get(chi.URLParam(r, "id"))
	if !ok {
		respondWithError(w, r, fmt.Errorf("%w: %s", submit.ErrNotInBatch, chi.URLParam(r, "id")))
		return
	}
	writeData(w, http.StatusOK, it)
}

func (a *API) forceRun(w http.ResponseWriter, r *http.Request) {
	if a.deps.Orchestrator == nil {
		respondWithError(w, r, errors.New("submission is not configured"))
		return
	}
	it, err := a.deps.Book.ForceRun(r.Context(), a.deps.Orchestrator, chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, it)
}

// reconcileResponse is one reconciled cache hit.
type reconcileResponse struct {
	ExperimentID string            `json:"experiment_id"`
	ResultID     string            `json:"result_id"`
	Rows         []reconcile.Row   `json:"rows"`
	Summary      reconcile.Summary `json:"summary"`
	Mismatches   int               `json:"mismatches"`
}

func (a *API) reconcileOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resultID := chi.URLParam(r, "resultID")

	it, ok := a.deps.Book.Get(id)
	if !ok {
		respondWithError(w, r, fmt.Errorf("%w: %s", submit.ErrNotInBatch, id))
		return
	}

	stored, found := findMatch(it.Outcome.Matches, resultID)
	if !found {
		if a.deps.Results == nil {
			respondWithError(w, r, fmt.Errorf("result %s: %w", resultID, backend.ErrNotFound))
			return
		}
		var err error
		if stored, err = a.deps.Results.Result(r.Context(), resultID); err != nil {
			respondWithError(w, r, err)
			return
		}
	}

	var schema params.Schema
	if cat, err := a.loadCatalog(r.Context()); err == nil {
		schema, _ = cat.Schema(it.Experiment.AlgorithmID)
	}

	rows := reconcile.Reconcile(stored, search.SubmittedContext(it.Experiment, schema))
	writeData(w, http.StatusOK, reconcileResponse{
		ExperimentID: it.ID(),
		ResultID:     stored.ResultID,
		Rows:         rows,
		Summary:      reconcile.Summarize(rows),
		Mismatches:   len(reconcile.Mismatches(rows)),
	})
}

func findMatch(matches []backend.StoredResult, id string) (backend.StoredResult, bool) {
	for _, m := range matches {
		if m.ResultID == id {
			return m, true
		}
	}
	return backend.StoredResult{}, false
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("decode request body: %w", err))
	}
	return nil
}
