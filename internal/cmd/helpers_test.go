package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/batchregistry"
	"github.com/3leaps/benchstage/pkg/output"
	"github.com/3leaps/benchstage/pkg/params"
	"github.com/3leaps/benchstage/pkg/staging"
	"github.com/3leaps/benchstage/pkg/submit"
)

var psoSchema = params.Schema{
	"n_particles": {Type: params.TypeInt, Default: params.Int(20)},
	"inertia":     {Type: params.TypeFloat, Default: params.Float(0.7)},
	"topology":    {Type: params.TypeString, Default: params.Str("ring"), Nullable: true},
}

func TestParseParamFlags(t *testing.T) {
	t.Run("typed values", func(t *testing.T) {
		got, err := parseParamFlags(psoSchema, []string{"n_particles=30", "inertia=0.5", "topology=", "topology=star"})
		require.NoError(t, err)
		assert.True(t, params.Equal(params.Int(30), got["n_particles"]))
		assert.True(t, params.Equal(params.Float(0.5), got["inertia"]))
		assert.Equal(t, "star", got["topology"].String())
	})

	t.Run("blank is null", func(t *testing.T) {
		got, err := parseParamFlags(psoSchema, []string{"topology="})
		require.NoError(t, err)
		assert.True(t, got["topology"].IsNull())
	})

	tests := []struct {
		name string
		raw  string
	}{
		{"no separator", "n_particles"},
		{"empty name", "=3"},
		{"undeclared", "velocity=1"},
		{"wrong type", "n_particles=many"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseParamFlags(psoSchema, []string{tt.raw})
			assert.Error(t, err)
		})
	}

	_, err := parseParamFlags(psoSchema, []string{"velocity=1"})
	assert.ErrorIs(t, err, staging.ErrUnknownParam)
}

func TestFormatParams(t *testing.T) {
	assert.Equal(t, "-", formatParams(nil))
	assert.Equal(t, "-", formatParams(params.Params{"topology": params.Null()}))
	assert.Equal(t, "inertia=0.5 n_particles=30", formatParams(params.Params{
		"n_particles": params.Int(30),
		"inertia":     params.Float(0.5),
		"topology":    params.Null(),
	}))
}

func batchFixture() *batchregistry.Record {
	return &batchregistry.Record{
		BatchID: "b1",
		Items: []batchregistry.Entry{
			{
				Experiment: staging.Experiment{ID: "aaaa-1111", Dimension: 2, AlgorithmID: 1},
				Outcome:    submit.Fresh("c-1"),
			},
			{
				Experiment: staging.Experiment{ID: "aaaa-2222", Dimension: 2, AlgorithmID: 1},
				Outcome: submit.CachedHit([]backend.StoredResult{
					{ResultID: "r-100"},
					{ResultID: "r-200"},
				}),
			},
			{
				Experiment: staging.Experiment{ID: "bbbb-3333", Dimension: 2, AlgorithmID: 1},
				Outcome:    submit.CachedHit(nil),
			},
		},
	}
}

func TestFindBatchItem(t *testing.T) {
	rec := batchFixture()

	e, err := findBatchItem(rec, "aaaa-2222")
	require.NoError(t, err)
	assert.Equal(t, submit.KindCached, e.Outcome.Kind)

	e, err = findBatchItem(rec, "bbbb")
	require.NoError(t, err)
	assert.Equal(t, "bbbb-3333", e.Experiment.ID)

	_, err = findBatchItem(rec, "aaaa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = findBatchItem(rec, "zzzz")
	assert.ErrorIs(t, err, submit.ErrNotInBatch)

	_, err = findBatchItem(rec, "")
	assert.ErrorIs(t, err, submit.ErrNotInBatch)
}

func TestPickMatch(t *testing.T) {
	rec := batchFixture()
	cached := rec.Items[1]

	m, err := pickMatch(cached, nil)
	require.NoError(t, err)
	assert.Equal(t, "r-100", m.ResultID)

	m, err = pickMatch(cached, []string{"r-2"})
	require.NoError(t, err)
	assert.Equal(t, "r-200", m.ResultID)

	_, err = pickMatch(cached, []string{"r-999"})
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = pickMatch(rec.Items[2], nil)
	assert.Error(t, err)

	_, err = pickMatch(rec.Items[0], nil)
	assert.Error(t, err, "fresh outcomes have nothing to reconcile")
}

func TestOutcomeDetail(t *testing.T) {
	rec := batchFixture()
	assert.Equal(t, "c-1", outcomeDetail(rec.Items[0].Outcome))
	assert.Equal(t, "r-100,r-200", outcomeDetail(rec.Items[1].Outcome))
	assert.Equal(t, "no matches", outcomeDetail(rec.Items[2].Outcome))
	assert.Equal(t, "-", outcomeDetail(submit.Pending()))
	assert.Contains(t, outcomeDetail(submit.Failed(nil)), "submission failed")
}

func TestFollowTarget(t *testing.T) {
	single := []submit.Item{{Experiment: staging.Experiment{ID: "a"}, Outcome: submit.Fresh("c-1")}}

	tests := []struct {
		name     string
		items    []submit.Item
		noFollow bool
		want     string
		wantOK   bool
	}{
		{"single fresh follows by default", single, false, "c-1", true},
		{"no-follow", single, true, "", false},
		{"cached hit", []submit.Item{{Outcome: submit.CachedHit(nil)}}, false, "", false},
		{"more than one", append(append([]submit.Item{}, single...), single...), false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := followTarget(tt.items, tt.noFollow)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateWriterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")

	w, cleanup, err := createWriter("file:"+path, "batch-1", "http://bench/api/v1")
	require.NoError(t, err)

	exp := staging.Experiment{ID: "e1", Dimension: 2, AlgorithmID: 1, Params: params.Params{}}
	require.NoError(t, w.WriteOutcome(context.Background(),
		output.NewOutcomeRecord(submit.Item{Experiment: exp, Outcome: submit.Fresh("c-1")})))
	cleanup()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var line map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
	assert.Equal(t, "batch-1", line["batch_id"])
	assert.False(t, sc.Scan(), "one record")

	_, _, err = createWriter(filepath.Join(t.TempDir(), "missing", "out.jsonl"), "", "")
	assert.Error(t, err)
}
