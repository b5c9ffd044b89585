package staging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/benchstage/pkg/params"
)

type mapResolver map[int]params.Algorithm

func (m mapResolver) ByID(id int) (params.Algorithm, bool) {
	a, ok := m[id]
	return a, ok
}

func testResolver() mapResolver {
	return mapResolver{
		1: {ID: 1, Name: "pso", Parameters: params.Schema{
			"n_particles": {Type: params.TypeInt, Default: params.Int(20)},
			"topology":    {Type: params.TypeString, Default: params.Str("star")},
			"tol_thres":   {Type: params.TypeFloat, Nullable: true},
		}},
		2: {ID: 2, Name: "de", Parameters: params.Schema{
			"f":  {Type: params.TypeFloat, Default: params.Float(0.5)},
			"cr": {Type: params.TypeFloat, Default: params.Float(0.9)},
		}},
		3: {ID: 3, Name: "budgeted", Parameters: params.Schema{
			"budget": {Type: params.TypeInt},
		}},
	}
}

func TestNewExperiment_DerivesDefaults(t *testing.T) {
	r := testResolver()
	e := NewExperiment(r[1], 2, 1, 5)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 1, e.AlgorithmID)
	assert.Equal(t, "pso", e.AlgorithmName)
	assert.Equal(t, params.Int(20), e.Params["n_particles"])
	assert.True(t, e.Params["tol_thres"].IsNull())
	assert.Len(t, e.Params, 3)
}

func TestExperiment_SwitchAlgorithmDropsOldKeys(t *testing.T) {
	r := testResolver()
	e := NewExperiment(r[1], 10, 3, 7)
	e.Params["n_particles"] = params.Int(99)

	e.SwitchAlgorithm(r[2])

	assert.Equal(t, []string{"cr", "f"}, e.Params.Names())
	assert.Equal(t, 10, e.Dimension)
	assert.Equal(t, 3, e.InstanceID)
	assert.Equal(t, 7, e.Seed)
	assert.Equal(t, "de", e.AlgorithmName)
}

func TestStore_StagePreservesOrderAndIDs(t *testing.T) {
	r := testResolver()
	s := NewStore(nil, r)

	a, err := s.Stage(NewExperiment(r[1], 2, 1, 1))
	require.NoError(t, err)
	b, err := s.Stage(NewExperiment(r[2], 2, 1, 2))
	require.NoError(t, err)
	c, err := s.Stage(Experiment{AlgorithmID: 2, Dimension: 5, Params: params.Params{"f": params.Str("0.7"), "cr": params.Float(0.1), "stale": params.Int(1)}})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, params.Float(0.7), c.Params["f"])
	assert.NotContains(t, c.Params, "stale")

	ids := []string{}
	for _, e := range s.List() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids)

	_, err = s.Stage(Experiment{ID: a.ID, AlgorithmID: 1, Dimension: 2})
	assert.ErrorIs(t, err, ErrDuplicateID)

	require.NoError(t, s.Unstage(a.ID))
	_, err = s.Stage(Experiment{ID: a.ID, AlgorithmID: 1, Dimension: 2})
	assert.ErrorIs(t, err, ErrDuplicateID, "removed ids stay reserved")
}

func TestStore_StageRejectsInvalid(t *testing.T) {
	r := testResolver()
	s := NewStore(nil, r)

	_, err := s.Stage(NewExperiment(r[3], 2, 1, 1))
	var fe params.FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, fe["budget"], params.ErrRequired)

	_, err = s.Stage(NewExperiment(r[1], 0, 1, 1))
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe, "dimension")
	assert.Equal(t, 0, s.Len())
}

func TestStore_EditsNeverReorder(t *testing.T) {
	r := testResolver()
	s := NewStore(nil, r)
	var ids []string
	for seed := 0; seed < 3; seed++ {
		e, err := s.Stage(NewExperiment(r[1], 2, 1, seed))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	_, err := s.EditField(ids[1], FieldSeed, 42)
	require.NoError(t, err)
	_, err = s.EditParam(ids[1], "topology", params.Str("ring"))
	require.NoError(t, err)
	_, err = s.EditParam(ids[2], "n_particles", params.Str("40"))
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 3)
	for i, e := range list {
		assert.Equal(t, ids[i], e.ID)
	}
	assert.Equal(t, 42, list[1].Seed)
	assert.Equal(t, params.Str("ring"), list[1].Params["topology"])
	assert.Equal(t, params.Int(40), list[2].Params["n_particles"])
	assert.Equal(t, params.Str("star"), list[0].Params["topology"])
}

func TestStore_EditParamRejectsUndeclared(t *testing.T) {
	r := testResolver()
	s := NewStore(nil, r)
	e, err := s.Stage(NewExperiment(r[1], 2, 1, 1))
	require.NoError(t, err)

	_, err = s.EditParam(e.ID, "cr", params.Float(0.3))
	assert.ErrorIs(t, err, ErrUnknownParam)

	_, err = s.EditParam("nope", "topology", params.Str("ring"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_EditAlgorithmRederivesParams(t *testing.T) {
	r := testResolver()
	s := NewStore(nil, r)
	e, err := s.Stage(NewExperiment(r[1], 2, 1, 9))
	require.NoError(t, err)

	got, err := s.EditField(e.ID, FieldAlgorithm, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"cr", "f"}, got.Params.Names())
	assert.Equal(t, 9, got.Seed)

	_, err = s.EditField(e.ID, FieldAlgorithm, 99)
	assert.Error(t, err)

	noCatalog := NewStore(nil, nil)
	e2, err := noCatalog.Stage(Experiment{AlgorithmID: 1, Dimension: 2})
	require.NoError(t, err)
	_, err = noCatalog.EditField(e2.ID, FieldAlgorithm, 2)
	assert.Error(t, err)
}

func TestStore_DrainPersistedAtMostOnce(t *testing.T) {
	ctx := context.Background()
	r := testResolver()
	q := NewMemoryQueue()
	require.NoError(t, q.Push(ctx, NewExperiment(r[1], 2, 1, 1), NewExperiment(r[2], 3, 1, 1)))

	s := NewStore(q, r)
	first, err := s.DrainPersisted(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := s.DrainPersisted(ctx)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 2, s.Len())
}

func TestStore_DrainReassignsCollidingIDs(t *testing.T) {
	ctx := context.Background()
	r := testResolver()
	q := NewMemoryQueue()
	s := NewStore(q, r)

	staged, err := s.Stage(NewExperiment(r[1], 2, 1, 1))
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, staged))

	merged, err := s.DrainPersisted(ctx)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.NotEqual(t, staged.ID, merged[0].ID)
	assert.Equal(t, 2, s.Len())
}

func TestStore_TakeAllAndResolveID(t *testing.T) {
	r := testResolver()
	s := NewStore(nil, r)
	first := NewExperiment(r[1], 2, 1, 1)
	first.ID = "abc-1"
	second := NewExperiment(r[1], 2, 1, 2)
	second.ID = "abd-2"
	a, err := s.Stage(first)
	require.NoError(t, err)
	_, err = s.Stage(second)
	require.NoError(t, err)

	id, err := s.ResolveID("abc")
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	_, err = s.ResolveID("ab")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = s.ResolveID("zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	taken := s.TakeAll()
	assert.Len(t, taken, 2)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ValidateAll(t *testing.T) {
	r := testResolver()
	s := NewStore(nil, nil)
	s.Restore([]Experiment{
		{ID: "ok", AlgorithmID: 1, Dimension: 2, Params: params.DeriveDefaults(r[1].Parameters)},
		{ID: "missing-budget", AlgorithmID: 3, Dimension: 2, Params: params.DeriveDefaults(r[3].Parameters)},
		{ID: "unknown-algo", AlgorithmID: 77, Dimension: 2},
	})
	assert.Empty(t, s.ValidateAll(), "no resolver, nothing to check")

	s.SetResolver(r)
	errs := s.ValidateAll()
	assert.Len(t, errs, 2)
	assert.Contains(t, errs, "missing-budget")
	assert.Contains(t, errs, "unknown-algo")
}

func TestExperiment_Request(t *testing.T) {
	r := testResolver()
	e := NewExperiment(r[1], 2, 4, 8)
	req := e.Request(true)

	assert.Equal(t, 2, req.Dimension)
	assert.Equal(t, 4, req.InstanceID)
	assert.Equal(t, 1, req.Algorithm)
	assert.Equal(t, 8, req.Seed)
	assert.True(t, req.ForceRun)

	req.Params["topology"] = params.Str("ring")
	assert.Equal(t, params.Str("star"), e.Params["topology"], "request params are a copy")
}

func TestParseField(t *testing.T) {
	f, err := ParseField("instance_id")
	require.NoError(t, err)
	assert.Equal(t, FieldInstanceID, f)

	_, err = ParseField("n_particles")
	assert.Error(t, err)
}
