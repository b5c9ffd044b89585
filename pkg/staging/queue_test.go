package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/benchstage/pkg/params"
)

func openQueues(t *testing.T) map[string]Queue {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	fileQ, err := OpenQueue(ctx, QueueFile, filepath.Join(dir, "queue.json"))
	require.NoError(t, err)
	sqliteQ, err := OpenQueue(ctx, QueueSQLite, filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	memSQLite, err := OpenSQLiteQueue(ctx, ":memory:")
	require.NoError(t, err)

	queues := map[string]Queue{
		"memory":        NewMemoryQueue(),
		"file":          fileQ,
		"sqlite":        sqliteQ,
		"sqlite-memory": memSQLite,
	}
	t.Cleanup(func() {
		for _, q := range queues {
			_ = CloseQueue(q)
		}
	})
	return queues
}

func TestQueue_DrainIsReadAndClear(t *testing.T) {
	ctx := context.Background()

	for name, q := range openQueues(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := q.Drain(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty)

			a := Experiment{ID: "a", Dimension: 2, AlgorithmID: 1, Params: params.Params{"topology": params.Str("ring"), "tol_thres": params.Null()}}
			b := Experiment{ID: "b", Dimension: 3, AlgorithmID: 2, Params: params.Params{"f": params.Float(0.5)}}
			require.NoError(t, q.Push(ctx, a))
			require.NoError(t, q.Push(ctx, b))

			got, err := q.Drain(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "a", got[0].ID)
			assert.Equal(t, "b", got[1].ID)
			assert.Equal(t, params.Str("ring"), got[0].Params["topology"])
			assert.True(t, got[0].Params["tol_thres"].IsNull())
			assert.Equal(t, params.Float(0.5), got[1].Params["f"])

			again, err := q.Drain(ctx)
			require.NoError(t, err)
			assert.Empty(t, again)

			require.NoError(t, q.Push(ctx, a))
			after, err := q.Drain(ctx)
			require.NoError(t, err)
			assert.Len(t, after, 1)
		})
	}
}

func TestFileQueue_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "queue.json")

	q1, err := NewFileQueue(path)
	require.NoError(t, err)
	require.NoError(t, q1.Push(ctx, Experiment{ID: "x", Dimension: 2}))

	q2, err := NewFileQueue(path)
	require.NoError(t, err)
	got, err := q2.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].ID)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileQueue_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	q, err := NewFileQueue(path)
	require.NoError(t, err)
	_, err = q.Drain(context.Background())
	assert.Error(t, err)
}

func TestOpenQueue_Unknown(t *testing.T) {
	_, err := OpenQueue(context.Background(), "redis", "")
	assert.Error(t, err)

	_, err = OpenQueue(context.Background(), QueueFile, "")
	assert.Error(t, err)
}

func TestWorkspace_OpenDrainsQueueOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := testResolver()

	ws, err := NewWorkspace(filepath.Join(dir, "workspace.json"))
	require.NoError(t, err)
	q, err := NewFileQueue(filepath.Join(dir, "queue.json"))
	require.NoError(t, err)

	store, merged, err := ws.Open(ctx, q, r)
	require.NoError(t, err)
	assert.Empty(t, merged)
	_, err = store.Stage(NewExperiment(r[1], 2, 1, 1))
	require.NoError(t, err)
	require.NoError(t, ws.Save(store.List()))

	require.NoError(t, q.Push(ctx, NewExperiment(r[2], 5, 1, 3)))

	store, merged, err = ws.Open(ctx, q, r)
	require.NoError(t, err)
	assert.Len(t, merged, 1)
	assert.Equal(t, 2, store.Len())

	store, merged, err = ws.Open(ctx, q, r)
	require.NoError(t, err)
	assert.Empty(t, merged)
	assert.Equal(t, 2, store.Len(), "merged items were saved with the workspace")
	assert.Equal(t, "pso", store.List()[0].AlgorithmName)
	assert.Equal(t, "de", store.List()[1].AlgorithmName)
}
