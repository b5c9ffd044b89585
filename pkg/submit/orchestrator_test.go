package submit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/params"
	"github.com/3leaps/benchstage/pkg/staging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend answers by seed: seeds listed in cached return a cache hit,
// seeds in fail return an error, everything else is fresh.
type fakeBackend struct {
	mu       sync.Mutex
	cached   map[int]bool
	fail     map[int]bool
	delay    map[int]time.Duration
	block    map[int]chan struct{}
	hold     map[int]chan struct{} // like block, but only for non-forced requests
	requests []backend.SubmitRequest
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeBackend) Submit(ctx context.Context, req backend.SubmitRequest) (backend.SubmitResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	delay := f.delay[req.Seed]
	block := f.block[req.Seed]
	if h := f.hold[req.Seed]; h != nil && !req.ForceRun {
		block = h
	}
	fail := f.fail[req.Seed]
	cached := f.cached[req.Seed]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return backend.SubmitResponse{}, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	if fail {
		return backend.SubmitResponse{}, &backend.APIError{Op: "submit", StatusCode: 500, Message: backend.FallbackSubmit}
	}
	if cached && !req.ForceRun {
		return backend.SubmitResponse{Cached: true, Matches: []backend.StoredResult{{ResultID: fmt.Sprintf("r-%d", req.Seed)}}}, nil
	}
	return backend.SubmitResponse{ContainerName: fmt.Sprintf("c-%d-%t", req.Seed, req.ForceRun)}, nil
}

func experiment(id string, seed int) staging.Experiment {
	return staging.Experiment{
		ID:          id,
		Dimension:   2,
		InstanceID:  1,
		AlgorithmID: 1,
		Seed:        seed,
		Params:      params.Params{"n_particles": params.Int(20)},
	}
}

func TestSubmitAll_PreservesInputOrder(t *testing.T) {
	fb := &fakeBackend{
		cached: map[int]bool{2: true},
		delay:  map[int]time.Duration{1: 30 * time.Millisecond},
	}
	o := New(fb, Config{})

	items, err := o.SubmitAll(context.Background(), []staging.Experiment{
		experiment("a", 1),
		experiment("b", 2),
	})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "a", items[0].ID())
	assert.Equal(t, KindFresh, items[0].Outcome.Kind)
	assert.Equal(t, "c-1-false", items[0].Outcome.ContainerName)

	assert.Equal(t, "b", items[1].ID())
	assert.Equal(t, KindCached, items[1].Outcome.Kind)
	require.Len(t, items[1].Outcome.Matches, 1)
	assert.Equal(t, "r-2", items[1].Outcome.Matches[0].ResultID)

	_, direct := DirectLogTarget(items)
	assert.False(t, direct)
}

func TestSubmitAll_SingleFreshIsDirectLogTarget(t *testing.T) {
	o := New(&fakeBackend{}, Config{})

	items, err := o.SubmitAll(context.Background(), []staging.Experiment{experiment("only", 9)})
	require.NoError(t, err)

	container, ok := DirectLogTarget(items)
	assert.True(t, ok)
	assert.Equal(t, "c-9-false", container)
}

func TestSubmitAll_SingleCachedIsNotDirect(t *testing.T) {
	o := New(&fakeBackend{cached: map[int]bool{9: true}}, Config{})

	items, err := o.SubmitAll(context.Background(), []staging.Experiment{experiment("only", 9)})
	require.NoError(t, err)
	_, ok := DirectLogTarget(items)
	assert.False(t, ok)
}

func TestSubmitAll_FailureIsolation(t *testing.T) {
	fb := &fakeBackend{fail: map[int]bool{2: true}}
	o := New(fb, Config{})

	items, err := o.SubmitAll(context.Background(), []staging.Experiment{
		experiment("a", 1),
		experiment("b", 2),
		experiment("c", 3),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b:")
	require.Len(t, items, 3)

	assert.Equal(t, KindFresh, items[0].Outcome.Kind)
	assert.Equal(t, KindFailed, items[1].Outcome.Kind)
	assert.Equal(t, KindFresh, items[2].Outcome.Kind)

	var apiErr *backend.APIError
	assert.True(t, errors.As(items[1].Outcome.Err(), &apiErr))
	assert.Equal(t, backend.FallbackSubmit, items[1].Outcome.Error)

	s := Summarize(items)
	assert.Equal(t, Summary{Total: 3, Fresh: 2, Failed: 1}, s)
}

func TestSubmitAll_RunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	fb := &fakeBackend{block: map[int]chan struct{}{1: release, 2: release, 3: release}}
	o := New(fb, Config{})

	done := make(chan struct{})
	var items []Item
	go func() {
		defer close(done)
		items, _ = o.SubmitAll(context.Background(), []staging.Experiment{
			experiment("a", 1), experiment("b", 2), experiment("c", 3),
		})
	}()

	require.Eventually(t, func() bool { return fb.inFlight.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	<-done
	assert.Len(t, items, 3)
}

func TestSubmitAll_ConcurrencyLimit(t *testing.T) {
	fb := &fakeBackend{delay: map[int]time.Duration{}}
	for seed := 0; seed < 8; seed++ {
		fb.delay[seed] = 10 * time.Millisecond
	}
	o := New(fb, Config{Concurrency: 2})

	exps := make([]staging.Experiment, 8)
	for i := range exps {
		exps[i] = experiment(fmt.Sprintf("e%d", i), i)
	}
	items, err := o.SubmitAll(context.Background(), exps)
	require.NoError(t, err)
	assert.Len(t, items, 8)
	assert.LessOrEqual(t, fb.peak.Load(), int32(2))
}

func TestSubmitAll_Empty(t *testing.T) {
	o := New(&fakeBackend{}, Config{})
	items, err := o.SubmitAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSubmitAll_RateLimitHonoursCancellation(t *testing.T) {
	o := New(&fakeBackend{}, Config{RateLimit: 0.001})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	items, err := o.SubmitAll(ctx, []staging.Experiment{experiment("a", 1), experiment("b", 2)})
	require.Error(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, Summary{Total: 2, Fresh: 1, Failed: 1}, Summarize(items), "only the burst token is available")
}

func TestForceRun_ReplacesOnlyMatchingSlot(t *testing.T) {
	fb := &fakeBackend{cached: map[int]bool{1: true, 2: true, 3: true}}
	o := New(fb, Config{})

	exps := []staging.Experiment{experiment("a", 1), experiment("b", 2), experiment("c", 3)}
	items, err := o.SubmitAll(context.Background(), exps)
	require.NoError(t, err)

	// Reorder to show replacement is keyed by id, not position.
	shuffled := []Item{items[2], items[0], items[1]}

	updated, err := o.ForceRun(context.Background(), exps[0], shuffled)
	require.NoError(t, err)
	require.Len(t, updated, 3)

	assert.Equal(t, "a", updated[1].ID())
	assert.Equal(t, KindFresh, updated[1].Outcome.Kind)
	assert.Equal(t, "c-1-true", updated[1].Outcome.ContainerName)

	assert.Equal(t, shuffled[0], updated[0])
	assert.Equal(t, shuffled[2], updated[2])
	assert.Equal(t, KindCached, shuffled[1].Outcome.Kind, "input list is not mutated")

	last := fb.requests[len(fb.requests)-1]
	assert.True(t, last.ForceRun)
}

func TestForceRun_FailureKeepsPreviousOutcome(t *testing.T) {
	fb := &fakeBackend{cached: map[int]bool{1: true}}
	o := New(fb, Config{})

	exps := []staging.Experiment{experiment("a", 1)}
	items, err := o.SubmitAll(context.Background(), exps)
	require.NoError(t, err)

	fb.mu.Lock()
	fb.fail = map[int]bool{1: true}
	fb.mu.Unlock()

	updated, err := o.ForceRun(context.Background(), exps[0], items)
	require.Error(t, err)
	assert.Equal(t, items, updated)
}

func TestForceRun_UnknownExperiment(t *testing.T) {
	fb := &fakeBackend{}
	o := New(fb, Config{})

	_, err := o.ForceRun(context.Background(), experiment("zzz", 1), []Item{{Experiment: experiment("a", 1), Outcome: Fresh("c")}})
	assert.ErrorIs(t, err, ErrNotInBatch)
	assert.Empty(t, fb.requests, "nothing is submitted for an unknown id")
}

func TestFailed_Message(t *testing.T) {
	apiErr := &backend.APIError{Op: "submit", StatusCode: 500, Message: "Algorithm crashed"}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"backend error uses its message", apiErr, "Algorithm crashed"},
		{"wrapped backend error", fmt.Errorf("e1: %w", apiErr), "Algorithm crashed"},
		{"plain error", errors.New("dial tcp: refused"), "dial tcp: refused"},
		{"nil", nil, "submission failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Failed(tt.err)
			assert.Equal(t, KindFailed, o.Kind)
			assert.Equal(t, tt.want, o.Error)
			require.Error(t, o.Err())
			if tt.err != nil {
				assert.ErrorIs(t, o.Err(), tt.err)
			}
		})
	}
}

func TestClassify_TrustsCachedFlag(t *testing.T) {
	o := Classify(backend.SubmitResponse{Cached: true})
	assert.Equal(t, KindCached, o.Kind)
	assert.NotNil(t, o.Matches)
	assert.Empty(t, o.Matches)

	o = Classify(backend.SubmitResponse{Cached: false, Matches: []backend.StoredResult{{ResultID: "ignored"}}})
	assert.Equal(t, KindFresh, o.Kind)
	assert.Empty(t, o.Matches)
}
