package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/benchstage/pkg/params"
)

func writeEnvelope(w http.ResponseWriter, status int, success bool, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	meta := map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	if message != "" {
		meta["message"] = message
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "data": data, "meta": meta})
}

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/api/v1", AuthToken: "tok"})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadScheme(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)

	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
}

func TestClient_Algorithms(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/methods", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, []map[string]any{
			{
				"id":   1,
				"name": "pso",
				"parameters": map[string]any{
					"n_particles": map[string]any{"type": "int", "default": 20},
					"tol_thres":   map[string]any{"type": "float", "default": nil, "nullable": true},
				},
			},
		}, "")
	})
	c := newTestClient(t, r)

	algos, err := c.Algorithms(context.Background())
	require.NoError(t, err)
	require.Len(t, algos, 1)
	assert.Equal(t, "pso", algos[0].Name)
	assert.Equal(t, params.TypeInt, algos[0].Parameters["n_particles"].Type)
	assert.Equal(t, params.Int(20), algos[0].Parameters["n_particles"].Default)
	assert.True(t, algos[0].Parameters["tol_thres"].Nullable)
}

func TestClient_Submit(t *testing.T) {
	var got map[string]any
	r := chi.NewRouter()
	r.Post("/api/v1/optimization", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["force_run"] == true {
			writeEnvelope(w, http.StatusOK, true, map[string]any{"cached": false, "container_name": "run-1"}, "")
			return
		}
		writeEnvelope(w, http.StatusOK, true, map[string]any{
			"cached":  true,
			"matches": []map[string]any{{"result_id": "r1", "algorithm_name": "pso", "parameters": map[string]any{"seed": 5}}},
		}, "")
	})
	c := newTestClient(t, r)

	req := SubmitRequest{
		Dimension:  2,
		InstanceID: 1,
		Algorithm:  1,
		Seed:       5,
		Params:     params.Params{"n_particles": params.Int(20), "seed": params.Int(99)},
	}

	resp, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "r1", resp.Matches[0].ResultID)
	assert.NotContains(t, got, "force_run")
	assert.EqualValues(t, 5, got["seed"], "positional seed wins over params")
	assert.EqualValues(t, 20, got["n_particles"])

	req.ForceRun = true
	resp, err = c.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, "run-1", resp.ContainerName)
	assert.Equal(t, true, got["force_run"])
}

func TestClient_FailureMessages(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v1/optimization", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusBadRequest, false, nil, "Method not found")
	})
	r.Get("/api/v1/optimization/results/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, false, nil, "")
	})
	c := newTestClient(t, r)

	_, err := c.Submit(context.Background(), SubmitRequest{Algorithm: 9})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Method not found", apiErr.Message)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, IsRetryable(err))

	_, err = c.Result(context.Background(), "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, FallbackResult, apiErr.Message)
	assert.True(t, IsNotFound(err))
}

func TestClient_SearchEmptyAndQuery(t *testing.T) {
	var rawQuery string
	r := chi.NewRouter()
	r.Get("/api/v1/optimization/search", func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		writeEnvelope(w, http.StatusOK, true, nil, "")
	})
	c := newTestClient(t, r)

	got, err := c.Search(context.Background(), url.Values{"dimension": {"2"}, "algorithm": {"1"}})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, "algorithm=1&dimension=2", rawQuery)
}

func TestClient_HistoryAndResult(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/optimization/results", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "10", r.URL.Query().Get("offset"))
		writeEnvelope(w, http.StatusOK, true, []map[string]any{{"result_id": "a"}, {"result_id": "b"}}, "")
	})
	r.Get("/api/v1/optimization/results/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, map[string]any{
			"algorithm_name":    "pso",
			"algorithm_version": "1.0",
			"expected_budget":   100,
			"actual_budget":     98,
			"best_result":       map[string]any{"f[1]": 0.5, "x[0]": 1.25},
			"parameters":        map[string]any{"dimension": 2, "n_particles": 20},
		}, "")
	})
	c := newTestClient(t, r)

	hist, err := c.History(context.Background(), 5, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	res, err := c.Result(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", res.ResultID)
	best, ok := res.BestObjective()
	assert.True(t, ok)
	assert.Equal(t, 0.5, best)
	assert.Equal(t, []string{"f[1]", "x[0]"}, res.MetricNames())
}

func TestClient_Download(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/optimization/results/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "r1" {
			writeEnvelope(w, http.StatusNotFound, false, nil, "no such result")
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "iter,f\n1,0.5\n")
	})
	c := newTestClient(t, r)

	body, _, err := c.Download(context.Background(), "r1")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, body.Close())
	require.NoError(t, err)
	assert.Equal(t, "iter,f\n1,0.5\n", string(data))

	_, _, err = c.Download(context.Background(), "r2")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "no such result")
}

func TestClient_StreamLogs(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/optimization/logs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "run-1", r.URL.Query().Get("container"))
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 1; i <= 3; i++ {
			_, _ = fmt.Fprintf(w, "data: step %d\n\n", i)
		}
		_, _ = fmt.Fprint(w, ": keepalive\n\n")
		_, _ = fmt.Fprint(w, "event: finish\ndata: container exited\n\n")
		_, _ = fmt.Fprint(w, "data: ignored\n\n")
	})
	c := newTestClient(t, r)

	var events []LogEvent
	err := c.StreamLogs(context.Background(), "run-1", func(ev LogEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "step 1", events[0].Data)
	assert.True(t, events[3].Finished())
	assert.Equal(t, "container exited", events[3].Data)
}

func TestReadEvents(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []LogEvent
		wantErr error
	}{
		{
			name:    "closed without finish",
			in:      "data: a\n\ndata: b\n\n",
			want:    []LogEvent{{Data: "a"}, {Data: "b"}},
			wantErr: ErrStreamClosed,
		},
		{
			name: "multi-line data joined",
			in:   "data: a\ndata: b\n\nevent: finish\n\n",
			want: []LogEvent{{Data: "a\nb"}, {Event: EventFinish}},
		},
		{
			name: "finish without trailing blank line",
			in:   "data: a\n\nevent: finish\ndata: done",
			want: []LogEvent{{Data: "a"}, {Event: EventFinish, Data: "done"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []LogEvent
			err := readEvents(strings.NewReader(tt.in), func(ev LogEvent) error {
				got = append(got, ev)
				return nil
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadEvents_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := readEvents(strings.NewReader("data: a\n\ndata: b\n\n"), func(LogEvent) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestSubmitRequest_MarshalJSON(t *testing.T) {
	req := SubmitRequest{
		Dimension:  10,
		InstanceID: 3,
		Algorithm:  2,
		Seed:       7,
		Params: params.Params{
			"topology":  params.Str("ring"),
			"tol_thres": params.Null(),
			"force_run": params.Str("true"),
		},
	}
	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dimension":10,"instance_id":3,"algorithm":2,"seed":7,"topology":"ring","tol_thres":null}`, string(out))
}
