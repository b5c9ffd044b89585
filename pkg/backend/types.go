// Package backend is a client for the benchmark backend's HTTP API.
//
// Every backend response is wrapped in an envelope:
//
//	{"success": true, "data": ..., "meta": {"timestamp": "..."}}
//	{"success": false, "data": null, "meta": {"message": "..."}}
//
// The client unwraps envelopes and converts unsuccessful responses into
// *APIError values carrying the backend's message.
package backend

import (
	"encoding/json"
	"sort"

	"github.com/3leaps/benchstage/pkg/params"
)

// Envelope is the response wrapper used by every backend endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta,omitempty"`
}

// Message returns meta.message when present.
func (e Envelope) Message() string {
	if e.Meta == nil {
		return ""
	}
	if msg, ok := e.Meta["message"].(string); ok {
		return msg
	}
	return ""
}

// StoredResult is a previously computed optimization result.
type StoredResult struct {
	ResultID         string             `json:"result_id"`
	UserID           int                `json:"user_id,omitempty"`
	AlgorithmName    string             `json:"algorithm_name"`
	AlgorithmVersion string             `json:"algorithm_version"`
	Parameters       params.Params      `json:"parameters"`
	ExpectedBudget   int                `json:"expected_budget"`
	ActualBudget     int                `json:"actual_budget"`
	BestResult       map[string]float64 `json:"best_result"`
}

// BestObjective returns the best objective value ("f[1]") when recorded.
func (r StoredResult) BestObjective() (float64, bool) {
	v, ok := r.BestResult["f[1]"]
	return v, ok
}

// MetricNames returns the best_result keys in sorted order.
func (r StoredResult) MetricNames() []string {
	names := make([]string, 0, len(r.BestResult))
	for k := range r.BestResult {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SubmitRequest is the body of POST /optimization.
//
// Named parameters are flattened next to the positional fields. Positional
// fields win on a name collision.
type SubmitRequest struct {
	Dimension  int
	InstanceID int
	Algorithm  int
	Seed       int
	ForceRun   bool
	Params     params.Params
}

// Positional field names carried outside the parameter map.
const (
	FieldDimension  = "dimension"
	FieldInstanceID = "instance_id"
	FieldAlgorithm  = "algorithm"
	FieldSeed       = "seed"
	FieldForceRun   = "force_run"
	FieldUserID     = "user_id"
)

// MarshalJSON implements json.Marshaler.
func (r SubmitRequest) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Params)+5)
	for name, v := range r.Params {
		body[name] = v
	}
	body[FieldDimension] = r.Dimension
	body[FieldInstanceID] = r.InstanceID
	body[FieldAlgorithm] = r.Algorithm
	body[FieldSeed] = r.Seed
	if r.ForceRun {
		body[FieldForceRun] = true
	} else {
		delete(body, FieldForceRun)
	}
	return json.Marshal(body)
}

// SubmitResponse is the data payload of POST /optimization.
//
// Cached responses carry Matches; fresh responses carry ContainerName.
type SubmitResponse struct {
	Cached        bool           `json:"cached"`
	ContainerName string         `json:"container_name,omitempty"`
	Matches       []StoredResult `json:"matches,omitempty"`
}

// LogEvent is one event of a container log stream.
type LogEvent struct {
	// Event is the SSE event name; empty for plain data lines.
	Event string

	// Data is the line payload.
	Data string
}

// Finished reports whether e terminates the stream.
func (e LogEvent) Finished() bool {
	return e.Event == EventFinish
}

// EventFinish is the event name the backend emits when a container exits.
const EventFinish = "finish"
