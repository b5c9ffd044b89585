// Package output provides JSONL output for batch submissions.
//
// Output is structured as typed record envelopes containing outcomes,
// stored results, reconciliations, log lines, errors and summaries. Each
// line is a self-contained JSON object that can be parsed independently.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/reconcile"
	"github.com/3leaps/benchstage/pkg/staging"
	"github.com/3leaps/benchstage/pkg/submit"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: benchstage.<type>.v<version>
const (
	// TypeOutcome identifies submission outcome records.
	TypeOutcome = "benchstage.outcome.v1"

	// TypeResult identifies stored result records.
	TypeResult = "benchstage.result.v1"

	// TypeReconcile identifies reconciliation records.
	TypeReconcile = "benchstage.reconcile.v1"

	// TypeLog identifies live log lines.
	TypeLog = "benchstage.log.v1"

	// TypeError identifies error records.
	TypeError = "benchstage.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "benchstage.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "benchstage.outcome.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// BatchID is the correlation ID for the batch, when there is one.
	BatchID string `json:"batch_id,omitempty"`

	// Backend is the backend base URL.
	Backend string `json:"backend"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// OutcomeRecord is the data payload for one submitted experiment.
type OutcomeRecord struct {
	ExperimentID  string         `json:"experiment_id"`
	Label         string         `json:"label"`
	Algorithm     int            `json:"algorithm"`
	Dimension     int            `json:"dimension"`
	InstanceID    int            `json:"instance_id"`
	Seed          int            `json:"seed"`
	Kind          submit.Kind    `json:"kind"`
	ContainerName string         `json:"container_name,omitempty"`
	MatchIDs      []string       `json:"match_ids,omitempty"`
	Error         string         `json:"error,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
}

// NewOutcomeRecord flattens a submission item.
func NewOutcomeRecord(it submit.Item) *OutcomeRecord {
	e := it.Experiment
	rec := &OutcomeRecord{
		ExperimentID:  e.ID,
		Label:         e.Label(),
		Algorithm:     e.AlgorithmID,
		Dimension:     e.Dimension,
		InstanceID:    e.InstanceID,
		Seed:          e.Seed,
		Kind:          it.Outcome.Kind,
		ContainerName: it.Outcome.ContainerName,
		Error:         it.Outcome.Error,
		Params:        paramsMap(e),
	}
	for _, m := range it.Outcome.Matches {
		rec.MatchIDs = append(rec.MatchIDs, m.ResultID)
	}
	return rec
}

func paramsMap(e staging.Experiment) map[string]any {
	if len(e.Params) == 0 {
		return nil
	}
	out := make(map[string]any, len(e.Params))
	for k, v := range e.Params {
		out[k] = v.Interface()
	}
	return out
}

// ResultRecord is the data payload for a stored result.
type ResultRecord struct {
	backend.StoredResult
}

// ReconcileRecord is the data payload for a reconciliation of one stored
// result against what was searched for.
type ReconcileRecord struct {
	ResultID     string            `json:"result_id"`
	ExperimentID string            `json:"experiment_id,omitempty"`
	Rows         []reconcile.Row   `json:"rows"`
	Summary      reconcile.Summary `json:"summary"`
}

// LogRecord is the data payload for a live log line.
type LogRecord struct {
	Container string `json:"container"`
	Event     string `json:"event,omitempty"`
	Line      string `json:"line"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the whole batch,
// allowing partial results when some submissions fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// ExperimentID is the experiment related to this error, if applicable.
	ExperimentID string `json:"experiment_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeValidation  = "VALIDATION"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeBackend     = "BACKEND"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeThrottled   = "THROTTLED"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeCanceled    = "CANCELED"
	ErrCodeInternal    = "INTERNAL"
)

// ErrorCode classifies err into one of the ErrCode constants.
func ErrorCode(err error) string {
	var apiErr *backend.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrCodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, backend.ErrNotFound):
		return ErrCodeNotFound
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == 0:
			return ErrCodeUnavailable
		case apiErr.StatusCode == 429:
			return ErrCodeThrottled
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 422:
			return ErrCodeValidation
		default:
			return ErrCodeBackend
		}
	default:
		return ErrCodeInternal
	}
}

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Total   int `json:"total"`
	Fresh   int `json:"fresh"`
	Cached  int `json:"cached"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`

	// Duration is the total submission duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// LogTarget is the container to follow for a single fresh run.
	LogTarget string `json:"log_target,omitempty"`
}

// NewSummaryRecord summarizes items submitted over d.
func NewSummaryRecord(items []submit.Item, d time.Duration) *SummaryRecord {
	s := submit.Summarize(items)
	rec := &SummaryRecord{
		Total:         s.Total,
		Fresh:         s.Fresh,
		Cached:        s.Cached,
		Failed:        s.Failed,
		Pending:       s.Pending,
		Duration:      d,
		DurationHuman: d.Round(time.Millisecond).String(),
	}
	if target, ok := submit.DirectLogTarget(items); ok {
		rec.LogTarget = target
	}
	return rec
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
