// Package batchregistry persists submitted batches and their outcomes so
// later commands can force-run or reconcile individual items.
package batchregistry

import (
	"time"

	"github.com/3leaps/benchstage/pkg/reconcile"
	"github.com/3leaps/benchstage/pkg/staging"
	"github.com/3leaps/benchstage/pkg/submit"
)

// State is the lifecycle state of a batch.
//
// NOTE: These values are persisted in batch.json and are part of the stable
// on-disk contract.
type State string

const (
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
	StatePartial    State = "partial"
	StateFailed     State = "failed"
	StateUnknown    State = "unknown"
)

// Terminal reports whether no process is still writing the batch.
func (s State) Terminal() bool {
	switch s {
	case StateSubmitted, StatePartial, StateFailed, StateUnknown:
		return true
	default:
		return false
	}
}

// Entry is one experiment of a batch with its latest outcome.
type Entry struct {
	Experiment staging.Experiment `json:"experiment"`
	Outcome    submit.Outcome     `json:"outcome"`

	// Context is what a cache hit is reconciled against. Optional.
	Context *reconcile.SearchContext `json:"context,omitempty"`
}

// Record is the persistent record written to batch.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	BatchID     string     `json:"batch_id"`
	Name        string     `json:"name,omitempty"`
	State       State      `json:"state"`
	BackendURL  string     `json:"backend_url,omitempty"`
	PID         int        `json:"pid,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Items       []Entry    `json:"items"`
}

// SubmitItems returns the record's items in submission form.
func (r *Record) SubmitItems() []submit.Item {
	out := make([]submit.Item, len(r.Items))
	for i, e := range r.Items {
		out[i] = submit.Item{Experiment: e.Experiment, Outcome: e.Outcome}
	}
	return out
}

// Find returns the entry for an experiment id.
func (r *Record) Find(experimentID string) (Entry, bool) {
	for _, e := range r.Items {
		if e.Experiment.ID == experimentID {
			return e, true
		}
	}
	return Entry{}, false
}

// Apply copies outcomes from items into entries with the same experiment id.
// Entries not present in items keep their outcome.
func (r *Record) Apply(items []submit.Item) {
	byID := make(map[string]submit.Outcome, len(items))
	for _, it := range items {
		byID[it.ID()] = it.Outcome
	}
	for i := range r.Items {
		if o, ok := byID[r.Items[i].Experiment.ID]; ok {
			r.Items[i].Outcome = o
		}
	}
}

// Complete sets the terminal state from the item outcomes.
func (r *Record) Complete(now time.Time) {
	now = now.UTC()
	s := submit.Summarize(r.SubmitItems())
	switch {
	case s.Total > 0 && s.Failed == s.Total:
		r.State = StateFailed
	case s.Failed > 0 || s.Pending > 0:
		r.State = StatePartial
	default:
		r.State = StateSubmitted
	}
	r.CompletedAt = &now
	r.UpdatedAt = &now
	r.PID = 0
}

// Summary counts the record's outcomes.
func (r *Record) Summary() submit.Summary {
	return submit.Summarize(r.SubmitItems())
}
