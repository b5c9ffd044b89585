// Package submit submits staged experiments to the backend and tracks
// their outcomes.
//
// Every submitted experiment has exactly one Outcome at a time. Outcomes
// are replaced by experiment id, never by list position.
package submit

import (
	"errors"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/staging"
)

// Kind is the outcome variant.
//
// NOTE: These values are persisted in batch records.
type Kind string

const (
	// KindPending means the request is in flight.
	KindPending Kind = "pending"

	// KindFresh means the backend started a new computation.
	KindFresh Kind = "fresh"

	// KindCached means stored results matched the configuration.
	KindCached Kind = "cached"

	// KindFailed means the submission failed.
	KindFailed Kind = "failed"
)

// Outcome is the result of submitting one experiment.
type Outcome struct {
	Kind          Kind                   `json:"kind"`
	ContainerName string                 `json:"container_name,omitempty"`
	Matches       []backend.StoredResult `json:"matches,omitempty"`
	Error         string                 `json:"error,omitempty"`

	err error
}

// Pending returns the in-flight outcome.
func Pending() Outcome { return Outcome{Kind: KindPending} }

// Fresh returns a newly dispatched run.
func Fresh(container string) Outcome {
	return Outcome{Kind: KindFresh, ContainerName: container}
}

// CachedHit returns a cache hit over matches.
func CachedHit(matches []backend.StoredResult) Outcome {
	if matches == nil {
		matches = []backend.StoredResult{}
	}
	return Outcome{Kind: KindCached, Matches: matches}
}

// Failed returns a failed submission. For backend errors the user-visible
// message is the backend's meta.message or the operation fallback; Err keeps
// the full error.
func Failed(err error) Outcome {
	if err == nil {
		err = errors.New("submission failed")
	}
	msg := err.Error()
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	return Outcome{Kind: KindFailed, Error: msg, err: err}
}

// Classify maps a backend response to an outcome. The cached flag is
// trusted verbatim.
func Classify(resp backend.SubmitResponse) Outcome {
	if resp.Cached {
		return CachedHit(resp.Matches)
	}
	return Fresh(resp.ContainerName)
}

// Err returns the failure for KindFailed outcomes.
func (o Outcome) Err() error {
	if o.Kind != KindFailed {
		return nil
	}
	if o.err != nil {
		return o.err
	}
	return errors.New(o.Error)
}

// Resolved reports whether the outcome is final.
func (o Outcome) Resolved() bool { return o.Kind != KindPending && o.Kind != "" }

// Item pairs an experiment with its outcome.
type Item struct {
	Experiment staging.Experiment `json:"experiment"`
	Outcome    Outcome            `json:"outcome"`
}

// ID returns the experiment id.
func (it Item) ID() string { return it.Experiment.ID }

// DirectLogTarget returns the container to follow when a batch of exactly
// one experiment came back fresh.
func DirectLogTarget(items []Item) (string, bool) {
	if len(items) != 1 {
		return "", false
	}
	o := items[0].Outcome
	if o.Kind != KindFresh || o.ContainerName == "" {
		return "", false
	}
	return o.ContainerName, true
}

// Summary counts outcomes by kind.
type Summary struct {
	Total   int `json:"total"`
	Fresh   int `json:"fresh"`
	Cached  int `json:"cached"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// Summarize counts items by outcome kind.
func Summarize(items []Item) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		switch it.Outcome.Kind {
		case KindFresh:
			s.Fresh++
		case KindCached:
			s.Cached++
		case KindFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s
}
