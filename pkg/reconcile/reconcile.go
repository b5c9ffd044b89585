// Package reconcile diffs the parameters a user searched for against the
// parameters a stored result actually used.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/params"
)

// State classifies one parameter row.
type State string

const (
	// StateMatch means the stored value satisfies the searched constraint.
	StateMatch State = "match"

	// StateMismatch means the stored value differs from the searched value.
	StateMismatch State = "mismatch"

	// StateSearchOnly means the parameter was searched for or declared by the
	// searched schema but the stored result does not record it.
	StateSearchOnly State = "search_only"

	// StateResultOnly means only the stored result has the parameter.
	StateResultOnly State = "result_only"
)

// Notes attached to rows.
const (
	NoteUnconstrained = "not constrained"
	NoteNotRecorded   = "not recorded in result"
)

// SearchContext is what was searched for: the queried values and the
// schema the search form was built from.
type SearchContext struct {
	QueriedParams params.Params `json:"queried_params"`
	SchemaUsed    params.Schema `json:"schema_used,omitempty"`
}

// Searched reports whether name is on the searched side.
func (c SearchContext) Searched(name string) bool {
	if _, ok := c.QueriedParams[name]; ok {
		return true
	}
	return c.SchemaUsed.Has(name)
}

// Row is one line of the reconciliation.
type Row struct {
	Key          string `json:"key"`
	DisplayValue string `json:"display_value"`
	State        State  `json:"state"`

	// Searched is the searched value for mismatches.
	Searched string `json:"searched,omitempty"`

	Note string `json:"note,omitempty"`
}

// Reconcile builds one row per parameter name across both sides, sorted by
// name. stored is not modified.
func Reconcile(stored backend.StoredResult, ctx SearchContext) []Row {
	names := unionNames(stored.Parameters, ctx)
	rows := make([]Row, 0, len(names))

	for _, name := range names {
		storedVal, inResult := stored.Parameters[name]
		searchedVal := ctx.QueriedParams[name]

		if !ctx.Searched(name) {
			rows = append(rows, Row{Key: name, DisplayValue: storedVal.String(), State: StateResultOnly})
			continue
		}

		if !inResult {
			row := Row{Key: name, State: StateSearchOnly, Note: NoteNotRecorded}
			if !searchedVal.IsUnset() {
				row.DisplayValue = searchedVal.String()
			}
			rows = append(rows, row)
			continue
		}

		row := Row{Key: name, DisplayValue: storedVal.String()}
		switch {
		case searchedVal.IsUnset():
			row.State = StateMatch
			row.Note = NoteUnconstrained
		case params.Equal(searchedVal, storedVal):
			row.State = StateMatch
		default:
			row.State = StateMismatch
			row.Searched = searchedVal.String()
			row.Note = fmt.Sprintf("searched for %s", searchedVal.String())
		}
		rows = append(rows, row)
	}
	return rows
}

// Summary counts rows per state.
type Summary map[State]int

// Summarize counts rows per state.
func Summarize(rows []Row) Summary {
	s := Summary{}
	for _, r := range rows {
		s[r.State]++
	}
	return s
}

// Mismatches returns only the mismatched rows.
func Mismatches(rows []Row) []Row {
	var out []Row
	for _, r := range rows {
		if r.State == StateMismatch {
			out = append(out, r)
		}
	}
	return out
}

func unionNames(stored params.Params, ctx SearchContext) []string {
	set := make(map[string]struct{}, len(stored)+len(ctx.QueriedParams)+len(ctx.SchemaUsed))
	for k := range stored {
		set[k] = struct{}{}
	}
	for k := range ctx.QueriedParams {
		set[k] = struct{}{}
	}
	for k := range ctx.SchemaUsed {
		set[k] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
