package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/3leaps/benchstage/pkg/params"
)

var (
	// ErrNotFound is returned for an id that is not staged.
	ErrNotFound = errors.New("experiment not found")

	// ErrDuplicateID is returned when staging an id the store has already seen.
	ErrDuplicateID = errors.New("experiment id already used")

	// ErrUnknownParam is returned when editing a parameter the schema does not declare.
	ErrUnknownParam = errors.New("parameter not declared by algorithm")
)

// Resolver looks up algorithms by id. catalog.Catalog satisfies it.
type Resolver interface {
	ByID(id int) (params.Algorithm, bool)
}

// Store is the ordered staging list.
//
// Insertion order is display and submission order. Edits are keyed by id and
// never reorder the list. Ids are unique for the lifetime of the store,
// including ids that were removed.
type Store struct {
	mu       sync.Mutex
	items    []Experiment
	seen     map[string]struct{}
	queue    Queue
	resolver Resolver
}

// NewStore creates a Store that drains from queue. Both arguments may be nil.
func NewStore(queue Queue, resolver Resolver) *Store {
	return &Store{
		seen:     make(map[string]struct{}),
		queue:    queue,
		resolver: resolver,
	}
}

// SetResolver replaces the algorithm resolver.
func (s *Store) SetResolver(r Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

// Restore loads a saved list. Existing items are replaced; seen ids are kept.
func (s *Store) Restore(items []Experiment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = s.items[:0]
	for _, e := range items {
		e = e.Clone()
		if e.ID == "" || s.hasItemLocked(e.ID) {
			e.ID = s.freshIDLocked()
		}
		s.seen[e.ID] = struct{}{}
		s.items = append(s.items, e)
	}
}

// Stage appends e and returns the stored copy.
//
// An empty id is assigned. When the resolver knows e's algorithm, e is
// validated against its schema and undeclared parameters are dropped.
func (s *Store) Stage(e Experiment) (Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e = e.Clone()
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = s.freshIDLocked()
	} else if _, used := s.seen[e.ID]; used {
		return Experiment{}, fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}

	if alg, ok := s.lookupLocked(e.AlgorithmID); ok {
		if err := e.Validate(alg.Parameters); err != nil {
			return Experiment{}, err
		}
		e.Params = params.Normalize(alg.Parameters, e.Params)
		if e.AlgorithmName == "" {
			e.AlgorithmName = alg.Name
		}
	}

	s.seen[e.ID] = struct{}{}
	s.items = append(s.items, e)
	return e.Clone(), nil
}

// Unstage removes the experiment with id.
func (s *Store) Unstage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return nil
}

// Get returns the experiment with id.
func (s *Store) Get(id string) (Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return Experiment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.items[i].Clone(), nil
}

// EditField sets a positional field in place.
//
// Setting FieldAlgorithm re-derives the parameter map from the new
// algorithm's schema and requires a resolver.
func (s *Store) EditField(id string, field Field, value int) (Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return Experiment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := &s.items[i]

	switch field {
	case FieldDimension:
		e.Dimension = value
	case FieldInstanceID:
		e.InstanceID = value
	case FieldSeed:
		e.Seed = value
	case FieldAlgorithm:
		if s.resolver == nil {
			return Experiment{}, errors.New("algorithm catalog unavailable")
		}
		alg, ok := s.resolver.ByID(value)
		if !ok {
			return Experiment{}, fmt.Errorf("unknown algorithm #%d", value)
		}
		e.SwitchAlgorithm(alg)
	default:
		return Experiment{}, fmt.Errorf("unknown field %q", field)
	}
	return e.Clone(), nil
}

// EditParam sets one named parameter in place.
//
// When the resolver knows the experiment's algorithm, the name must be
// declared and the value is coerced to the declared type.
func (s *Store) EditParam(id, name string, value params.Value) (Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return Experiment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := &s.items[i]

	if alg, ok := s.lookupLocked(e.AlgorithmID); ok {
		spec, declared := alg.Parameters[name]
		if !declared {
			return Experiment{}, fmt.Errorf("%w: %s", ErrUnknownParam, name)
		}
		value = params.Coerce(spec, value)
	}
	if e.Params == nil {
		e.Params = params.Params{}
	}
	e.Params[name] = value
	return e.Clone(), nil
}

// DrainPersisted drains the queue and appends its experiments.
//
// Each queued experiment is merged exactly once because Queue.Drain clears
// what it returns. Experiments whose id collides with a seen id get a fresh id.
func (s *Store) DrainPersisted(ctx context.Context) ([]Experiment, error) {
	if s.queue == nil {
		return nil, nil
	}
	drained, err := s.queue.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("drain staging queue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]Experiment, 0, len(drained))
	for _, e := range drained {
		e = e.Clone()
		if _, used := s.seen[e.ID]; used || strings.TrimSpace(e.ID) == "" {
			e.ID = s.freshIDLocked()
		}
		if alg, ok := s.lookupLocked(e.AlgorithmID); ok && e.AlgorithmName == "" {
			e.AlgorithmName = alg.Name
		}
		s.seen[e.ID] = struct{}{}
		s.items = append(s.items, e)
		merged = append(merged, e.Clone())
	}
	return merged, nil
}

// List returns the staged experiments in order.
func (s *Store) List() []Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Experiment, len(s.items))
	for i, e := range s.items {
		out[i] = e.Clone()
	}
	return out
}

// Len returns the number of staged experiments.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// TakeAll empties the list and returns what it held, in order.
func (s *Store) TakeAll() []Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.items
	s.items = nil
	return out
}

// Clear removes every staged experiment.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// ValidateAll validates every experiment whose algorithm the resolver knows.
//
// The returned map is keyed by experiment id and is empty when all pass.
func (s *Store) ValidateAll() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]error)
	for _, e := range s.items {
		alg, ok := s.lookupLocked(e.AlgorithmID)
		if !ok {
			if s.resolver != nil {
				out[e.ID] = fmt.Errorf("unknown algorithm #%d", e.AlgorithmID)
			}
			continue
		}
		if err := e.Validate(alg.Parameters); err != nil {
			out[e.ID] = err
		}
	}
	return out
}

func (s *Store) lookupLocked(id int) (params.Algorithm, bool) {
	if s.resolver == nil {
		return params.Algorithm{}, false
	}
	return s.resolver.ByID(id)
}

func (s *Store) indexLocked(id string) int {
	id = strings.TrimSpace(id)
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) hasItemLocked(id string) bool {
	return s.indexLocked(id) >= 0
}

func (s *Store) freshIDLocked() string {
	for {
		id := NewID()
		if _, used := s.seen[id]; !used {
			return id
		}
	}
}

// ResolveID resolves a full id or a unique id prefix.
func (s *Store) ResolveID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("experiment id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasItemLocked(input) {
		return input, nil
	}
	matches := make([]string, 0, 2)
	for _, e := range s.items {
		if strings.HasPrefix(e.ID, input) {
			matches = append(matches, e.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("experiment id prefix is ambiguous (%d matches); use the full id", len(matches))
	}
}
