package submit

import (
	"context"
	"fmt"
	"sync"

	"github.com/3leaps/benchstage/pkg/staging"
)

// Book is a concurrency-safe outcome list keyed by experiment id.
//
// Entries keep their first insertion order. A pending entry stays visible
// while its request is in flight; a request that never resolves leaves only
// its own entry pending.
//
// Every write bumps the entry's generation. A response is applied only if
// the generation it was issued under is still current, so a late reply to
// an older request never overwrites a newer outcome.
type Book struct {
	mu    sync.RWMutex
	order []string
	items map[string]Item
	gen   map[string]uint64
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{items: make(map[string]Item), gen: make(map[string]uint64)}
}

// Put inserts or replaces the entry for the item's experiment id.
func (b *Book) Put(it Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putLocked(it)
}

// putLocked stores it under a new generation and returns that generation.
func (b *Book) putLocked(it Item) uint64 {
	id := it.ID()
	if _, ok := b.items[id]; !ok {
		b.order = append(b.order, id)
	}
	b.items[id] = it
	b.gen[id]++
	return b.gen[id]
}

// putIfCurrent stores it only while the entry is still at generation g.
func (b *Book) putIfCurrent(it Item, g uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[it.ID()]; !ok || b.gen[it.ID()] != g {
		return false
	}
	b.items[it.ID()] = it
	return true
}

// Get returns the entry for id.
func (b *Book) Get(id string) (Item, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	it, ok := b.items[id]
	return it, ok
}

// List returns all entries in insertion order.
func (b *Book) List() []Item {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Item, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.items[id])
	}
	return out
}

// Submit records every experiment as pending, then submits them through o,
// updating each entry as its request resolves.
func (b *Book) Submit(ctx context.Context, o *Orchestrator, exps []staging.Experiment) ([]Item, error) {
	_, run := b.Reserve(exps)
	return run(ctx, o)
}

// Reserve records every experiment as pending and returns the pending items
// with a function that submits them. Replies are applied only to entries no
// one has written since the reservation.
func (b *Book) Reserve(exps []staging.Experiment) ([]Item, func(context.Context, *Orchestrator) ([]Item, error)) {
	pending := make([]Item, len(exps))
	issued := make([]uint64, len(exps))
	b.mu.Lock()
	for i, e := range exps {
		pending[i] = Item{Experiment: e.Clone(), Outcome: Pending()}
		issued[i] = b.putLocked(pending[i])
	}
	b.mu.Unlock()

	run := func(ctx context.Context, o *Orchestrator) ([]Item, error) {
		return o.SubmitEach(ctx, exps, func(i int, it Item) {
			b.putIfCurrent(it, issued[i])
		})
	}
	return pending, run
}

// ForceRun resubmits the experiment recorded under id and replaces only
// that entry. The previous outcome stays visible until the new one arrives
// and is kept if the request fails. A forced outcome supersedes any reply
// still outstanding for an earlier request on the same entry.
func (b *Book) ForceRun(ctx context.Context, o *Orchestrator, id string) (Item, error) {
	prev, ok := b.Get(id)
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotInBatch, id)
	}

	outcome := o.Resubmit(ctx, prev.Experiment)
	if err := outcome.Err(); err != nil {
		return prev, fmt.Errorf("force run %s: %w", id, err)
	}

	next := Item{Experiment: prev.Experiment, Outcome: outcome}
	b.Put(next)
	return next, nil
}

// Remove drops the entry for id.
func (b *Book) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[id]; !ok {
		return false
	}
	delete(b.items, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}
