package staging

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Queue carries staged experiments across sessions.
//
// Push appends. Drain returns everything pushed so far and clears the queue,
// so a second Drain without an intervening Push returns nothing. Concurrent
// producers from separate processes are last-write-wins.
type Queue interface {
	Push(ctx context.Context, exps ...Experiment) error
	Drain(ctx context.Context) ([]Experiment, error)
}

// Queue backend names accepted by OpenQueue.
const (
	QueueMemory = "memory"
	QueueFile   = "file"
	QueueSQLite = "sqlite"
)

// OpenQueue opens the queue backend named kind at path.
//
// The memory backend ignores path.
func OpenQueue(ctx context.Context, kind, path string) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case QueueMemory:
		return NewMemoryQueue(), nil
	case "", QueueFile:
		return NewFileQueue(path)
	case QueueSQLite:
		return OpenSQLiteQueue(ctx, path)
	default:
		return nil, fmt.Errorf("unknown queue backend %q (want file, sqlite or memory)", kind)
	}
}

// MemoryQueue is a process-local Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Experiment
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Push implements Queue.
func (q *MemoryQueue) Push(_ context.Context, exps ...Experiment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range exps {
		q.items = append(q.items, e.Clone())
	}
	return nil
}

// Drain implements Queue.
func (q *MemoryQueue) Drain(_ context.Context) ([]Experiment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out, nil
}

// Close is a no-op.
func (q *MemoryQueue) Close() error { return nil }

// CloseQueue closes q when it holds resources.
func CloseQueue(q Queue) error {
	if c, ok := q.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
