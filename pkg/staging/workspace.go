package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Workspace persists a Store's list between CLI invocations.
//
// Each invocation behaves like one session: Open restores the saved list,
// drains the queue once into it, and Save writes it back.
type Workspace struct {
	path string
}

type workspaceFile struct {
	Version   string       `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
	Items     []Experiment `json:"items"`
}

const workspaceVersion = "1"

// NewWorkspace creates a Workspace stored at path.
func NewWorkspace(path string) (*Workspace, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("workspace path is required")
	}
	return &Workspace{path: path}, nil
}

// Path returns the workspace file path.
func (w *Workspace) Path() string { return w.path }

// Load reads the saved list. A missing file is an empty list.
func (w *Workspace) Load() ([]Experiment, error) {
	b, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, nil
	}
	var f workspaceFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse workspace: %w", err)
	}
	return f.Items, nil
}

// Save writes items.
func (w *Workspace) Save(items []Experiment) error {
	if items == nil {
		items = []Experiment{}
	}
	return writeJSONAtomic(w.path, workspaceFile{
		Version:   workspaceVersion,
		UpdatedAt: time.Now().UTC(),
		Items:     items,
	})
}

// Open restores the saved list into a new Store and drains queue into it.
//
// The returned slice holds the experiments merged from the queue.
func (w *Workspace) Open(ctx context.Context, queue Queue, resolver Resolver) (*Store, []Experiment, error) {
	items, err := w.Load()
	if err != nil {
		return nil, nil, err
	}
	store := NewStore(queue, resolver)
	store.Restore(items)

	merged, err := store.DrainPersisted(ctx)
	if err != nil {
		return store, nil, err
	}
	if len(merged) > 0 {
		if err := w.Save(store.List()); err != nil {
			return store, merged, fmt.Errorf("save workspace: %w", err)
		}
	}
	return store, merged, nil
}
