package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileQueue is a Queue backed by a JSON array file.
//
// Writes go through a temp file and rename. Drain renames the file aside
// before reading it, so two drains never both observe the same items.
type FileQueue struct {
	path string
}

// NewFileQueue creates a FileQueue at path.
func NewFileQueue(path string) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("queue path is required")
	}
	return &FileQueue{path: path}, nil
}

// Path returns the queue file path.
func (q *FileQueue) Path() string { return q.path }

// Push implements Queue.
func (q *FileQueue) Push(ctx context.Context, exps ...Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(exps) == 0 {
		return nil
	}
	existing, err := readExperiments(q.path)
	if err != nil {
		return err
	}
	for _, e := range exps {
		existing = append(existing, e.Clone())
	}
	return writeJSONAtomic(q.path, existing)
}

// Drain implements Queue.
func (q *FileQueue) Drain(ctx context.Context) ([]Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claimed := q.path + ".draining." + NewID()
	if err := os.Rename(q.path, claimed); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim queue file: %w", err)
	}
	defer func() { _ = os.Remove(claimed) }()

	return readExperiments(claimed)
}

func readExperiments(path string) ([]Experiment, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, nil
	}
	var out []Experiment
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// writeJSONAtomic writes v as indented JSON via temp file and rename.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
