package batchregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/benchstage/pkg/staging"
	"github.com/3leaps/benchstage/pkg/submit"
)

// ErrNotFound is returned when no batch matches an id or prefix.
var ErrNotFound = errors.New("batch not found")

// Store persists and loads Records from an on-disk directory.
//
// Directory layout:
//
//	<root>/<batch_id>/batch.json
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) BatchDir(batchID string) string {
	return filepath.Join(s.root, batchID)
}

func (s *Store) BatchPath(batchID string) string {
	return filepath.Join(s.BatchDir(batchID), "batch.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("batch registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Begin creates and writes a submitting record for exps with pending outcomes.
func (s *Store) Begin(name, backendURL string, exps []staging.Experiment) (*Record, error) {
	rec := &Record{
		BatchID:    uuid.New().String(),
		Name:       strings.TrimSpace(name),
		State:      StateSubmitting,
		BackendURL: backendURL,
		PID:        os.Getpid(),
		CreatedAt:  time.Now().UTC(),
		Items:      make([]Entry, len(exps)),
	}
	for i, e := range exps {
		rec.Items[i] = Entry{Experiment: e.Clone(), Outcome: submit.Pending()}
	}
	if err := s.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("batch record is nil")
	}
	batchID := strings.TrimSpace(record.BatchID)
	if batchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	batchDir := s.BatchDir(batchID)
	if err := os.MkdirAll(batchDir, 0755); err != nil {
		return fmt.Errorf("create batch dir: %w", err)
	}

	if record.Items == nil {
		record.Items = []Entry{}
	}
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal batch record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(batchDir, "batch.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp batch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp batch file: %w", err)
	}

	if err := os.Rename(tmpName, s.BatchPath(batchID)); err != nil {
		return fmt.Errorf("rename batch file: %w", err)
	}
	return nil
}

func (s *Store) Get(batchID string) (*Record, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}
	b, err := os.ReadFile(s.BatchPath(batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, batchID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("batch.json is empty")
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse batch.json: %w", err)
	}

	// A batch still claiming submitting whose process is gone was interrupted.
	if record.State == StateSubmitting && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = StateUnknown
		now := time.Now().UTC()
		record.UpdatedAt = &now
		_ = s.Write(&record)
	}

	return &record, nil
}

// List returns all readable records, newest first.
func (s *Store) List() ([]Record, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read batches root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

// Resolve maps a full batch id or a unique prefix to a batch id.
func (s *Store) Resolve(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("batch_id is required")
	}

	if _, err := s.Get(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	records, err := s.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range records {
		if strings.HasPrefix(r.BatchID, input) {
			matches = append(matches, r.BatchID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("batch id prefix is ambiguous (%d matches); use full batch_id", len(matches))
	}
	return matches[0], nil
}

// Delete removes a batch directory.
func (s *Store) Delete(batchID string) error {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if err := os.RemoveAll(s.BatchDir(batchID)); err != nil {
		return fmt.Errorf("remove batch dir: %w", err)
	}
	return nil
}

// Prune deletes terminal batches completed more than maxAge before now.
// With dryRun it only counts them.
func (s *Store) Prune(now time.Time, maxAge time.Duration, dryRun bool) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be > 0")
	}
	records, err := s.List()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range records {
		if !r.State.Terminal() {
			continue
		}
		ended := r.CreatedAt
		if r.CompletedAt != nil {
			ended = *r.CompletedAt
		} else if r.UpdatedAt != nil {
			ended = *r.UpdatedAt
		}
		if now.UTC().Sub(ended.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := s.Delete(r.BatchID); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
