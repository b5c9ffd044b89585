package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/benchstage/internal/assets/schemas"
)

// SchemaID identifies the batch manifest schema.
const SchemaID = "benchstage/v1.0.0/batch-manifest"

var (
	// ErrSchemaNotFound means the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed is the cause of every ValidationErrors.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var compiled = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.BatchManifestSchema) == 0 {
		return nil, fmt.Errorf("%w: embedded batch-manifest schema is empty", ErrSchemaNotFound)
	}
	v, err := schema.NewValidator(schemasassets.BatchManifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema %s: %w", SchemaID, err)
	}
	return v, nil
})

// ValidationError is one problem at a JSON pointer, e.g. "/experiments/0/seed".
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors lists every problem found in one manifest, ordered by path.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	lines := make([]string, len(e))
	for i, ve := range e {
		lines[i] = "  - " + ve.Error()
	}
	return fmt.Sprintf("manifest validation failed with %d errors:\n%s", len(e), strings.Join(lines, "\n"))
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a manifest built in code. Unknown-field checks need the
// original input; see ValidateRaw.
func Validate(m *Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}
	return ValidateRaw(doc)
}

// ValidateRaw checks a JSON document against the embedded schema.
func ValidateRaw(doc []byte) error {
	v, err := compiled()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(doc)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	// Only error-severity diagnostics fail validation. Reports are sorted
	// by pointer so they are stable across runs.
	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}
