package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes artifacts under a local directory.
type FileSink struct {
	dir string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates a sink rooted at dir. The directory is created on
// first write.
func NewFileSink(dir string) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	return &FileSink{dir: filepath.Clean(dir)}, nil
}

// Dir returns the sink root.
func (s *FileSink) Dir() string { return s.dir }

// Put writes body to <dir>/<name> through a temp file and rename, so a
// partial download never replaces an existing artifact.
func (s *FileSink) Put(ctx context.Context, name string, body io.Reader, _ int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := cleanName(name)
	if err != nil {
		return "", s.wrapError(name, err)
	}
	full := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", s.wrapError(clean, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".benchstage-put-*")
	if err != nil {
		return "", s.wrapError(clean, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return "", s.wrapError(clean, err)
	}
	if err := tmp.Close(); err != nil {
		return "", s.wrapError(clean, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", s.wrapError(clean, err)
	}
	return full, nil
}

func (s *FileSink) wrapError(name string, err error) error {
	wrapped := &SinkError{Op: "Put", Sink: KindFile, Location: s.dir, Name: name, Err: err}
	if os.IsPermission(err) {
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
