// Package artifact stores downloaded result files.
//
// Artifacts are opaque bytes: a Sink never inspects what it stores. The CLI
// picks a Sink from a destination string, either a local directory or an
// s3://bucket/prefix URI.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sink stores named artifacts.
type Sink interface {
	// Put stores body under name and returns where it was written.
	// size is the content length, or -1 when unknown.
	Put(ctx context.Context, name string, body io.Reader, size int64) (string, error)
}

// Kind identifies a sink implementation.
type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
)

// Sentinel errors for sink operations.
var (
	ErrInvalidName        = errors.New("invalid artifact name")
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// SinkError wraps sink failures with context.
type SinkError struct {
	// Op is the operation that failed (e.g., "Put").
	Op string

	// Sink is the sink kind.
	Sink Kind

	// Location is the destination root (directory or bucket).
	Location string

	// Name is the artifact name, if applicable.
	Name string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Sink, e.Op, e.Location, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Sink, e.Op, e.Location, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SinkError) Unwrap() error {
	return e.Err
}

// Downloader fetches result artifacts. *backend.Client satisfies it.
type Downloader interface {
	Download(ctx context.Context, resultID string) (io.ReadCloser, int64, error)
}

// Name returns the artifact name for a result.
func Name(resultID string) string {
	return strings.TrimSpace(resultID) + ".csv"
}

// Save downloads a result and stores it in sink under Name(resultID).
func Save(ctx context.Context, dl Downloader, sink Sink, resultID string) (string, error) {
	body, size, err := dl.Download(ctx, resultID)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	return sink.Put(ctx, Name(resultID), body, size)
}

// cleanName normalizes a slash-separated artifact name and rejects
// traversal outside the sink root.
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "", ErrInvalidName
	}
	parts := strings.Split(name, "/")
	out := parts[:0]
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			return "", ErrInvalidName
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return "", ErrInvalidName
	}
	return strings.Join(out, "/"), nil
}
