package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is matched by APIErrors for missing resources.
var ErrNotFound = errors.New("not found")

// Fallback messages used when the backend reports failure without meta.message.
const (
	FallbackSubmit   = "Optimization submission failed"
	FallbackResult   = "Result not found"
	FallbackSearch   = "Search failed"
	FallbackCatalog  = "Failed to load algorithms"
	FallbackHistory  = "Failed to load result history"
	FallbackDownload = "Download failed"
)

// APIError is a failed backend call.
type APIError struct {
	// Op names the client operation, e.g. "submit".
	Op string

	// StatusCode is the HTTP status, 0 when no response was received.
	StatusCode int

	// Message is meta.message or the operation's fallback.
	Message string
}

// Error implements error interface.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Op, e.Message, e.StatusCode)
}

// Is reports ErrNotFound for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsNotFound reports whether err is a missing-resource error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err looks transient: transport failures and
// 5xx/429 responses.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 0 ||
		apiErr.StatusCode == http.StatusTooManyRequests ||
		apiErr.StatusCode >= http.StatusInternalServerError
}
