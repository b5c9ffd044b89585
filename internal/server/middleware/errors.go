// Package middleware provides HTTP middleware for the local API.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/observability"
)

// Error codes shared by middleware and handlers.
const (
	CodeInternal           = "INTERNAL_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeConflict           = "CONFLICT"
	CodeBadRequest         = "BAD_REQUEST"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeBackend            = "BACKEND_ERROR"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
	Meta    Meta      `json:"meta"`
}

// ErrorBody is the client-facing view of an errors.ErrorEnvelope. Envelope
// context and details are merged into Details; the correlation id is the
// request id.
type ErrorBody struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Details   map[string]any  `json:"details,omitempty"`
	Severity  errors.Severity `json:"severity,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Meta mirrors the backend envelope's meta block.
type Meta struct {
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteError writes envelope for r. A missing correlation id is filled from
// the request id and a missing severity from the status class.
func WriteError(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope, statusCode int) {
	if envelope.CorrelationID == "" && r != nil {
		envelope = envelope.WithCorrelationID(GetRequestID(r.Context()))
	}
	if envelope.Severity == "" {
		envelope = errors.SafeWithSeverity(envelope, severityFor(statusCode))
	}
	writeErrorResponse(w, envelope, statusCode)
}

func severityFor(statusCode int) errors.Severity {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return errors.SeverityHigh
	case statusCode == http.StatusNotFound:
		return errors.SeverityInfo
	default:
		return errors.SeverityLow
	}
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	ts, err := time.Parse(time.RFC3339, envelope.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	resp := ErrorResponse{
		Success: false,
		Error: ErrorBody{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   mergeDetails(envelope.Details, envelope.Context),
			Severity:  envelope.Severity,
			RequestID: envelope.CorrelationID,
		},
		Meta: Meta{Message: envelope.Message, Timestamp: ts},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// mergeDetails combines envelope details and context; context wins on key
// collisions.
func mergeDetails(details, context map[string]any) map[string]any {
	if len(details) == 0 && len(context) == 0 {
		return nil
	}
	out := make(map[string]any, len(details)+len(context))
	for k, v := range details {
		out[k] = v
	}
	for k, v := range context {
		out[k] = v
	}
	return out
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			msg := fmt.Sprintf("panic: %v", rec)
			observability.CLILogger.Error("Handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", GetRequestID(r.Context())),
				zap.Any("panic", rec),
				zap.Stack("stack"))

			WriteError(w, r, errors.NewErrorEnvelope(CodeInternal, msg), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}
