package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/benchstage/internal/server/middleware"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/staging"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil), assert.AnError)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, assert.AnError, captured)

	t.Run("nil restores default", func(t *testing.T) {
		SetHTTPErrorResponder(nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestDefaultErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.WriteHeader(http.StatusTeapot)
	})
	ResetHTTPErrorResponder()

	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, r, fmt.Errorf("unstage e1: %w", staging.ErrNotFound))
	}))
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/experiments/e1", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, middleware.CodeNotFound, body.Error.Code)
	assert.Equal(t, "req-42", body.Error.RequestID)
	assert.Contains(t, body.Meta.Message, "unstage e1")
}

func TestDefaultErrorResponderBackendContext(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"backend rejected", &backend.APIError{Op: "submit", StatusCode: 500, Message: "boom"}, http.StatusBadGateway, middleware.CodeBackend},
		{"backend unreachable", &backend.APIError{Op: "methods", Message: "connection refused"}, http.StatusServiceUnavailable, middleware.CodeServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			defaultErrorResponder(rec, httptest.NewRequest(http.MethodPost, "/api/v1/submit", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body middleware.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.err.(*backend.APIError).Op, body.Error.Details["op"])
			assert.NotEmpty(t, body.Error.Severity)
		})
	}
}
