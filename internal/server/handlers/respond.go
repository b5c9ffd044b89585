// Package handlers implements the local HTTP API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/benchstage/internal/server/middleware"
)

// Envelope wraps every successful API response.
type Envelope struct {
	Success bool            `json:"success"`
	Data    any             `json:"data"`
	Meta    middleware.Meta `json:"meta"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    middleware.Meta{Timestamp: time.Now().UTC()},
	})
}

// writeDegraded answers 200 with data and an inline error message.
func writeDegraded(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, Envelope{
		Success: false,
		Data:    data,
		Meta:    middleware.Meta{Message: message, Timestamp: time.Now().UTC()},
	})
}

// VersionInfo is served by VersionHandler.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// VersionHandler serves the build info.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, info)
	}
}

// NotFound answers unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, r, gferrors.NewErrorEnvelope(middleware.CodeNotFound, "route not found: "+r.URL.Path), http.StatusNotFound)
}

// MethodNotAllowed answers known routes hit with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, r,
		gferrors.NewErrorEnvelope(middleware.CodeMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path),
		http.StatusMethodNotAllowed)
}
