package handlers

import (
	"context"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/benchstage/internal/server/middleware"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/catalog"
	"github.com/3leaps/benchstage/pkg/manifest"
	"github.com/3leaps/benchstage/pkg/params"
	"github.com/3leaps/benchstage/pkg/staging"
	"github.com/3leaps/benchstage/pkg/submit"
)

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the responder. Nil restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// badRequestError marks malformed request bodies.
type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return badRequestError{err: err} }

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, envelope := classify(err)
	middleware.WriteError(w, r, envelope, status)
}

// classify maps an error onto a status and an error body.
func classify(err error) (int, *gferrors.ErrorEnvelope) {
	msg := err.Error()

	var (
		bad       badRequestError
		fields    params.FieldErrors
		manifestV manifest.ValidationErrors
		apiErr    *backend.APIError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, gferrors.NewErrorEnvelope(middleware.CodeBadRequest, msg)

	case errors.As(err, &fields):
		out := make(map[string]any, len(fields))
		for name, fe := range fields {
			out[name] = fe.Error()
		}
		return http.StatusUnprocessableEntity,
			gferrors.NewErrorEnvelope(middleware.CodeValidation, msg).WithDetails(map[string]any{"fields": out})

	case errors.As(err, &manifestV):
		list := make([]map[string]string, 0, len(manifestV))
		for _, ve := range manifestV {
			list = append(list, map[string]string{"path": ve.Path, "message": ve.Message})
		}
		return http.StatusUnprocessableEntity,
			gferrors.NewErrorEnvelope(middleware.CodeValidation, msg).WithDetails(map[string]any{"errors": list})

	case errors.Is(err, staging.ErrNotFound),
		errors.Is(err, submit.ErrNotInBatch),
		errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound, gferrors.NewErrorEnvelope(middleware.CodeNotFound, msg)

	case errors.Is(err, staging.ErrDuplicateID):
		return http.StatusConflict, gferrors.NewErrorEnvelope(middleware.CodeConflict, msg)

	case errors.Is(err, staging.ErrUnknownParam),
		errors.Is(err, catalog.ErrUnknownAlgorithm):
		return http.StatusBadRequest, gferrors.NewErrorEnvelope(middleware.CodeValidation, msg)

	case errors.As(err, &apiErr):
		details := map[string]any{"op": apiErr.Op, "backend_status": apiErr.StatusCode}
		if apiErr.StatusCode == 0 {
			return http.StatusServiceUnavailable,
				gferrors.SafeWithContext(gferrors.NewErrorEnvelope(middleware.CodeServiceUnavailable, msg), details)
		}
		return http.StatusBadGateway,
			gferrors.SafeWithContext(gferrors.NewErrorEnvelope(middleware.CodeBackend, msg), details)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, gferrors.NewErrorEnvelope(middleware.CodeServiceUnavailable, msg)
	}

	return http.StatusInternalServerError, gferrors.NewErrorEnvelope(middleware.CodeInternal, msg)
}
