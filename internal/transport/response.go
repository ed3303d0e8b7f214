// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the approval and inventory API.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:            http.StatusBadRequest,
	model.ErrUnauthorized:          http.StatusUnauthorized,
	model.ErrForbidden:             http.StatusForbidden,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrConflict:              http.StatusConflict,
	model.ErrValidationError:       http.StatusUnprocessableEntity,
	model.ErrInternalError:         http.StatusInternalServerError,
	model.ErrPolicyNotFound:        http.StatusUnprocessableEntity,
	model.ErrAgentResolutionFailed: http.StatusUnprocessableEntity,
	model.ErrEmptyFlow:             http.StatusUnprocessableEntity,
	model.ErrInvalidStepTransition: http.StatusConflict,
	model.ErrInsufficientStock:     http.StatusConflict,
	model.ErrPersistence:           http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON encodes body before writing the status, so an unencodable body
// becomes a 500 rather than a truncated 2xx.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			status = http.StatusInternalServerError
			buf.Reset()
			_ = json.NewEncoder(&buf).Encode(errorResponse{Error: model.NewInternalError()})
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes err as {"error": envelope} with the status for its code.
// Errors that are not envelopes become INTERNAL_ERROR. The active trace id is
// copied into the envelope when r carries one.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	if r != nil && out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(out.Code), errorResponse{Error: &out})
}
