// Package httputil writes JSON responses and maps coded errors to HTTP
// statuses.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Details          any    `json:"details,omitempty"`
}

// Detailer is implemented by errors that carry structured client-facing
// details, such as per-field validation failures.
type Detailer interface {
	ErrorDetails() any
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status and an error body. Internal failures never
// leak their message.
func WriteError(w http.ResponseWriter, err error) {
	status, resp := ErrorBody(err)
	WriteJSON(w, status, resp)
}

// ErrorBody builds the status and body WriteError would send.
func ErrorBody(err error) (int, ErrorResponse) {
	status, code := StatusFor(err)
	resp := ErrorResponse{Error: code}
	if status != http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		var de *dErrors.Error
		if errors.As(err, &de) {
			resp.ErrorDescription = de.Message
		}
		var d Detailer
		if errors.As(err, &d) {
			resp.Details = d.ErrorDetails()
		}
	}
	return status, resp
}

// StatusFor returns the HTTP status and wire error code for err.
func StatusFor(err error) (int, string) {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeValidation:
		return http.StatusUnprocessableEntity, "validation_failed"
	case dErrors.CodeInvalidInput:
		return http.StatusBadRequest, "bad_request"
	case dErrors.CodeNotFound:
		return http.StatusNotFound, "not_found"
	case dErrors.CodeConflict:
		return http.StatusConflict, "conflict"
	case dErrors.CodeInvariantViolation:
		return http.StatusConflict, "illegal_state_transition"
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case dErrors.CodeIntegrityViolation:
		return http.StatusUnprocessableEntity, "integrity_violation"
	case dErrors.CodeTransient, dErrors.CodeTimeout:
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// DecodeJSON decodes a bounded request body into T, rejecting unknown fields.
// It writes the error response itself and reports whether decoding succeeded.
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid JSON body"))
		return v, false
	}
	return v, true
}
