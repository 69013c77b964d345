// Package errors renders API errors as a stable JSON envelope.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/lakeconnector/pkg/job"
)

// Error codes returned in HTTPErrorResponse.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// WriteError writes an error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, e HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: e})
}

// RespondWithError maps err onto a status code. Missing jobs and triggers
// become 404, everything else 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	if errors.Is(err, job.ErrNotFound) {
		status, code = http.StatusNotFound, CodeNotFound
	}
	WriteError(w, status, HTTPError{
		Code:      code,
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, HTTPError{Code: CodeNotFound, Message: "no route for " + r.URL.Path})
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, HTTPError{Code: CodeMethodNotAllowed, Message: r.Method + " not allowed on " + r.URL.Path})
}
