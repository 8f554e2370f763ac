// Package api — thin JSON surface over the authorization core, with
// RFC 7807 Problem Detail error responses. Authentication is the
// gateway's job; handlers take the acting auditor id from the
// X-Auditor-ID header.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/clearline-health/authcore/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://authcore.clearline.health/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteDomainError maps the core error taxonomy onto HTTP statuses.
// Unknown errors become opaque 500s; the cause is logged, never sent.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *contracts.ValidationError
	var notFound *contracts.NotFoundError
	var conflict *contracts.ConflictError
	var unavailable *contracts.AnalysisUnavailableError
	var integrity *contracts.IntegrityError

	switch {
	case errors.As(err, &validation):
		WriteError(w, r, http.StatusBadRequest, "Validation Failed", validation.Error())
	case errors.As(err, &notFound):
		WriteError(w, r, http.StatusNotFound, "Not Found", notFound.Error())
	case errors.As(err, &conflict):
		WriteError(w, r, http.StatusConflict, "Conflict", conflict.Error())
	case errors.As(err, &unavailable):
		WriteError(w, r, http.StatusServiceUnavailable, "Analysis Unavailable", unavailable.Error())
	case errors.As(err, &integrity):
		// Quarantined cases refuse automated processing until an
		// operator intervenes.
		WriteError(w, r, http.StatusLocked, "Integrity Violation", integrity.Error())
	default:
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
			"An unexpected error occurred. Please try again later.")
	}
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
