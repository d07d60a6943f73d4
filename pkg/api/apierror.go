// Package api exposes the kernel over HTTP with RFC 7807 problem-detail errors.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// problemTypeBase prefixes the problem type URI with the status code.
const problemTypeBase = "https://nexus.schemas.local/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request's X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
	// Invoice is set on 402 responses.
	Invoice string `json:"invoice,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func newProblem(r *http.Request, w http.ResponseWriter, status int, title, detail string) *ProblemDetail {
	p := &ProblemDetail{
		Type:    fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get(headerRequestID),
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	return p
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response. r may be nil.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, newProblem(r, w, status, title, detail))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="nexus"`)
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WritePaymentRequired writes a 402 response carrying the invoice to pay.
func WritePaymentRequired(w http.ResponseWriter, r *http.Request, invoice string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("L402 invoice=%q", invoice))
	p := newProblem(r, w, http.StatusPaymentRequired, "Payment Required",
		"Pay the invoice and retry with the "+headerInvoice+" header")
	p.Invoice = invoice
	writeProblem(w, p)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
