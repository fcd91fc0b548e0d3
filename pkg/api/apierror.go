// Package api is the HTTP surface signer wallets talk to: the join
// protocol that registers signers, and the decision endpoint that records
// weighted approvals. Error responses are RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/docwallet/dwagent/pkg/quorum"
	"github.com/docwallet/dwagent/pkg/store"
)

// problemTypeBase prefixes the Type URI; the status code is the key.
const problemTypeBase = "https://docwallet.dev/errors/"

// ProblemDetail is the RFC 7807 body every failure on this API answers
// with. TraceID carries the request id so a signer can quote it back.
type ProblemDetail struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return p.Title + ": " + p.Detail
}

// WriteError answers status with a problem document.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	p := &ProblemDetail{
		Type:    problemTypeBase + strconv.Itoa(status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteTooManyRequests answers 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded, retry after the indicated interval")
}

// writeInternal logs the cause and answers a generic 500; the error is
// never echoed to the client.
func (s *Server) writeInternal(w http.ResponseWriter, err error) {
	s.log.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred")
}

// writeDecisionError maps the approval service's sentinels onto their
// HTTP shapes: an unknown signer may not decide (403), a settled command
// takes no further decisions (409), a missing one is 404.
func (s *Server) writeDecisionError(w http.ResponseWriter, err error, outcome quorum.Outcome) {
	switch {
	case errors.Is(err, quorum.ErrUnknownSigner):
		WriteForbidden(w, "Signer is not registered on this document")
	case errors.Is(err, quorum.ErrNotPending):
		WriteError(w, http.StatusConflict, "Conflict",
			fmt.Sprintf("Command is %s and no longer accepts decisions", outcome.Status))
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Not Found", "Unknown command")
	default:
		s.writeInternal(w, err)
	}
}
