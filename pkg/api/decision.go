package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/store"
)

type decisionRequest struct {
	DocID    string `json:"docId"`
	CmdID    string `json:"cmdId"`
	Decision string `json:"decision"`
}

type decisionResponse struct {
	DocID         string                  `json:"docId"`
	CmdID         string                  `json:"cmdId"`
	Signer        string                  `json:"signer"`
	Status        contracts.CommandStatus `json:"status"`
	ApproveWeight int                     `json:"approveWeight"`
	RejectWeight  int                     `json:"rejectWeight"`
	TotalWeight   int                     `json:"totalWeight"`
	Duplicate     bool                    `json:"duplicate"`
}

// handleDecision records an authenticated signer's verdict. Re-submitting
// the same verdict answers 200 with duplicate=true rather than an error.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	session, err := s.requestSession(r)
	if err != nil {
		WriteUnauthorized(w, "A signer session is required")
		return
	}

	var req decisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.DocID == "" || req.CmdID == "" {
		WriteBadRequest(w, "docId and cmdId are required")
		return
	}
	if req.DocID != session.DocID {
		WriteForbidden(w, "Session is bound to a different document")
		return
	}

	var decision contracts.Decision
	switch strings.ToUpper(req.Decision) {
	case string(contracts.DecisionApprove):
		decision = contracts.DecisionApprove
	case string(contracts.DecisionReject):
		decision = contracts.DecisionReject
	default:
		WriteBadRequest(w, fmt.Sprintf("Decision must be APPROVE or REJECT, got %q", req.Decision))
		return
	}

	outcome, err := s.approvals.Decide(r.Context(), req.DocID, req.CmdID, session.Address, decision)
	if err != nil {
		s.writeDecisionError(w, err, outcome)
		return
	}

	s.audit.Record(audit.Event{
		DocID:   req.DocID,
		CmdID:   req.CmdID,
		Type:    audit.EventApproval,
		Action:  "decision recorded",
		Details: fmt.Sprintf("%s %s (duplicate=%t, status=%s)", session.Address, decision, outcome.Duplicate, outcome.Status),
	})

	writeJSON(w, http.StatusOK, decisionResponse{
		DocID:         req.DocID,
		CmdID:         req.CmdID,
		Signer:        session.Address,
		Status:        outcome.Status,
		ApproveWeight: outcome.Tally.ApproveWeight,
		RejectWeight:  outcome.Tally.RejectWeight,
		TotalWeight:   outcome.Tally.TotalWeight,
		Duplicate:     outcome.Duplicate,
	})
}

type approvalInfo struct {
	DocID     string                  `json:"docId"`
	CmdID     string                  `json:"cmdId"`
	Raw       string                  `json:"raw"`
	Status    contracts.CommandStatus `json:"status"`
	Quorum    int                     `json:"quorum"`
	Decisions []approvalEntry         `json:"decisions"`
}

type approvalEntry struct {
	Signer   string             `json:"signer"`
	Decision contracts.Decision `json:"decision"`
}

// handleApproveInfo backs the approval URL minted into command rows: a
// signer's wallet fetches it to show what is being approved.
func (s *Server) handleApproveInfo(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("docId")
	cmdID := r.URL.Query().Get("cmdId")
	if docID == "" || cmdID == "" {
		WriteBadRequest(w, "docId and cmdId query parameters are required")
		return
	}

	ctx := r.Context()
	cmd, err := s.repo.GetCommand(ctx, docID, cmdID)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "Not Found", "Unknown command")
		return
	}
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	q, err := s.repo.GetQuorum(ctx, docID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	approvals, err := s.repo.ListApprovals(ctx, docID, cmdID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}

	info := approvalInfo{
		DocID:     docID,
		CmdID:     cmdID,
		Raw:       cmd.RawText,
		Status:    cmd.Status,
		Quorum:    q,
		Decisions: make([]approvalEntry, 0, len(approvals)),
	}
	for _, a := range approvals {
		info.Decisions = append(info.Decisions, approvalEntry{Signer: a.Signer, Decision: a.Decision})
	}
	writeJSON(w, http.StatusOK, info)
}
