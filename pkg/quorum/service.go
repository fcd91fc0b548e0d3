// Package quorum decides command approvals: it records weighted signer
// decisions idempotently, promotes commands when the approval weight
// reaches quorum, and assembles the session-key attestation bundle the
// state-channel gate requires before execution.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/keys"
	"github.com/docwallet/dwagent/pkg/store"
)

// Classified failures callers branch on.
var (
	ErrUnknownSigner     = errors.New("quorum: signer not registered")
	ErrNotPending        = errors.New("quorum: command is not awaiting approval")
	ErrSessionKeyExpired = errors.New("quorum: session key expired")
	ErrNoSession         = errors.New("quorum: no open session")
)

// Service runs the approval workflow over the repository.
type Service struct {
	repo  *store.Repository
	vault *keys.Vault
	log   *slog.Logger
	now   func() time.Time
}

// New builds the service. vault may be nil when the deployment runs
// without a state channel.
func New(repo *store.Repository, vault *keys.Vault, log *slog.Logger) *Service {
	return &Service{repo: repo, vault: vault, log: log, now: time.Now}
}

// Outcome reports what one decision did.
type Outcome struct {
	Status    contracts.CommandStatus
	Tally     contracts.Tally
	Duplicate bool
}

// Decide records one signer's decision and promotes the command if the
// tally now settles it. Duplicate (docId, cmdId, signer) submissions are
// reported, not rejected, so the HTTP endpoint stays idempotent.
func (s *Service) Decide(ctx context.Context, docID, cmdID, signer string, decision contracts.Decision) (Outcome, error) {
	signers, err := s.repo.ListSigners(ctx, docID)
	if err != nil {
		return Outcome{}, err
	}
	known := false
	for _, reg := range signers {
		if reg.Address == signer {
			known = true
			break
		}
	}
	if !known {
		return Outcome{}, fmt.Errorf("%w: %s on %s", ErrUnknownSigner, signer, docID)
	}

	cmd, err := s.repo.GetCommand(ctx, docID, cmdID)
	if err != nil {
		return Outcome{}, err
	}
	if cmd.Status != contracts.StatusPendingApproval {
		return Outcome{Status: cmd.Status}, fmt.Errorf("%w: %s is %s", ErrNotPending, cmdID, cmd.Status)
	}

	tally, err := s.repo.RecordApproval(ctx, docID, cmdID, signer, decision)
	duplicate := errors.Is(err, store.ErrDuplicateApproval)
	if err != nil && !duplicate {
		return Outcome{}, err
	}
	if !duplicate {
		if err := s.repo.IncrCounter(ctx, docID, contracts.CounterApprovalsTotal, 1); err != nil {
			s.log.Warn("counter increment failed", "docId", docID, "error", err)
		}
	}

	quorum, err := s.repo.GetQuorum(ctx, docID)
	if err != nil {
		return Outcome{}, err
	}
	_, status, err := s.repo.PromoteIfQuorum(ctx, docID, cmdID, quorum)
	if err != nil {
		return Outcome{}, err
	}

	s.log.Info("decision recorded",
		"docId", docID, "cmdId", cmdID, "signer", signer,
		"decision", decision, "status", status,
		"approveWeight", tally.ApproveWeight, "quorum", quorum,
		"duplicate", duplicate)
	return Outcome{Status: status, Tally: tally, Duplicate: duplicate}, nil
}

// AutoApprove settles a command whose effective policy does not require
// approval: quorum is treated as already met on entry.
func (s *Service) AutoApprove(ctx context.Context, docID, cmdID string) error {
	ok, err := s.repo.CompareAndSwapStatus(ctx, docID, cmdID,
		contracts.StatusPendingApproval, contracts.StatusApproved)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrStaleStatus
	}
	if err := s.repo.IncrCounter(ctx, docID, contracts.CounterApprovalAvoided, 1); err != nil {
		s.log.Warn("counter increment failed", "docId", docID, "error", err)
	}
	return nil
}

// Bundle is a quorum signature set over one attestation digest, ready for
// submitAppState.
type Bundle struct {
	SessionID   string
	FromVersion uint64
	Signatures  []string
	Signers     []string
}

// AttestationBundle collects a fresh session-key signature from every
// approving signer of the command. Any expired key aborts the whole
// bundle: execution must fail closed rather than proceed under-signed.
func (s *Service) AttestationBundle(ctx context.Context, docID, cmdID string, digest []byte) (*Bundle, error) {
	if s.vault == nil {
		return nil, errors.New("quorum: no vault configured for attestations")
	}
	session, err := s.repo.GetSession(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: document %s", ErrNoSession, docID)
	}
	if err != nil {
		return nil, err
	}
	if session.Status != contracts.SessionOpen {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNoSession, session.SessionID, session.Status)
	}

	approvals, err := s.repo.ListApprovals(ctx, docID, cmdID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	bundle := &Bundle{SessionID: session.SessionID, FromVersion: session.Version}
	for _, a := range approvals {
		if a.Decision != contracts.DecisionApprove {
			continue
		}
		key, err := s.repo.GetSessionKey(ctx, docID, a.Signer)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s has no session key", ErrSessionKeyExpired, a.Signer)
		}
		if err != nil {
			return nil, err
		}
		if now.UnixMilli() >= key.ExpiresAt {
			return nil, fmt.Errorf("%w: %s, expired at %d", ErrSessionKeyExpired, a.Signer, key.ExpiresAt)
		}
		sig, err := keys.SignDigest(s.vault, key, digest, now)
		if err != nil {
			return nil, fmt.Errorf("attest for %s: %w", a.Signer, err)
		}
		bundle.Signatures = append(bundle.Signatures, keys.SignatureHex(sig))
		bundle.Signers = append(bundle.Signers, a.Signer)
	}
	if len(bundle.Signatures) == 0 {
		return nil, fmt.Errorf("command %s has no approving signers to attest", cmdID)
	}
	return bundle, nil
}
