package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/chains"
	"github.com/docwallet/dwagent/pkg/chains/statechannel"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/store"
)

const (
	maxExecuteAttempts = 5
	executeBackoffBase = time.Second
	executeBackoffCap  = 60 * time.Second
)

// ExecuteDue picks up every APPROVED command of a document in createdAt
// order and runs it. The APPROVED→EXECUTING edge is taken exactly once
// per command by compare-and-swap; a lost swap means another worker owns
// the command.
func (e *Engine) ExecuteDue(ctx context.Context, docID string) error {
	due, err := e.repo.ListCommandsByStatus(ctx, docID, contracts.StatusApproved)
	if err != nil {
		return fmt.Errorf("list approved: %w", err)
	}
	for _, cmd := range due {
		ok, err := e.repo.CompareAndSwapStatus(ctx, docID, cmd.CmdID,
			contracts.StatusApproved, contracts.StatusExecuting)
		if err != nil {
			return fmt.Errorf("claim %s: %w", cmd.CmdID, err)
		}
		if !ok {
			continue
		}
		e.executeClaimed(ctx, docID, cmd)
	}
	return nil
}

// executeClaimed runs one EXECUTING command to a terminal state.
func (e *Engine) executeClaimed(ctx context.Context, docID string, cmd *contracts.Command) {
	parsed, err := cmd.Parsed()
	if err != nil || parsed == nil {
		e.finalizeFailure(ctx, docID, cmd, "", fmt.Errorf("corrupt parsed value: %v", err))
		return
	}

	var done func(error)
	if e.telemetry != nil {
		ctx, done = e.telemetry.TrackExecution(ctx, docID, cmd.CmdID, string(parsed.Kind))
	} else {
		done = func(error) {}
	}

	// State-channel gate: a document bound to an open session attests
	// every fund-moving execution before it happens. A missing or expired
	// session key aborts; the command must not reach EXECUTED.
	if parsed.Kind != contracts.KindSessionCreate && !parsed.Kind.ReadOnly() {
		if err := e.stateChannelGate(ctx, docID, cmd, parsed); err != nil {
			e.finalizeFailure(ctx, docID, cmd, string(parsed.Kind), fmt.Errorf("attestation gate: %w", err))
			done(err)
			return
		}
	}

	result, txRef, err := e.dispatchWithRetry(ctx, docID, cmd, parsed)
	if err != nil {
		e.finalizeFailure(ctx, docID, cmd, string(parsed.Kind), err)
		done(err)
		return
	}
	e.finalizeSuccess(ctx, docID, cmd, parsed, result, txRef)
	done(nil)
}

// dispatchWithRetry retries transient chain failures with exponential
// backoff capped at 60s, up to 5 attempts. The command stays EXECUTING
// between attempts.
func (e *Engine) dispatchWithRetry(ctx context.Context, docID string, cmd *contracts.Command, parsed *contracts.ParsedCommand) (result, txRef string, err error) {
	for attempt := 0; attempt < maxExecuteAttempts; attempt++ {
		result, txRef, err = e.dispatch(ctx, docID, cmd, parsed)
		if err == nil || !errors.Is(err, chains.Transient) {
			return result, txRef, err
		}
		if attempt == maxExecuteAttempts-1 {
			break
		}
		delay := executeBackoffBase << attempt
		if delay > executeBackoffCap {
			delay = executeBackoffCap
		}
		e.log.Warn("transient execution failure, retrying",
			"docId", docID, "cmdId", cmd.CmdID, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			return "", "", serr
		}
	}
	return "", "", fmt.Errorf("transient failure persisted after %d attempts: %w", maxExecuteAttempts, err)
}

// stateChannelGate submits an attested app-state update for the command.
// A document with no session, or whose session has been closed, is not
// bound to a channel and passes through.
func (e *Engine) stateChannelGate(ctx context.Context, docID string, cmd *contracts.Command, parsed *contracts.ParsedCommand) error {
	if e.clients.StateChannel == nil {
		return nil
	}
	session, err := e.repo.GetSession(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.Status != contracts.SessionOpen {
		return nil
	}

	state := &statechannel.AppState{
		SessionID: session.SessionID,
		Version:   session.Version + 1,
		Intent:    string(parsed.Kind),
		Payload:   cmd.ParsedJSON,
	}
	digest, err := state.Digest()
	if err != nil {
		return fmt.Errorf("attestation digest: %w", err)
	}
	bundle, err := e.approvals.AttestationBundle(ctx, docID, cmd.CmdID, digest)
	if err != nil {
		return err
	}
	if _, err := e.clients.StateChannel.SubmitAppState(ctx,
		session.SessionID, session.Version, state.Intent, cmd.ParsedJSON, bundle.Signatures); err != nil {
		return fmt.Errorf("submit app state: %w", err)
	}
	if _, err := e.repo.AdvanceSessionVersion(ctx, docID, session.Version, bundle.Signers); err != nil {
		return fmt.Errorf("advance session version: %w", err)
	}
	return nil
}

// spendAmount returns the USD-equivalent amount a command moves, or ""
// when it does not count against the daily limit.
func spendAmount(p *contracts.ParsedCommand) string {
	switch p.Kind {
	case contracts.KindPayout, contracts.KindPayoutSplit, contracts.KindYellowSend,
		contracts.KindBridge, contracts.KindRebalance:
		return p.Amount
	}
	return ""
}

func (e *Engine) finalizeSuccess(ctx context.Context, docID string, cmd *contracts.Command, parsed *contracts.ParsedCommand, result, txRef string) {
	// The EXECUTED receipt write must stick; retry until shutdown.
	for {
		err := e.repo.SetCommandOutcome(ctx, docID, cmd.CmdID, contracts.StatusExecuted, result, "")
		if err == nil || errors.Is(err, store.ErrStaleStatus) {
			break
		}
		e.log.Error("receipt write failed, retrying", "docId", docID, "cmdId", cmd.CmdID, "error", err)
		if serr := e.sleep(ctx, time.Second); serr != nil {
			return
		}
	}
	if err := e.repo.IncrCounter(ctx, docID, contracts.CounterCommandsExecuted, 1); err != nil {
		e.log.Warn("counter increment failed", "docId", docID, "error", err)
	}
	if amt := spendAmount(parsed); amt != "" {
		if spent, err := parseAmount(amt); err == nil {
			if err := e.repo.AddDailySpend(ctx, docID, e.day(), spent); err != nil {
				e.log.Warn("daily spend update failed", "docId", docID, "error", err)
			}
		}
	}

	now := e.now()
	e.audit.Record(audit.Event{
		DocID: docID, CmdID: cmd.CmdID, Type: audit.EventExecute,
		Action: fmt.Sprintf("%s executed", parsed.Kind), Details: result, TxRef: txRef,
	})
	// Document mirror rows are best-effort; state has already progressed.
	if err := e.docs.AppendAuditRow(ctx, docID, audit.ISO(now),
		fmt.Sprintf("%s %s executed: %s", cmd.CmdID, parsed.Kind, result)); err != nil {
		e.log.Warn("audit row write failed", "docId", docID, "error", err)
	}
	if err := e.docs.AppendActivityRow(ctx, docID, audit.ISO(now),
		string(parsed.Kind), result, txRef); err != nil {
		e.log.Warn("activity row write failed", "docId", docID, "error", err)
	}
	e.log.Info("command executed", "docId", docID, "cmdId", cmd.CmdID,
		"kind", parsed.Kind, "txRef", txRef)
}

func (e *Engine) finalizeFailure(ctx context.Context, docID string, cmd *contracts.Command, kind string, cause error) {
	if err := e.repo.SetCommandOutcome(ctx, docID, cmd.CmdID, contracts.StatusFailed, "", cause.Error()); err != nil {
		e.log.Error("failure write failed", "docId", docID, "cmdId", cmd.CmdID, "error", err)
	}
	e.audit.Record(audit.Event{
		DocID: docID, CmdID: cmd.CmdID, Type: audit.EventExecute,
		Action: "execution failed", Details: cause.Error(),
	})
	if err := e.docs.AppendAuditRow(ctx, docID, audit.ISO(e.now()),
		fmt.Sprintf("%s %s failed: %s", cmd.CmdID, kind, cause)); err != nil {
		e.log.Warn("audit row write failed", "docId", docID, "error", err)
	}
	e.log.Error("command failed", "docId", docID, "cmdId", cmd.CmdID, "error", cause)
}
