package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/command"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/policy"
)

// Doc-state keys owned by the engine.
const (
	statePolicy        = "policy"
	stateCommandsHash  = "commands_hash"
	stateChatCursor    = "chat_cursor"
	stateTriggers      = "triggers"
	stateAlerts        = "alerts"
	stateAutoRebalance = "auto_rebalance"
	stateLastProposal  = "last_proposal_at"
	stateConnectURI    = "walletconnect_uri"
)

// Intake runs one raw command line through parse, persist and the policy
// gate. It never returns an error for a bad command — those become
// INVALID or REJECTED rows; errors are infrastructure failures only.
func (e *Engine) Intake(ctx context.Context, docID, cmdID, raw string) error {
	parsed, perr := command.Parse(raw)
	if perr != nil {
		err := e.repo.InsertCommand(ctx, &contracts.Command{
			CmdID: cmdID, DocID: docID, RawText: raw,
			ParseError: perr.Error(), Status: contracts.StatusInvalid,
		})
		if err != nil {
			return fmt.Errorf("persist invalid command: %w", err)
		}
		e.audit.Record(audit.Event{
			DocID: docID, CmdID: cmdID, Type: audit.EventCommand,
			Action: "parse failed", Details: perr.Error(),
		})
		return nil
	}

	parsedJSON, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Errorf("encode parsed command: %w", err)
	}
	if err := e.repo.InsertCommand(ctx, &contracts.Command{
		CmdID: cmdID, DocID: docID, RawText: raw,
		ParsedJSON: parsedJSON, Status: contracts.StatusRaw,
	}); err != nil {
		return fmt.Errorf("persist command: %w", err)
	}

	pol, err := e.effectivePolicy(ctx, docID)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	spent, err := e.repo.GetDailySpend(ctx, docID, e.day())
	if err != nil {
		return fmt.Errorf("load daily spend: %w", err)
	}
	verdict := policy.Evaluate(pol, parsed, policy.Context{DailySpendUsd: spent.String()})
	if !verdict.Allow {
		if err := e.repo.RejectCommand(ctx, docID, cmdID, verdict.Reason); err != nil {
			return fmt.Errorf("reject command: %w", err)
		}
		e.audit.Record(audit.Event{
			DocID: docID, CmdID: cmdID, Type: audit.EventPolicy,
			Action: "command rejected by policy", Details: verdict.Reason,
		})
		return nil
	}

	url := fmt.Sprintf("%s/approve?docId=%s&cmdId=%s", e.baseURL, docID, cmdID)
	if _, err := e.repo.SetApprovalURL(ctx, docID, cmdID, url); err != nil {
		return fmt.Errorf("mint approval url: %w", err)
	}

	// Read-only commands and approval-free policies skip the quorum gate.
	if parsed.Kind.ReadOnly() || !pol.ApprovalRequired() {
		if err := e.approvals.AutoApprove(ctx, docID, cmdID); err != nil {
			return fmt.Errorf("auto-approve: %w", err)
		}
	}
	e.audit.Record(audit.Event{
		DocID: docID, CmdID: cmdID, Type: audit.EventCommand,
		Action: "command accepted", Details: string(parsed.Kind),
	})
	return nil
}

// effectivePolicy decodes the document's stored policy record, or nil
// when none has been loaded.
func (e *Engine) effectivePolicy(ctx context.Context, docID string) (*policy.Policy, error) {
	raw, err := e.repo.GetDocState(ctx, docID, statePolicy)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	pol, err := policy.ParseRecord(raw)
	if err != nil {
		// A corrupt stored record must not open the gate: treat it as a
		// deny-all until a fresh POLICY_ENS replaces it.
		e.log.Error("stored policy record is invalid", "docId", docID, "error", err)
		return &policy.Policy{DenyCommands: allCommandNames()}, nil
	}
	return pol, nil
}

func allCommandNames() []string {
	kinds := []contracts.CommandKind{
		contracts.KindSetup, contracts.KindStatus, contracts.KindQuorum,
		contracts.KindSignerAdd, contracts.KindSessionCreate, contracts.KindSessionStatus,
		contracts.KindSessionClose, contracts.KindYellowSend, contracts.KindLimitBuy,
		contracts.KindLimitSell, contracts.KindMarketBuy, contracts.KindMarketSell,
		contracts.KindCancelOrder, contracts.KindSettle, contracts.KindDeposit,
		contracts.KindWithdraw, contracts.KindPrice, contracts.KindTradeHistory,
		contracts.KindStopLoss, contracts.KindTakeProfit, contracts.KindPayout,
		contracts.KindPayoutSplit, contracts.KindBridge, contracts.KindTreasury,
		contracts.KindRebalance, contracts.KindSweepYield, contracts.KindPolicyENS,
		contracts.KindConnect, contracts.KindTx, contracts.KindSign,
		contracts.KindSchedule, contracts.KindCancelSchedule,
		contracts.KindAutoRebalance, contracts.KindAlert,
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
