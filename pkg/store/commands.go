package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// InsertCommand persists a freshly parsed (or INVALID) command row. The
// invariant parsedValue = nil ⇔ status = INVALID is checked here so a bug
// upstream cannot write a contradictory row.
func (r *Repository) InsertCommand(ctx context.Context, cmd *contracts.Command) error {
	if (len(cmd.ParsedJSON) == 0) != (cmd.Status == contracts.StatusInvalid) {
		return fmt.Errorf("command %s: parsed value and status %s are inconsistent", cmd.CmdID, cmd.Status)
	}
	now := nowMillis()
	if cmd.CreatedAt == 0 {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now

	var parsed any
	if len(cmd.ParsedJSON) > 0 {
		parsed = string(cmd.ParsedJSON)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO commands (cmd_id, doc_id, raw_text, parsed_json, parse_error,
			status, approval_url, result_text, error_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.CmdID, cmd.DocID, cmd.RawText, parsed, cmd.ParseError,
		string(cmd.Status), cmd.ApprovalURL, cmd.ResultText, cmd.ErrorText,
		cmd.CreatedAt, cmd.UpdatedAt)
	return err
}

// GetCommand returns ErrNotFound for unknown ids.
func (r *Repository) GetCommand(ctx context.Context, docID, cmdID string) (*contracts.Command, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT cmd_id, doc_id, raw_text, parsed_json, parse_error, status,
			approval_url, result_text, error_text, created_at, updated_at
		FROM commands WHERE doc_id = ? AND cmd_id = ?`, docID, cmdID)
	return scanCommand(row)
}

// HasCommand reports whether a command id is already known for a document,
// used by the poll loop to skip rows it has seen.
func (r *Repository) HasCommand(ctx context.Context, docID, cmdID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM commands WHERE doc_id = ? AND cmd_id = ?`, docID, cmdID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListCommandsByStatus returns commands in ascending createdAt order, ties
// broken by cmdId, which is the executor's pickup order.
func (r *Repository) ListCommandsByStatus(ctx context.Context, docID string, status contracts.CommandStatus) ([]*contracts.Command, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cmd_id, doc_id, raw_text, parsed_json, parse_error, status,
			approval_url, result_text, error_text, created_at, updated_at
		FROM commands WHERE doc_id = ? AND status = ?
		ORDER BY created_at, cmd_id`, docID, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cmds []*contracts.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func scanCommand(row rowScanner) (*contracts.Command, error) {
	var (
		cmd    contracts.Command
		parsed sql.NullString
		status string
	)
	err := row.Scan(&cmd.CmdID, &cmd.DocID, &cmd.RawText, &parsed, &cmd.ParseError,
		&status, &cmd.ApprovalURL, &cmd.ResultText, &cmd.ErrorText,
		&cmd.CreatedAt, &cmd.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cmd.Status = contracts.CommandStatus(status)
	if parsed.Valid {
		cmd.ParsedJSON = []byte(parsed.String)
	}
	return &cmd, nil
}

// validTransitions is the command state machine. Terminal states have no
// outgoing edges; any transition not listed is an internal invariant error.
var validTransitions = map[contracts.CommandStatus][]contracts.CommandStatus{
	contracts.StatusRaw:             {contracts.StatusPendingApproval, contracts.StatusRejected, contracts.StatusFailed},
	contracts.StatusPendingApproval: {contracts.StatusApproved, contracts.StatusRejected},
	contracts.StatusApproved:        {contracts.StatusExecuting},
	contracts.StatusExecuting:       {contracts.StatusExecuted, contracts.StatusFailed},
}

func transitionAllowed(from, to contracts.CommandStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CompareAndSwapStatus transitions a command from → to atomically. It
// returns false (without error) when another worker won the race, and an
// error when the edge is not in the state machine at all.
func (r *Repository) CompareAndSwapStatus(ctx context.Context, docID, cmdID string, from, to contracts.CommandStatus) (bool, error) {
	if !transitionAllowed(from, to) {
		return false, fmt.Errorf("illegal transition %s → %s for %s", from, to, cmdID)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, updated_at = ?
		WHERE doc_id = ? AND cmd_id = ? AND status = ?`,
		string(to), nowMillis(), docID, cmdID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetCommandOutcome finalises an EXECUTING command to EXECUTED or FAILED and
// records the receipt or classified error text.
func (r *Repository) SetCommandOutcome(ctx context.Context, docID, cmdID string, status contracts.CommandStatus, resultText, errorText string) error {
	if status != contracts.StatusExecuted && status != contracts.StatusFailed {
		return fmt.Errorf("outcome must be EXECUTED or FAILED, got %s", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, result_text = ?, error_text = ?, updated_at = ?
		WHERE doc_id = ? AND cmd_id = ? AND status = ?`,
		string(status), resultText, errorText, nowMillis(),
		docID, cmdID, string(contracts.StatusExecuting))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrStaleStatus
	}
	return nil
}

// RejectCommand moves a RAW or PENDING_APPROVAL command to REJECTED with a
// reason, clearing its approval rows.
func (r *Repository) RejectCommand(ctx context.Context, docID, cmdID, reason string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE commands SET status = ?, error_text = ?, updated_at = ?
			WHERE doc_id = ? AND cmd_id = ? AND status IN (?, ?)`,
			string(contracts.StatusRejected), reason, nowMillis(),
			docID, cmdID, string(contracts.StatusRaw), string(contracts.StatusPendingApproval))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrStaleStatus
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM approvals WHERE doc_id = ? AND cmd_id = ?`, docID, cmdID)
		return err
	})
}

// SetApprovalURL records the minted approval URL and advances RAW to
// PENDING_APPROVAL in one step, matching the promotion rule that a command
// only becomes approvable once its URL exists.
func (r *Repository) SetApprovalURL(ctx context.Context, docID, cmdID, url string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, approval_url = ?, updated_at = ?
		WHERE doc_id = ? AND cmd_id = ? AND status = ?`,
		string(contracts.StatusPendingApproval), url, nowMillis(),
		docID, cmdID, string(contracts.StatusRaw))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
