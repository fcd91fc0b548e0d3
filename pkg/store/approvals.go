package store

import (
	"context"
	"database/sql"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// RecordApproval atomically inserts an approval row and returns the running
// weighted tally. A duplicate (docId, cmdId, signer) insert leaves the store
// unchanged and returns the current tally with ErrDuplicateApproval, so the
// operation is idempotent.
func (r *Repository) RecordApproval(ctx context.Context, docID, cmdID, signer string, decision contracts.Decision) (contracts.Tally, error) {
	var (
		tally     contracts.Tally
		duplicate bool
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (doc_id, cmd_id, signer, decision, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (doc_id, cmd_id, signer) DO NOTHING`,
			docID, cmdID, signer, string(decision), nowMillis())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		duplicate = n == 0

		tally, err = tallyLocked(ctx, tx, docID, cmdID)
		return err
	})
	if err != nil {
		return contracts.Tally{}, err
	}
	if duplicate {
		return tally, ErrDuplicateApproval
	}
	return tally, nil
}

// Tally returns the current weighted tally for a command.
func (r *Repository) Tally(ctx context.Context, docID, cmdID string) (contracts.Tally, error) {
	var tally contracts.Tally
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		tally, err = tallyLocked(ctx, tx, docID, cmdID)
		return err
	})
	return tally, err
}

// tallyLocked computes weighted approve/reject sums joined against signer
// weights, plus the total registered weight.
func tallyLocked(ctx context.Context, tx *sql.Tx, docID, cmdID string) (contracts.Tally, error) {
	var tally contracts.Tally
	err := tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN a.decision = 'APPROVE' THEN s.weight ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.decision = 'REJECT'  THEN s.weight ELSE 0 END), 0)
		FROM approvals a
		JOIN signers s ON s.doc_id = a.doc_id AND s.address = a.signer
		WHERE a.doc_id = ? AND a.cmd_id = ?`, docID, cmdID).
		Scan(&tally.ApproveWeight, &tally.RejectWeight)
	if err != nil {
		return tally, err
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(weight), 0) FROM signers WHERE doc_id = ?`, docID).
		Scan(&tally.TotalWeight)
	return tally, err
}

// ListApprovals returns the approval rows for a command.
func (r *Repository) ListApprovals(ctx context.Context, docID, cmdID string) ([]*contracts.Approval, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT doc_id, cmd_id, signer, decision, created_at
		FROM approvals WHERE doc_id = ? AND cmd_id = ? ORDER BY created_at, signer`,
		docID, cmdID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var approvals []*contracts.Approval
	for rows.Next() {
		var (
			a        contracts.Approval
			decision string
		)
		if err := rows.Scan(&a.DocID, &a.CmdID, &a.Signer, &decision, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Decision = contracts.Decision(decision)
		approvals = append(approvals, &a)
	}
	return approvals, rows.Err()
}

// PromoteIfQuorum atomically promotes a PENDING_APPROVAL command to APPROVED
// once approve-weight reaches the quorum, or to REJECTED once reject-weight
// exceeds totalWeight − quorum (approval has become unreachable). The read
// of status and tallies and the status write happen in one transaction, so
// two concurrent approvals cannot both observe "not yet quorum".
func (r *Repository) PromoteIfQuorum(ctx context.Context, docID, cmdID string, quorum int) (promoted bool, status contracts.CommandStatus, err error) {
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM commands WHERE doc_id = ? AND cmd_id = ?`,
			docID, cmdID).Scan(&current); err != nil {
			return err
		}
		status = contracts.CommandStatus(current)
		if status != contracts.StatusPendingApproval {
			return nil
		}

		tally, err := tallyLocked(ctx, tx, docID, cmdID)
		if err != nil {
			return err
		}

		switch {
		case tally.ApproveWeight >= quorum:
			status = contracts.StatusApproved
		case tally.RejectWeight > tally.TotalWeight-quorum:
			status = contracts.StatusRejected
		default:
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE commands SET status = ?, updated_at = ?
			WHERE doc_id = ? AND cmd_id = ? AND status = ?`,
			string(status), nowMillis(), docID, cmdID,
			string(contracts.StatusPendingApproval)); err != nil {
			return err
		}
		if status == contracts.StatusRejected {
			if _, err := tx.ExecContext(ctx, `
				UPDATE commands SET error_text = ? WHERE doc_id = ? AND cmd_id = ?`,
				"rejected: reject weight exceeds remaining approval weight", docID, cmdID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM approvals WHERE doc_id = ? AND cmd_id = ?`, docID, cmdID); err != nil {
				return err
			}
		}
		promoted = status == contracts.StatusApproved
		return nil
	})
	return promoted, status, err
}
