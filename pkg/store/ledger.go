package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

// AppendTrade records an executed order in the trade history.
func (r *Repository) AppendTrade(ctx context.Context, t *contracts.Trade) error {
	createdAt := t.CreatedAt
	if createdAt == 0 {
		createdAt = nowMillis()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades (doc_id, pair, side, qty, price, notional, fee_usd, realised_pnl_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.DocID, t.Pair, t.Side, t.Qty, t.Price, t.Notional, t.FeeUsd, t.RealisedPnlUsd, createdAt)
	return err
}

// ListTrades returns the most recent trades first, capped at limit.
func (r *Repository) ListTrades(ctx context.Context, docID string, limit int) ([]*contracts.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT doc_id, pair, side, qty, price, notional, fee_usd, realised_pnl_usd, created_at
		FROM trades WHERE doc_id = ? ORDER BY created_at DESC LIMIT ?`, docID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var trades []*contracts.Trade
	for rows.Next() {
		var t contracts.Trade
		if err := rows.Scan(&t.DocID, &t.Pair, &t.Side, &t.Qty, &t.Price,
			&t.Notional, &t.FeeUsd, &t.RealisedPnlUsd, &t.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// RealisedPnl sums realised profit and loss across the whole trade history.
func (r *Repository) RealisedPnl(ctx context.Context, docID string) (finance.Amount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT realised_pnl_usd FROM trades WHERE doc_id = ?`, docID)
	if err != nil {
		return finance.Amount{}, err
	}
	defer func() { _ = rows.Close() }()

	total := finance.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return finance.Amount{}, err
		}
		pnl, err := finance.Parse(raw)
		if err != nil {
			return finance.Amount{}, fmt.Errorf("stored pnl %q: %w", raw, err)
		}
		total = total.Add(pnl)
	}
	return total, rows.Err()
}

// IncrCounter adds delta to a per-document counter, creating it at delta.
func (r *Repository) IncrCounter(ctx context.Context, docID, name string, delta int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO counters (doc_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT (doc_id, name) DO UPDATE SET value = value + excluded.value`,
		docID, name, delta)
	return err
}

// GetCounter returns 0 for counters that have never been incremented.
func (r *Repository) GetCounter(ctx context.Context, docID, name string) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE doc_id = ? AND name = ?`, docID, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// AddDailySpend accumulates executed USD spend under a day bucket (UTC
// YYYY-MM-DD). The read-modify-write runs in one transaction so concurrent
// executors cannot lose an increment.
func (r *Repository) AddDailySpend(ctx context.Context, docID, day string, amount finance.Amount) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("daily spend increment must not be negative")
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT amount FROM daily_spend WHERE doc_id = ? AND day = ?`, docID, day).Scan(&raw)
		current := finance.Zero
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			if current, err = finance.Parse(raw); err != nil {
				return fmt.Errorf("stored daily spend %q: %w", raw, err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_spend (doc_id, day, amount) VALUES (?, ?, ?)
			ON CONFLICT (doc_id, day) DO UPDATE SET amount = excluded.amount`,
			docID, day, current.Add(amount).String())
		return err
	})
}

// GetDailySpend returns the accumulated USD spend for a day, zero when the
// bucket is empty.
func (r *Repository) GetDailySpend(ctx context.Context, docID, day string) (finance.Amount, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT amount FROM daily_spend WHERE doc_id = ? AND day = ?`, docID, day).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return finance.Zero, nil
	}
	if err != nil {
		return finance.Amount{}, err
	}
	return finance.Parse(raw)
}

// PutDocState stores an opaque per-document key/value, used for poll-loop
// content hashes and config snapshots.
func (r *Repository) PutDocState(ctx context.Context, docID, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO doc_state (doc_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (doc_id, key) DO UPDATE SET value = excluded.value`,
		docID, key, value)
	return err
}

// GetDocState returns "" (no error) for unknown keys.
func (r *Repository) GetDocState(ctx context.Context, docID, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM doc_state WHERE doc_id = ? AND key = ?`, docID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
