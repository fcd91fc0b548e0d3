// Package pgtrades mirrors the trade history into PostgreSQL for reporting.
// The sqlite repository stays authoritative; this mirror is append-only and
// safe to rebuild.
package pgtrades

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// Mirror writes executed trades to a shared reporting database.
type Mirror struct {
	db *sql.DB
}

// New wraps an already-opened connection. Callers own the pool lifecycle.
func New(db *sql.DB) *Mirror {
	return &Mirror{db: db}
}

// Open connects to the reporting database and ensures the trades table
// exists.
func Open(ctx context.Context, dsn string) (*Mirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open reporting database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping reporting database: %w", err)
	}
	m := &Mirror{db: db}
	if err := m.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the underlying pool.
func (m *Mirror) Close() error { return m.db.Close() }

func (m *Mirror) ensureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS doc_trades (
			doc_id           TEXT NOT NULL,
			pair             TEXT NOT NULL,
			side             TEXT NOT NULL,
			qty              NUMERIC NOT NULL,
			price            NUMERIC NOT NULL,
			notional         NUMERIC NOT NULL,
			fee_usd          NUMERIC NOT NULL DEFAULT 0,
			realised_pnl_usd NUMERIC NOT NULL DEFAULT 0,
			created_at       BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure doc_trades: %w", err)
	}
	return nil
}

// Record appends one executed trade.
func (m *Mirror) Record(ctx context.Context, t *contracts.Trade) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO doc_trades (doc_id, pair, side, qty, price, notional, fee_usd, realised_pnl_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.DocID, t.Pair, t.Side, t.Qty, t.Price, t.Notional, t.FeeUsd, t.RealisedPnlUsd, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("mirror trade: %w", err)
	}
	return nil
}

// VolumeByPair sums executed notional per pair for a document, used by the
// treasury snapshot.
func (m *Mirror) VolumeByPair(ctx context.Context, docID string) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT pair, SUM(notional)::TEXT FROM doc_trades
		WHERE doc_id = $1 GROUP BY pair ORDER BY pair`, docID)
	if err != nil {
		return nil, fmt.Errorf("volume by pair: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var pair, notional string
		if err := rows.Scan(&pair, &notional); err != nil {
			return nil, err
		}
		out[pair] = notional
	}
	return out, rows.Err()
}
