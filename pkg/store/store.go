// Package store is the durable repository behind the command engine: one
// sqlite database holding documents, signers, commands, approvals,
// schedules, sessions, trades and counters. All state-machine mutations go
// through it; the compound operations RecordApproval and PromoteIfQuorum
// are serialisable per (docId, cmdId).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors. Callers branch on these, so they are part of the
// repository contract.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicateApproval = errors.New("store: duplicate approval")
	ErrStaleStatus       = errors.New("store: status changed concurrently")
)

// Repository is the process-wide store. Open one at startup, Close on
// shutdown.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. WAL journaling keeps concurrent loop reads cheap.
func Open(path string) (*Repository, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite has a single writer; a second connection would only queue.
	db.SetMaxOpenConns(1)

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error { return r.db.Close() }

// migrations are forward-only; the applied version lives in _meta.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS documents (
		doc_id       TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		addresses    TEXT NOT NULL DEFAULT '{}',
		policy_name  TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS document_secrets (
		doc_id     TEXT PRIMARY KEY REFERENCES documents(doc_id),
		ciphertext BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS signers (
		doc_id  TEXT NOT NULL,
		address TEXT NOT NULL,
		weight  INTEGER NOT NULL CHECK (weight >= 1),
		PRIMARY KEY (doc_id, address)
	);
	CREATE TABLE IF NOT EXISTS quorum_settings (
		doc_id TEXT PRIMARY KEY,
		quorum INTEGER NOT NULL CHECK (quorum >= 1)
	);
	CREATE TABLE IF NOT EXISTS commands (
		cmd_id       TEXT NOT NULL,
		doc_id       TEXT NOT NULL,
		raw_text     TEXT NOT NULL,
		parsed_json  TEXT,
		parse_error  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		approval_url TEXT NOT NULL DEFAULT '',
		result_text  TEXT NOT NULL DEFAULT '',
		error_text   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (doc_id, cmd_id)
	);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(doc_id, status, created_at, cmd_id);
	CREATE TABLE IF NOT EXISTS approvals (
		doc_id     TEXT NOT NULL,
		cmd_id     TEXT NOT NULL,
		signer     TEXT NOT NULL,
		decision   TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (doc_id, cmd_id, signer)
	);
	CREATE TABLE IF NOT EXISTS schedules (
		schedule_id    TEXT PRIMARY KEY,
		doc_id         TEXT NOT NULL,
		inner_command  TEXT NOT NULL,
		interval_hours INTEGER NOT NULL CHECK (interval_hours >= 1),
		next_run_at    INTEGER NOT NULL,
		last_run_at    INTEGER NOT NULL DEFAULT 0,
		total_runs     INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS schedule_runs (
		schedule_id TEXT NOT NULL,
		cmd_id      TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (schedule_id, cmd_id)
	);
	CREATE TABLE IF NOT EXISTS sessions (
		doc_id       TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		version      INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		last_signers TEXT NOT NULL DEFAULT '[]'
	);
	CREATE TABLE IF NOT EXISTS session_keys (
		doc_id            TEXT NOT NULL,
		signer            TEXT NOT NULL,
		public_key        TEXT NOT NULL,
		encrypted_private BLOB NOT NULL,
		expires_at        INTEGER NOT NULL,
		allowances_json   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (doc_id, signer)
	);
	CREATE TABLE IF NOT EXISTS custodial_wallets (
		doc_id    TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		address   TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS trades (
		doc_id           TEXT NOT NULL,
		pair             TEXT NOT NULL,
		side             TEXT NOT NULL,
		qty              TEXT NOT NULL,
		price            TEXT NOT NULL,
		notional         TEXT NOT NULL,
		fee_usd          TEXT NOT NULL DEFAULT '0',
		realised_pnl_usd TEXT NOT NULL DEFAULT '0',
		created_at       INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS counters (
		doc_id TEXT NOT NULL,
		name   TEXT NOT NULL,
		value  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (doc_id, name)
	);
	CREATE TABLE IF NOT EXISTS daily_spend (
		doc_id TEXT NOT NULL,
		day    TEXT NOT NULL,
		amount TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (doc_id, day)
	);
	CREATE TABLE IF NOT EXISTS doc_state (
		doc_id TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		PRIMARY KEY (doc_id, key)
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS consumed_tokens (
		jti        TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);
	`,
}

func (r *Repository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS _meta (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create _meta: %w", err)
	}

	var version int
	err := r.db.QueryRowContext(ctx, `SELECT version FROM _meta LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := r.db.ExecContext(ctx, `INSERT INTO _meta (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed _meta: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := version; v < len(migrations); v++ {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE _meta SET version = ?`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (r *Repository) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := r.db.QueryRowContext(ctx, `SELECT version FROM _meta LIMIT 1`).Scan(&v)
	return v, err
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// inTx runs fn inside an immediate transaction, rolling back on error.
func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
