package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// PutSession stores or replaces the document's state-channel session.
func (r *Repository) PutSession(ctx context.Context, s *contracts.Session) error {
	signers, err := json.Marshal(s.LastSigners)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (doc_id, session_id, version, status, last_signers)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET
			session_id   = excluded.session_id,
			version      = excluded.version,
			status       = excluded.status,
			last_signers = excluded.last_signers`,
		s.DocID, s.SessionID, s.Version, string(s.Status), string(signers))
	return err
}

// GetSession returns ErrNotFound when the document has no session.
func (r *Repository) GetSession(ctx context.Context, docID string) (*contracts.Session, error) {
	var (
		s       contracts.Session
		status  string
		signers string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT doc_id, session_id, version, status, last_signers
		FROM sessions WHERE doc_id = ?`, docID).
		Scan(&s.DocID, &s.SessionID, &s.Version, &status, &signers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = contracts.SessionStatus(status)
	if err := json.Unmarshal([]byte(signers), &s.LastSigners); err != nil {
		return nil, fmt.Errorf("decode last signers: %w", err)
	}
	return &s, nil
}

// AdvanceSessionVersion bumps the session to exactly version+1 and records
// the attesting signers. The guard on the current version keeps the bump
// monotonic under concurrent executors.
func (r *Repository) AdvanceSessionVersion(ctx context.Context, docID string, fromVersion uint64, signers []string) (bool, error) {
	encoded, err := json.Marshal(signers)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET version = version + 1, last_signers = ?
		WHERE doc_id = ? AND version = ? AND status = ?`,
		string(encoded), docID, fromVersion, string(contracts.SessionOpen))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CloseSession marks the session CLOSED.
func (r *Repository) CloseSession(ctx context.Context, docID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE doc_id = ?`,
		string(contracts.SessionClosed), docID)
	return err
}

// PutSessionKey stores a signer's delegated key, replacing any previous one.
func (r *Repository) PutSessionKey(ctx context.Context, k *contracts.SessionKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_keys (doc_id, signer, public_key, encrypted_private, expires_at, allowances_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (doc_id, signer) DO UPDATE SET
			public_key        = excluded.public_key,
			encrypted_private = excluded.encrypted_private,
			expires_at        = excluded.expires_at,
			allowances_json   = excluded.allowances_json`,
		k.DocID, k.Signer, k.PublicKey, k.EncryptedPrivate, k.ExpiresAt, k.AllowancesJSON)
	return err
}

// GetSessionKey returns ErrNotFound when the signer has no delegated key.
func (r *Repository) GetSessionKey(ctx context.Context, docID, signer string) (*contracts.SessionKey, error) {
	var k contracts.SessionKey
	err := r.db.QueryRowContext(ctx, `
		SELECT doc_id, signer, public_key, encrypted_private, expires_at, allowances_json
		FROM session_keys WHERE doc_id = ? AND signer = ?`, docID, signer).
		Scan(&k.DocID, &k.Signer, &k.PublicKey, &k.EncryptedPrivate, &k.ExpiresAt, &k.AllowancesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ConsumeToken records a single-use token id. The first call for a jti
// returns true; any later call returns false. Rows past their expiry are
// pruned on the way in, so the table stays bounded by the token TTL.
func (r *Repository) ConsumeToken(ctx context.Context, jti string, expiresAt int64) (bool, error) {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM consumed_tokens WHERE expires_at < ?`, nowMillis()); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO consumed_tokens (jti, expires_at) VALUES (?, ?)
		ON CONFLICT (jti) DO NOTHING`, jti, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PutCustodialWallet stores the provider wallet handle for a document.
func (r *Repository) PutCustodialWallet(ctx context.Context, w *contracts.CustodialWallet) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO custodial_wallets (doc_id, wallet_id, address) VALUES (?, ?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET
			wallet_id = excluded.wallet_id,
			address   = excluded.address`,
		w.DocID, w.WalletID, w.Address)
	return err
}

// GetCustodialWallet returns ErrNotFound when no wallet has been provisioned.
func (r *Repository) GetCustodialWallet(ctx context.Context, docID string) (*contracts.CustodialWallet, error) {
	var w contracts.CustodialWallet
	err := r.db.QueryRowContext(ctx, `
		SELECT doc_id, wallet_id, address FROM custodial_wallets WHERE doc_id = ?`, docID).
		Scan(&w.DocID, &w.WalletID, &w.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
