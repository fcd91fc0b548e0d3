package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// UpsertDocument inserts a newly discovered document or refreshes its
// display name and derived addresses.
func (r *Repository) UpsertDocument(ctx context.Context, doc *contracts.Document) error {
	addrs, err := json.Marshal(doc.Addresses)
	if err != nil {
		return fmt.Errorf("marshal addresses: %w", err)
	}
	createdAt := doc.CreatedAt
	if createdAt == 0 {
		createdAt = nowMillis()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, display_name, created_at, addresses, policy_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET
			display_name = excluded.display_name,
			addresses    = excluded.addresses,
			policy_name  = excluded.policy_name`,
		doc.DocID, doc.DisplayName, createdAt, string(addrs), doc.PolicyName)
	return err
}

// GetDocument returns ErrNotFound for unknown ids.
func (r *Repository) GetDocument(ctx context.Context, docID string) (*contracts.Document, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT doc_id, display_name, created_at, addresses, policy_name
		FROM documents WHERE doc_id = ?`, docID)
	return scanDocument(row)
}

// ListDocuments returns all tracked documents ordered by creation time.
func (r *Repository) ListDocuments(ctx context.Context) ([]*contracts.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT doc_id, display_name, created_at, addresses, policy_name
		FROM documents ORDER BY created_at, doc_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []*contracts.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDocument(row rowScanner) (*contracts.Document, error) {
	var (
		doc   contracts.Document
		addrs string
	)
	err := row.Scan(&doc.DocID, &doc.DisplayName, &doc.CreatedAt, &addrs, &doc.PolicyName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(addrs), &doc.Addresses); err != nil {
		return nil, fmt.Errorf("decode addresses: %w", err)
	}
	return &doc, nil
}

// SetPolicyName binds a named policy record to the document.
func (r *Repository) SetPolicyName(ctx context.Context, docID, name string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET policy_name = ? WHERE doc_id = ?`, name, docID)
	return err
}

// PutDocumentSecrets stores the encrypted per-document wallet keys. The
// blob is opaque here; pkg/keys owns the cipher.
func (r *Repository) PutDocumentSecrets(ctx context.Context, docID string, ciphertext []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO document_secrets (doc_id, ciphertext) VALUES (?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET ciphertext = excluded.ciphertext`,
		docID, ciphertext)
	return err
}

// GetDocumentSecrets returns the encrypted wallet-key blob.
func (r *Repository) GetDocumentSecrets(ctx context.Context, docID string) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM document_secrets WHERE doc_id = ?`, docID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return blob, err
}

// UpsertSigner registers a signer or updates its weight.
func (r *Repository) UpsertSigner(ctx context.Context, s *contracts.Signer) error {
	if s.Weight < 1 {
		return fmt.Errorf("signer weight must be >= 1")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signers (doc_id, address, weight) VALUES (?, ?, ?)
		ON CONFLICT (doc_id, address) DO UPDATE SET weight = excluded.weight`,
		s.DocID, s.Address, s.Weight)
	return err
}

// ListSigners returns the registered signers for a document.
func (r *Repository) ListSigners(ctx context.Context, docID string) ([]*contracts.Signer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT doc_id, address, weight FROM signers WHERE doc_id = ? ORDER BY address`, docID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var signers []*contracts.Signer
	for rows.Next() {
		var s contracts.Signer
		if err := rows.Scan(&s.DocID, &s.Address, &s.Weight); err != nil {
			return nil, err
		}
		signers = append(signers, &s)
	}
	return signers, rows.Err()
}

// SetQuorum stores the minimum approval weight for a document.
func (r *Repository) SetQuorum(ctx context.Context, docID string, quorum int) error {
	if quorum < 1 {
		return fmt.Errorf("quorum must be >= 1")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quorum_settings (doc_id, quorum) VALUES (?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET quorum = excluded.quorum`,
		docID, quorum)
	return err
}

// GetQuorum returns the configured quorum, defaulting to 1.
func (r *Repository) GetQuorum(ctx context.Context, docID string) (int, error) {
	var q int
	err := r.db.QueryRowContext(ctx,
		`SELECT quorum FROM quorum_settings WHERE doc_id = ?`, docID).Scan(&q)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	return q, err
}
