// Package adapter is the narrow capability the engine uses to read and
// write the collaborative document: typed table rows with stable indices,
// appended and patched best-effort. Implementations own their transport;
// the engine only sees Transient vs Permanent failures.
package adapter

import (
	"context"
	"errors"
)

// Classified failure kinds. A Transient error is retryable (rate limit,
// index drift); a Permanent one (missing table, revoked credential) is not.
var (
	ErrTransient = errors.New("adapter: transient failure")
	ErrPermanent = errors.New("adapter: permanent failure")
)

// DocumentRef identifies one visible document.
type DocumentRef struct {
	DocID       string
	DisplayName string
}

// Rows carry their table index so updates survive concurrent edits by
// humans; an implementation re-resolves indices on drift.
type ConfigRow struct {
	Index int
	Key   string
	Value string
}

type CommandRow struct {
	Index       int
	CmdID       string
	Raw         string
	Status      string
	ApprovalURL string
	Result      string
	Error       string
}

type BalanceRow struct {
	Index    int
	Location string
	Asset    string
	Balance  string
}

type AuditRow struct {
	Index     int
	Timestamp string
	Message   string
}

type ActivityRow struct {
	Index     int
	Timestamp string
	Type      string
	Details   string
	TxRef     string
}

type OrderRow struct {
	Index     int
	OrderID   string
	Side      string
	Price     string
	Qty       string
	Status    string
	UpdatedAt string
	Tx        string
}

type SessionRow struct {
	Index     int
	SessionID string
	PeerName  string
	Chains    string
	CreatedAt string
	Status    string
}

type ChatRow struct {
	Index int
	User  string
	Agent string
}

// Tables is one consistent read of a document's tables.
type Tables struct {
	Config   []ConfigRow
	Commands []CommandRow
	Balances []BalanceRow
	Audit    []AuditRow
	Activity []ActivityRow
	Orders   []OrderRow
	Sessions []SessionRow
	Chat     []ChatRow
}

// CommandPatch is a partial update to a command row; nil fields are left
// untouched.
type CommandPatch struct {
	Status      *string
	ApprovalURL *string
	Result      *string
	Error       *string
}

// ConfigEntry is one key/value write in a config batch.
type ConfigEntry struct {
	Key   string
	Value string
}

// Adapter is the document-table contract.
type Adapter interface {
	ListTrackedDocuments(ctx context.Context) ([]DocumentRef, error)
	LoadTables(ctx context.Context, docID string) (*Tables, error)
	AppendCommandRow(ctx context.Context, docID string, row CommandRow) error
	UpdateCommandRow(ctx context.Context, docID string, rowIndex int, patch CommandPatch) error
	AppendAuditRow(ctx context.Context, docID, timestampISO, message string) error
	AppendActivityRow(ctx context.Context, docID, timestampISO, kind, details, txRef string) error
	WriteConfigBatch(ctx context.Context, docID string, entries []ConfigEntry) error
	WriteBalancesSnapshot(ctx context.Context, docID string, rows []BalanceRow) error
	WriteOpenOrders(ctx context.Context, docID string, rows []OrderRow) error
	AppendChatReply(ctx context.Context, docID string, rowIndex int, reply string) error
}
