package contracts

import "encoding/json"

// CommandStatus is the command state machine's status field. Transitions are
// enforced by the repository's compare-and-swap; see store.Repository.
type CommandStatus string

const (
	StatusInvalid         CommandStatus = "INVALID"
	StatusRaw             CommandStatus = "RAW"
	StatusPendingApproval CommandStatus = "PENDING_APPROVAL"
	StatusApproved        CommandStatus = "APPROVED"
	StatusExecuting       CommandStatus = "EXECUTING"
	StatusExecuted        CommandStatus = "EXECUTED"
	StatusFailed          CommandStatus = "FAILED"
	StatusRejected        CommandStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case StatusInvalid, StatusExecuted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Decision is a signer's verdict on a pending command.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Document is a tracked collaborative document acting as a wallet surface.
// Addresses holds the derived per-chain deposit addresses.
type Document struct {
	DocID       string           `json:"docId"`
	DisplayName string           `json:"displayName"`
	CreatedAt   int64            `json:"createdAt"`
	Addresses   map[Chain]string `json:"addresses,omitempty"`
	PolicyName  string           `json:"policyName,omitempty"`
}

// Signer is a registered approver with a voting weight of at least 1.
type Signer struct {
	DocID   string `json:"docId"`
	Address string `json:"address"`
	Weight  int    `json:"weight"`
}

// Command is a persisted command row. ParsedJSON is nil exactly when the
// status is INVALID. Timestamps are unix-epoch milliseconds.
type Command struct {
	CmdID       string          `json:"cmdId"`
	DocID       string          `json:"docId"`
	RawText     string          `json:"rawText"`
	ParsedJSON  json.RawMessage `json:"parsed,omitempty"`
	ParseError  string          `json:"parseError,omitempty"`
	Status      CommandStatus   `json:"status"`
	ApprovalURL string          `json:"approvalUrl,omitempty"`
	ResultText  string          `json:"resultText,omitempty"`
	ErrorText   string          `json:"errorText,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
}

// Parsed decodes the stored parsed value, or nil for INVALID commands.
func (c *Command) Parsed() (*ParsedCommand, error) {
	if len(c.ParsedJSON) == 0 {
		return nil, nil
	}
	var p ParsedCommand
	if err := json.Unmarshal(c.ParsedJSON, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Approval is one signer's recorded decision, unique per
// (docId, cmdId, signer).
type Approval struct {
	DocID     string   `json:"docId"`
	CmdID     string   `json:"cmdId"`
	Signer    string   `json:"signer"`
	Decision  Decision `json:"decision"`
	CreatedAt int64    `json:"createdAt"`
}

// Tally is the running weighted sum of decisions for a command.
type Tally struct {
	ApproveWeight int `json:"approveWeight"`
	RejectWeight  int `json:"rejectWeight"`
	TotalWeight   int `json:"totalWeight"`
}

// ScheduleStatus is the lifecycle of a recurring command.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	ScheduleCancelled ScheduleStatus = "CANCELLED"
)

// Schedule is a stored recurring command. InnerCommand is the raw text that
// the scheduler re-submits through normal intake on every firing.
type Schedule struct {
	ScheduleID    string         `json:"scheduleId"`
	DocID         string         `json:"docId"`
	InnerCommand  string         `json:"innerCommand"`
	IntervalHours int            `json:"intervalHours"`
	NextRunAt     int64          `json:"nextRunAt"`
	LastRunAt     int64          `json:"lastRunAt,omitempty"`
	TotalRuns     int            `json:"totalRuns"`
	Status        ScheduleStatus `json:"status"`
}

// SessionStatus is the lifecycle of a state-channel session.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "OPEN"
	SessionClosed SessionStatus = "CLOSED"
)

// Session is a state-channel session bound to a document. Version increases
// monotonically with every attested off-chain message.
type Session struct {
	DocID       string        `json:"docId"`
	SessionID   string        `json:"sessionId"`
	Version     uint64        `json:"version"`
	Status      SessionStatus `json:"status"`
	LastSigners []string      `json:"lastSigners,omitempty"`
}

// SessionKey is a signer's delegated key-pair for attested approvals. The
// private half is stored encrypted and only unwrapped inside attestation
// calls.
type SessionKey struct {
	DocID            string `json:"docId"`
	Signer           string `json:"signer"`
	PublicKey        string `json:"publicKey"`
	EncryptedPrivate []byte `json:"-"`
	ExpiresAt        int64  `json:"expiresAt"`
	AllowancesJSON   string `json:"allowances,omitempty"`
}

// CustodialWallet is the opaque handle issued by the custodial-stablecoin
// provider for a document.
type CustodialWallet struct {
	DocID    string `json:"docId"`
	WalletID string `json:"walletId"`
	Address  string `json:"address"`
}

// Trade is an executed order appended to the trade history.
type Trade struct {
	DocID          string `json:"docId"`
	Pair           string `json:"pair"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
	Price          string `json:"price"`
	Notional       string `json:"notional"`
	FeeUsd         string `json:"feeUsd"`
	RealisedPnlUsd string `json:"realisedPnlUsd"`
	CreatedAt      int64  `json:"createdAt"`
}

// Well-known counter names. Counters are per-document monotonic integers.
const (
	CounterApprovalsTotal   = "approvals_total"
	CounterApprovalAvoided  = "approval_tx_avoided"
	CounterCommandsExecuted = "commands_executed"
)
