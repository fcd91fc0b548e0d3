package contracts

// CommandKind discriminates the parsed command union. The values double as
// the names matched by a policy's denyCommands list, so they are stable.
type CommandKind string

const (
	KindSetup          CommandKind = "SETUP"
	KindStatus         CommandKind = "STATUS"
	KindQuorum         CommandKind = "QUORUM"
	KindSignerAdd      CommandKind = "SIGNER_ADD"
	KindSessionCreate  CommandKind = "SESSION_CREATE"
	KindSessionStatus  CommandKind = "SESSION_STATUS"
	KindSessionClose   CommandKind = "SESSION_CLOSE"
	KindYellowSend     CommandKind = "YELLOW_SEND"
	KindLimitBuy       CommandKind = "LIMIT_BUY"
	KindLimitSell      CommandKind = "LIMIT_SELL"
	KindMarketBuy      CommandKind = "MARKET_BUY"
	KindMarketSell     CommandKind = "MARKET_SELL"
	KindCancelOrder    CommandKind = "CANCEL_ORDER"
	KindSettle         CommandKind = "SETTLE"
	KindDeposit        CommandKind = "DEPOSIT"
	KindWithdraw       CommandKind = "WITHDRAW"
	KindPrice          CommandKind = "PRICE"
	KindTradeHistory   CommandKind = "TRADE_HISTORY"
	KindStopLoss       CommandKind = "STOP_LOSS"
	KindTakeProfit     CommandKind = "TAKE_PROFIT"
	KindPayout         CommandKind = "PAYOUT"
	KindPayoutSplit    CommandKind = "PAYOUT_SPLIT"
	KindBridge         CommandKind = "BRIDGE"
	KindTreasury       CommandKind = "TREASURY"
	KindRebalance      CommandKind = "REBALANCE"
	KindSweepYield     CommandKind = "SWEEP_YIELD"
	KindPolicyENS      CommandKind = "POLICY_ENS"
	KindConnect        CommandKind = "CONNECT"
	KindTx             CommandKind = "TX"
	KindSign           CommandKind = "SIGN"
	KindSchedule       CommandKind = "SCHEDULE"
	KindCancelSchedule CommandKind = "CANCEL_SCHEDULE"
	KindAutoRebalance  CommandKind = "AUTO_REBALANCE"
	KindAlert          CommandKind = "ALERT"
)

// ReadOnly reports whether a command only reads state. Read-only commands
// skip the quorum gate: they cannot move funds and their output is a report.
func (k CommandKind) ReadOnly() bool {
	switch k {
	case KindStatus, KindPrice, KindTradeHistory, KindTreasury, KindSessionStatus:
		return true
	}
	return false
}

// Split is one destination of a PAYOUT_SPLIT. Percentages across a command
// must sum to exactly 100.
type Split struct {
	To  string `json:"to"`
	Pct int    `json:"pct"`
}

// ParsedCommand is the tagged value produced by the command grammar. Kind
// selects which fields are meaningful; unused fields stay zero. Keeping the
// union flat keeps it trivially serialisable into the command row's
// parsedValue column.
type ParsedCommand struct {
	Kind CommandKind `json:"kind"`

	// Monetary / order fields. Amounts are canonical decimal strings.
	Amount string `json:"amount,omitempty"`
	Asset  string `json:"asset,omitempty"`
	Qty    string `json:"qty,omitempty"`
	Price  string `json:"price,omitempty"`
	Base   string `json:"base,omitempty"`
	Quote  string `json:"quote,omitempty"`

	// Destinations and chain endpoints.
	To        string  `json:"to,omitempty"`
	Splits    []Split `json:"splits,omitempty"`
	FromChain Chain   `json:"fromChain,omitempty"`
	ToChain   Chain   `json:"toChain,omitempty"`

	// Governance fields.
	Quorum int    `json:"quorum,omitempty"`
	Weight int    `json:"weight,omitempty"`
	Name   string `json:"name,omitempty"`

	// Order-book and schedule references.
	OrderID    string `json:"orderId,omitempty"`
	ScheduleID string `json:"scheduleId,omitempty"`

	// Raw payloads: WalletConnect URI for CONNECT, JSON for TX / SIGN.
	URI     string `json:"uri,omitempty"`
	Payload string `json:"payload,omitempty"`

	// SCHEDULE wrapper. Inner is never itself a SCHEDULE.
	IntervalHours int            `json:"intervalHours,omitempty"`
	Inner         *ParsedCommand `json:"inner,omitempty"`

	// AUTO_REBALANCE toggle.
	Enabled bool `json:"enabled,omitempty"`
}

// Pair returns the trading pair in BASE/QUOTE notation for order commands.
func (p *ParsedCommand) Pair() string {
	if p.Base == "" {
		return ""
	}
	quote := p.Quote
	if quote == "" {
		quote = "USDC"
	}
	return p.Base + "/" + quote
}
