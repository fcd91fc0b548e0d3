// Package chains defines the small client interfaces the executor consumes,
// one per chain family, plus the bridge route table. Concrete clients live
// in the subpackages; the executor never imports a transport directly.
package chains

import (
	"context"
	"errors"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

// Transient marks a failure the executor may retry (timeout, 5xx).
// Anything else is classified and final for the attempt.
var Transient = errors.New("chains: transient failure")

// KeyHandle references decrypted key material for the duration of one
// signing call. Clients must not retain it.
type KeyHandle struct {
	PrivateKeyHex string
}

// EvmBalances is a native + stable token snapshot.
type EvmBalances struct {
	Native finance.Amount
	Stable finance.Amount
}

// TxRequest is a raw transaction passed through from DW TX.
type TxRequest struct {
	To       string `json:"to"`
	ValueWei string `json:"value,omitempty"`
	Data     string `json:"data,omitempty"`
	GasLimit uint64 `json:"gasLimit,omitempty"`
}

// EvmClient covers stable transfers, raw sends and message signing on the
// EVM family.
type EvmClient interface {
	TransferStable(ctx context.Context, key KeyHandle, to string, amount finance.Amount) (txRef string, err error)
	GetBalances(ctx context.Context, address string) (EvmBalances, error)
	SendTransaction(ctx context.Context, key KeyHandle, req TxRequest) (txRef string, err error)
	SignMessage(ctx context.Context, key KeyHandle, msg []byte) (sig []byte, err error)
}

// SuiBalances lists the native balance plus every stable coin type held.
type SuiBalances struct {
	Native      finance.Amount
	StableCoins []SuiCoinBalance
}

type SuiCoinBalance struct {
	CoinType string
	Balance  finance.Amount
}

// SuiClient covers coin transfers and balance reads on Sui.
type SuiClient interface {
	TransferCoin(ctx context.Context, key KeyHandle, to string, amount finance.Amount) (digest string, err error)
	GetBalances(ctx context.Context, address string) (SuiBalances, error)
}

// OrderRef is the result of an order-book submission.
type OrderRef struct {
	Digest    string
	OrderID   string
	ManagerID string
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Bid finance.Amount
	Ask finance.Amount
	Mid finance.Amount
}

// OpenOrder is one resting order.
type OpenOrder struct {
	OrderID   string
	Side      string
	Price     finance.Amount
	Qty       finance.Amount
	Status    string
	UpdatedAt int64
}

// OrderBookClient covers the on-chain CLOB used for LIMIT/MARKET commands.
type OrderBookClient interface {
	PlaceLimit(ctx context.Context, key KeyHandle, pair, side string, qty, price finance.Amount) (OrderRef, error)
	PlaceMarket(ctx context.Context, key KeyHandle, pair, side string, qty finance.Amount) (OrderRef, error)
	Cancel(ctx context.Context, key KeyHandle, pair, orderID string) (OrderRef, error)
	Settle(ctx context.Context, key KeyHandle) (OrderRef, error)
	Deposit(ctx context.Context, key KeyHandle, asset string, qty finance.Amount) (OrderRef, error)
	Withdraw(ctx context.Context, key KeyHandle, asset string, qty finance.Amount) (OrderRef, error)
	MidPrice(ctx context.Context, pair string) (Quote, error)
	OpenOrders(ctx context.Context, address, pair string) ([]OpenOrder, error)
}

// Payout is the provider's view of a custodial transfer.
type Payout struct {
	ProviderTxID string
	OnChainRef   string
	State        string
}

// Wallet is a provisioned custodial wallet.
type Wallet struct {
	WalletID string
	Address  string
}

// CustodialStableClient covers the custodial-stablecoin provider used for
// PAYOUT and the arc leg of BRIDGE.
type CustodialStableClient interface {
	EnsureWallet(ctx context.Context, docID string) (Wallet, error)
	Payout(ctx context.Context, walletID, to string, amount finance.Amount) (Payout, error)
	Bridge(ctx context.Context, walletID string, dest contracts.Chain, to string, amount finance.Amount) (Payout, error)
}

// Allocation funds one participant of a state-channel session.
type Allocation struct {
	Participant string
	Asset       string
	Amount      finance.Amount
}

// Settlement is the on-chain reference produced by closing a session.
type Settlement struct {
	SettlementRef string
}

// StateChannelClient covers session lifecycle and attested off-chain state.
type StateChannelClient interface {
	OpenSession(ctx context.Context, signers []string, allocations []Allocation) (sessionID string, err error)
	SubmitAppState(ctx context.Context, sessionID string, version uint64, intent string, payload []byte, quorumSigs []string) (newVersion uint64, err error)
	SendOffChain(ctx context.Context, sessionID, to string, amount finance.Amount) (newVersion uint64, err error)
	CloseSession(ctx context.Context, sessionID string) (Settlement, error)
	AuthRequest(ctx context.Context, address string) (challenge string, err error)
	AuthVerify(ctx context.Context, challenge, signature string) error
}

// NameResolver reads text records from the on-chain name service.
// Implementations cache with a short TTL.
type NameResolver interface {
	ResolveTextRecord(ctx context.Context, name, key string) (string, error)
}

// ErrNoRecord is returned by NameResolver when the record is absent, as
// opposed to a lookup failure.
var ErrNoRecord = errors.New("chains: no such text record")
