package chains

import (
	"context"
	"fmt"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

// Route is one ordered chain pair a bridge can traverse.
type Route struct {
	From contracts.Chain
	To   contracts.Chain
}

// Routes enumerates the six ordered pairs between the chain families.
func Routes() []Route {
	all := contracts.Chains()
	var out []Route
	for _, from := range all {
		for _, to := range all {
			if from != to {
				out = append(out, Route{From: from, To: to})
			}
		}
	}
	return out
}

// BridgeRequest is one cross-chain stable transfer.
type BridgeRequest struct {
	DocID     string
	From      contracts.Chain
	To        contracts.Chain
	Dest      string // destination address on the To chain
	Amount    finance.Amount
	SourceKey KeyHandle // wallet key on the From chain, unused for arc
}

// BridgeResult reports the legs a bridge took.
type BridgeResult struct {
	DepositRef   string // on-chain leg into the custodial wallet, if any
	ProviderTxID string
	OnChainRef   string
	State        string
}

// Router executes bridges by composing the underlying clients. Every route
// funnels through the custodial provider: the arc family IS the provider,
// and evm/sui legs first deposit into the document's custodial wallet.
// It is derived state, not a transport of its own.
type Router struct {
	Evm       EvmClient
	Sui       SuiClient
	Custodial CustodialStableClient
}

// Bridge moves amount USDC from req.From to req.Dest on req.To.
func (r *Router) Bridge(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	if req.From == req.To {
		return BridgeResult{}, fmt.Errorf("bridge endpoints must differ, got %s", req.From)
	}

	wallet, err := r.Custodial.EnsureWallet(ctx, req.DocID)
	if err != nil {
		return BridgeResult{}, fmt.Errorf("ensure custodial wallet: %w", err)
	}

	var result BridgeResult
	switch req.From {
	case contracts.ChainArc:
		// Already custodial; one provider call.
	case contracts.ChainEVM:
		ref, err := r.Evm.TransferStable(ctx, req.SourceKey, wallet.Address, req.Amount)
		if err != nil {
			return BridgeResult{}, fmt.Errorf("evm deposit leg: %w", err)
		}
		result.DepositRef = ref
	case contracts.ChainSui:
		digest, err := r.Sui.TransferCoin(ctx, req.SourceKey, wallet.Address, req.Amount)
		if err != nil {
			return BridgeResult{}, fmt.Errorf("sui deposit leg: %w", err)
		}
		result.DepositRef = digest
	default:
		return BridgeResult{}, fmt.Errorf("unknown source chain %q", req.From)
	}

	payout, err := r.Custodial.Bridge(ctx, wallet.WalletID, req.To, req.Dest, req.Amount)
	if err != nil {
		return BridgeResult{}, fmt.Errorf("custodial bridge leg: %w", err)
	}
	result.ProviderTxID = payout.ProviderTxID
	result.OnChainRef = payout.OnChainRef
	result.State = payout.State
	return result, nil
}
