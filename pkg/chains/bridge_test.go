package chains

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

type fakeEvm struct{ transfers []string }

func (f *fakeEvm) TransferStable(_ context.Context, _ KeyHandle, to string, amount finance.Amount) (string, error) {
	f.transfers = append(f.transfers, to+":"+amount.String())
	return "0xdeposit", nil
}
func (f *fakeEvm) GetBalances(context.Context, string) (EvmBalances, error) {
	return EvmBalances{}, nil
}
func (f *fakeEvm) SendTransaction(context.Context, KeyHandle, TxRequest) (string, error) {
	return "", nil
}
func (f *fakeEvm) SignMessage(context.Context, KeyHandle, []byte) ([]byte, error) {
	return nil, nil
}

type fakeSui struct{ transfers []string }

func (f *fakeSui) TransferCoin(_ context.Context, _ KeyHandle, to string, amount finance.Amount) (string, error) {
	f.transfers = append(f.transfers, to+":"+amount.String())
	return "suidigest", nil
}
func (f *fakeSui) GetBalances(context.Context, string) (SuiBalances, error) {
	return SuiBalances{}, nil
}

type fakeCustodial struct {
	bridges []string
}

func (f *fakeCustodial) EnsureWallet(context.Context, string) (Wallet, error) {
	return Wallet{WalletID: "w-1", Address: "0xcustody"}, nil
}
func (f *fakeCustodial) Payout(context.Context, string, string, finance.Amount) (Payout, error) {
	return Payout{}, nil
}
func (f *fakeCustodial) Bridge(_ context.Context, walletID string, dest contracts.Chain, to string, amount finance.Amount) (Payout, error) {
	f.bridges = append(f.bridges, walletID+":"+string(dest)+":"+to+":"+amount.String())
	return Payout{ProviderTxID: "tx-1", State: "COMPLETE"}, nil
}

func TestRoutesEnumeratesSixOrderedPairs(t *testing.T) {
	routes := Routes()
	assert.Len(t, routes, 6)
	seen := map[Route]bool{}
	for _, r := range routes {
		assert.NotEqual(t, r.From, r.To)
		assert.False(t, seen[r], "duplicate route %v", r)
		seen[r] = true
	}
}

func TestBridgeFromEvmDepositsThenBridges(t *testing.T) {
	evm, sui, cust := &fakeEvm{}, &fakeSui{}, &fakeCustodial{}
	router := &Router{Evm: evm, Sui: sui, Custodial: cust}

	res, err := router.Bridge(context.Background(), BridgeRequest{
		DocID: "doc-1", From: contracts.ChainEVM, To: contracts.ChainSui,
		Dest: "0xabc", Amount: finance.MustParse("25"),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xdeposit", res.DepositRef)
	assert.Equal(t, "tx-1", res.ProviderTxID)
	assert.Equal(t, []string{"0xcustody:25"}, evm.transfers)
	assert.Equal(t, []string{"w-1:sui:0xabc:25"}, cust.bridges)
	assert.Empty(t, sui.transfers)
}

func TestBridgeFromArcSkipsDepositLeg(t *testing.T) {
	evm, sui, cust := &fakeEvm{}, &fakeSui{}, &fakeCustodial{}
	router := &Router{Evm: evm, Sui: sui, Custodial: cust}

	res, err := router.Bridge(context.Background(), BridgeRequest{
		DocID: "doc-1", From: contracts.ChainArc, To: contracts.ChainEVM,
		Dest: "0xabc", Amount: finance.MustParse("10"),
	})
	require.NoError(t, err)
	assert.Empty(t, res.DepositRef)
	assert.Empty(t, evm.transfers)
	assert.Len(t, cust.bridges, 1)
}

func TestBridgeRejectsSameEndpoints(t *testing.T) {
	router := &Router{Evm: &fakeEvm{}, Sui: &fakeSui{}, Custodial: &fakeCustodial{}}
	_, err := router.Bridge(context.Background(), BridgeRequest{
		From: contracts.ChainEVM, To: contracts.ChainEVM,
		Amount: finance.MustParse("1"),
	})
	assert.Error(t, err)
}
