package policy

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docwallet/dwagent/pkg/contracts"
)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func payout(amount string) *contracts.ParsedCommand {
	return &contracts.ParsedCommand{
		Kind:   contracts.KindPayout,
		Amount: amount,
		Asset:  "USDC",
		To:     "0x1111111111111111111111111111111111111101",
	}
}

func TestNilPolicyAllows(t *testing.T) {
	r := Evaluate(nil, payout("10"), Context{})
	assert.True(t, r.Allow)
}

func TestSingleTxCap(t *testing.T) {
	pol := &Policy{MaxSingleTxUsdc: "5"}
	r := Evaluate(pol, payout("10"), Context{})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "maxSingleTxUsdc")

	assert.True(t, Evaluate(pol, payout("5"), Context{}).Allow)
}

func TestDailyLimit(t *testing.T) {
	pol := &Policy{DailyLimitUsdc: "100"}
	assert.True(t, Evaluate(pol, payout("40"), Context{DailySpendUsd: "60"}).Allow)

	r := Evaluate(pol, payout("40.01"), Context{DailySpendUsd: "60"})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "dailyLimitUsdc")
}

func TestNotionalCap(t *testing.T) {
	pol := &Policy{MaxNotionalUsdc: "100"}
	order := &contracts.ParsedCommand{
		Kind: contracts.KindLimitBuy, Base: "SUI", Quote: "USDC",
		Qty: "100", Price: "1.25",
	}
	r := Evaluate(pol, order, Context{})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "maxNotionalUsdc")

	// Market orders have no placement price; the cap does not bind.
	market := &contracts.ParsedCommand{Kind: contracts.KindMarketBuy, Base: "SUI", Qty: "100000"}
	assert.True(t, Evaluate(pol, market, Context{}).Allow)
}

func TestAllowedPairs(t *testing.T) {
	pol := &Policy{AllowedPairs: []string{"SUI/USDC"}}
	ok := &contracts.ParsedCommand{Kind: contracts.KindLimitBuy, Base: "SUI", Quote: "USDC", Qty: "1", Price: "1"}
	assert.True(t, Evaluate(pol, ok, Context{}).Allow)

	bad := &contracts.ParsedCommand{Kind: contracts.KindLimitBuy, Base: "ETH", Quote: "USDC", Qty: "1", Price: "1"}
	r := Evaluate(pol, bad, Context{})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "allowedPairs")
}

func TestPayoutAllowlist(t *testing.T) {
	dest := "0x1111111111111111111111111111111111111101"
	pol := &Policy{PayoutAllowlist: []string{dest}}
	assert.True(t, Evaluate(pol, payout("1"), Context{}).Allow)

	other := payout("1")
	other.To = "0x2222222222222222222222222222222222222202"
	r := Evaluate(pol, other, Context{})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "payoutAllowlist")
}

func TestDenyCommands(t *testing.T) {
	pol := &Policy{DenyCommands: []string{"BRIDGE"}}
	bridge := &contracts.ParsedCommand{
		Kind: contracts.KindBridge, Amount: "10", Asset: "USDC",
		FromChain: contracts.ChainArc, ToChain: contracts.ChainSui,
	}
	r := Evaluate(pol, bridge, Context{})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "denyCommands")
}

func TestScheduleRules(t *testing.T) {
	inner := payout("1")
	sched := &contracts.ParsedCommand{Kind: contracts.KindSchedule, IntervalHours: 48, Inner: inner}

	pol := &Policy{SchedulingAllowed: boolPtr(false)}
	assert.False(t, Evaluate(pol, sched, Context{}).Allow)

	pol = &Policy{MaxScheduleIntervalHours: intPtr(24)}
	r := Evaluate(pol, sched, Context{})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "maxScheduleIntervalHours")
}

func TestBridgeRules(t *testing.T) {
	bridge := &contracts.ParsedCommand{
		Kind: contracts.KindBridge, Amount: "10", Asset: "USDC",
		FromChain: contracts.ChainArc, ToChain: contracts.ChainSui,
	}
	pol := &Policy{BridgeAllowed: boolPtr(false)}
	assert.False(t, Evaluate(pol, bridge, Context{}).Allow)

	pol = &Policy{AllowedChains: []string{"arc", "evm"}}
	r := Evaluate(pol, bridge, Context{})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "allowedChains")
}

func TestCELRule(t *testing.T) {
	pol := &Policy{Rule: `kind != "PAYOUT" || command.amount < 100.0`}
	assert.True(t, Evaluate(pol, payout("50"), Context{}).Allow)

	r := Evaluate(pol, payout("500"), Context{})
	require.False(t, r.Allow)
	assert.Contains(t, r.Reason, "rule")

	// A rule that fails to compile denies, never allows.
	broken := &Policy{Rule: `kind ==`}
	assert.False(t, Evaluate(broken, payout("1"), Context{}).Allow)
}

func TestParseRecord(t *testing.T) {
	pol, err := ParseRecord(`{"maxSingleTxUsdc":"50","denyCommands":["BRIDGE"]}`)
	require.NoError(t, err)
	assert.Equal(t, "50", pol.MaxSingleTxUsdc)

	_, err = ParseRecord(`{"maxSingleTxUsdc":50}`)
	assert.Error(t, err, "numeric limits must be decimal strings")

	_, err = ParseRecord(`{"unknownKnob":true}`)
	assert.Error(t, err, "unknown fields are rejected")

	_, err = ParseRecord(`not json`)
	assert.Error(t, err)
}

// Tightening a limit never turns a rejected command into an allowed one.
func TestMonotonicity(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	properties.Property("tightening maxSingleTxUsdc is monotone", prop.ForAll(
		func(amountCents, looseCents, tightCents uint32) bool {
			if tightCents > looseCents {
				looseCents, tightCents = tightCents, looseCents
			}
			cmd := payout(fmt.Sprintf("%d.%02d", amountCents/100, amountCents%100))
			loose := &Policy{MaxSingleTxUsdc: fmt.Sprintf("%d.%02d", looseCents/100, looseCents%100)}
			tight := &Policy{MaxSingleTxUsdc: fmt.Sprintf("%d.%02d", tightCents/100, tightCents%100)}

			looseRes := Evaluate(loose, cmd, Context{})
			tightRes := Evaluate(tight, cmd, Context{})
			// tight allows ⇒ loose allows
			return !tightRes.Allow || looseRes.Allow
		},
		gen.UInt32Range(1, 1_000_000),
		gen.UInt32Range(1, 1_000_000),
		gen.UInt32Range(1, 1_000_000),
	))

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(amountCents uint32) bool {
			cmd := payout(fmt.Sprintf("%d.%02d", amountCents/100, amountCents%100))
			pol := &Policy{MaxSingleTxUsdc: "5000", DailyLimitUsdc: "9000"}
			a := Evaluate(pol, cmd, Context{DailySpendUsd: "100"})
			b := Evaluate(pol, cmd, Context{DailySpendUsd: "100"})
			return a == b
		},
		gen.UInt32Range(1, 1_000_000),
	))

	properties.TestingRun(t)
}
