// Package policy evaluates declarative treasury policies. Evaluate is a pure
// function of (policy, command, context); the optional CEL rule is compiled
// ahead of time so evaluation itself never performs I/O.
package policy

import (
	"fmt"
	"strings"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

// Policy is the declarative record bound to a document, usually fetched from
// an on-chain name record. Absent fields impose no constraint.
type Policy struct {
	RequireApproval          *bool    `json:"requireApproval,omitempty"`
	MaxNotionalUsdc          string   `json:"maxNotionalUsdc,omitempty"`
	MaxSingleTxUsdc          string   `json:"maxSingleTxUsdc,omitempty"`
	DailyLimitUsdc           string   `json:"dailyLimitUsdc,omitempty"`
	AllowedPairs             []string `json:"allowedPairs,omitempty"`
	PayoutAllowlist          []string `json:"payoutAllowlist,omitempty"`
	DenyCommands             []string `json:"denyCommands,omitempty"`
	SchedulingAllowed        *bool    `json:"schedulingAllowed,omitempty"`
	MaxScheduleIntervalHours *int     `json:"maxScheduleIntervalHours,omitempty"`
	BridgeAllowed            *bool    `json:"bridgeAllowed,omitempty"`
	AllowedChains            []string `json:"allowedChains,omitempty"`

	// Rule is an optional CEL expression evaluated after the declarative
	// checks; it must yield a bool, and false (or any error) denies.
	Rule string `json:"rule,omitempty"`
}

// ApprovalRequired reports whether the quorum gate applies under this policy.
// A nil policy requires approval.
func (p *Policy) ApprovalRequired() bool {
	if p == nil || p.RequireApproval == nil {
		return true
	}
	return *p.RequireApproval
}

// Context carries the only ambient input the evaluator sees.
type Context struct {
	DailySpendUsd string `json:"dailySpendUsd"`
}

// Result is the evaluator's verdict.
type Result struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

func deny(reason string) Result { return Result{Allow: false, Reason: reason} }

var allowed = Result{Allow: true, Reason: "allowed"}

// Evaluate applies the declarative checks in a fixed order and then the
// compiled CEL rule, if any. It is deterministic and side-effect free.
func Evaluate(pol *Policy, cmd *contracts.ParsedCommand, evalCtx Context) Result {
	if pol == nil {
		return allowed
	}
	for _, denied := range pol.DenyCommands {
		if denied == string(cmd.Kind) {
			return deny(fmt.Sprintf("denyCommands: %s is denied by policy", cmd.Kind))
		}
	}

	switch cmd.Kind {
	case contracts.KindLimitBuy, contracts.KindLimitSell,
		contracts.KindMarketBuy, contracts.KindMarketSell,
		contracts.KindStopLoss, contracts.KindTakeProfit:
		if r := checkOrder(pol, cmd); !r.Allow {
			return r
		}
	case contracts.KindPayout, contracts.KindPayoutSplit:
		if r := checkSpend(pol, cmd.Amount, evalCtx); !r.Allow {
			return r
		}
		if r := checkPayoutDestinations(pol, cmd); !r.Allow {
			return r
		}
	case contracts.KindYellowSend:
		if r := checkSpend(pol, cmd.Amount, evalCtx); !r.Allow {
			return r
		}
	case contracts.KindBridge, contracts.KindRebalance:
		if r := checkSpend(pol, cmd.Amount, evalCtx); !r.Allow {
			return r
		}
		if r := checkBridge(pol, cmd); !r.Allow {
			return r
		}
	case contracts.KindSchedule:
		if pol.SchedulingAllowed != nil && !*pol.SchedulingAllowed {
			return deny("schedulingAllowed: scheduling is disabled by policy")
		}
		if pol.MaxScheduleIntervalHours != nil && cmd.IntervalHours > *pol.MaxScheduleIntervalHours {
			return deny(fmt.Sprintf("maxScheduleIntervalHours: interval %dh exceeds limit %dh",
				cmd.IntervalHours, *pol.MaxScheduleIntervalHours))
		}
	}

	return evaluateRule(pol, cmd, evalCtx)
}

// checkOrder enforces maxNotionalUsdc and allowedPairs for order variants.
// Market orders carry no price until execution, so the notional cap binds
// only where a limit or trigger price is present.
func checkOrder(pol *Policy, cmd *contracts.ParsedCommand) Result {
	if pol.MaxNotionalUsdc != "" && cmd.Price != "" {
		limit, err := finance.Parse(pol.MaxNotionalUsdc)
		if err != nil {
			return deny("maxNotionalUsdc: malformed policy limit")
		}
		qty := finance.MustParse(cmd.Qty)
		price := finance.MustParse(cmd.Price)
		if qty.Mul(price).Cmp(limit) > 0 {
			return deny(fmt.Sprintf("maxNotionalUsdc: notional %s exceeds limit %s",
				qty.Mul(price), pol.MaxNotionalUsdc))
		}
	}
	if len(pol.AllowedPairs) > 0 {
		pair := cmd.Pair()
		if pair == "" && cmd.Asset != "" {
			pair = cmd.Asset + "/USDC"
		}
		if !contains(pol.AllowedPairs, pair) {
			return deny(fmt.Sprintf("allowedPairs: %s is not an allowed pair", pair))
		}
	}
	return allowed
}

// checkSpend enforces maxSingleTxUsdc and dailyLimitUsdc for fund movements.
func checkSpend(pol *Policy, amount string, evalCtx Context) Result {
	amt, err := finance.Parse(amount)
	if err != nil {
		return deny("malformed command amount")
	}
	if pol.MaxSingleTxUsdc != "" {
		limit, err := finance.Parse(pol.MaxSingleTxUsdc)
		if err != nil {
			return deny("maxSingleTxUsdc: malformed policy limit")
		}
		if amt.Cmp(limit) > 0 {
			return deny(fmt.Sprintf("maxSingleTxUsdc: amount %s exceeds limit %s",
				amount, pol.MaxSingleTxUsdc))
		}
	}
	if pol.DailyLimitUsdc != "" {
		limit, err := finance.Parse(pol.DailyLimitUsdc)
		if err != nil {
			return deny("dailyLimitUsdc: malformed policy limit")
		}
		spent := finance.Zero
		if evalCtx.DailySpendUsd != "" {
			if spent, err = finance.Parse(evalCtx.DailySpendUsd); err != nil {
				return deny("dailyLimitUsdc: malformed daily spend")
			}
		}
		if spent.Add(amt).Cmp(limit) > 0 {
			return deny(fmt.Sprintf("dailyLimitUsdc: spend %s + %s exceeds limit %s",
				spent, amount, pol.DailyLimitUsdc))
		}
	}
	return allowed
}

func checkPayoutDestinations(pol *Policy, cmd *contracts.ParsedCommand) Result {
	if len(pol.PayoutAllowlist) == 0 {
		return allowed
	}
	allow := make([]string, len(pol.PayoutAllowlist))
	for i, a := range pol.PayoutAllowlist {
		allow[i] = strings.ToLower(a)
	}
	dests := []string{}
	if cmd.To != "" {
		dests = append(dests, cmd.To)
	}
	for _, s := range cmd.Splits {
		dests = append(dests, s.To)
	}
	for _, d := range dests {
		if !contains(allow, strings.ToLower(d)) {
			return deny(fmt.Sprintf("payoutAllowlist: destination %s is not allow-listed", d))
		}
	}
	return allowed
}

func checkBridge(pol *Policy, cmd *contracts.ParsedCommand) Result {
	if pol.BridgeAllowed != nil && !*pol.BridgeAllowed {
		return deny("bridgeAllowed: bridging is disabled by policy")
	}
	if len(pol.AllowedChains) > 0 {
		for _, endpoint := range []contracts.Chain{cmd.FromChain, cmd.ToChain} {
			if !contains(pol.AllowedChains, string(endpoint)) {
				return deny(fmt.Sprintf("allowedChains: chain %s is not allowed", endpoint))
			}
		}
	}
	return allowed
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
