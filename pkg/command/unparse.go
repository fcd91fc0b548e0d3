package command

import (
	"fmt"
	"strings"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// Unparse renders the canonical text for a parsed command, including the DW
// prefix. Parse(Unparse(p)) yields a value equal to p for every command the
// parser accepts.
func Unparse(p *contracts.ParsedCommand) string {
	body := unparseBody(p)
	if body == "" {
		return Prefix + " " + string(p.Kind)
	}
	return Prefix + " " + body
}

func unparseBody(p *contracts.ParsedCommand) string {
	switch p.Kind {
	case contracts.KindSetup, contracts.KindStatus, contracts.KindTreasury,
		contracts.KindSettle, contracts.KindPrice, contracts.KindTradeHistory,
		contracts.KindSweepYield, contracts.KindSessionCreate,
		contracts.KindSessionStatus, contracts.KindSessionClose:
		return string(p.Kind)
	case contracts.KindQuorum:
		return fmt.Sprintf("QUORUM %d", p.Quorum)
	case contracts.KindSignerAdd:
		return fmt.Sprintf("SIGNER_ADD %s WEIGHT %d", p.To, p.Weight)
	case contracts.KindYellowSend:
		return fmt.Sprintf("YELLOW_SEND %s %s TO %s", p.Amount, p.Asset, p.To)
	case contracts.KindLimitBuy, contracts.KindLimitSell:
		return fmt.Sprintf("%s %s %s %s @ %s", p.Kind, p.Base, p.Qty, p.Quote, p.Price)
	case contracts.KindMarketBuy, contracts.KindMarketSell:
		return fmt.Sprintf("%s %s %s", p.Kind, p.Base, p.Qty)
	case contracts.KindCancelOrder:
		return fmt.Sprintf("CANCEL_ORDER %s", p.OrderID)
	case contracts.KindCancelSchedule:
		return fmt.Sprintf("CANCEL_SCHEDULE %s", p.ScheduleID)
	case contracts.KindDeposit, contracts.KindWithdraw:
		return fmt.Sprintf("%s %s %s", p.Kind, p.Asset, p.Qty)
	case contracts.KindStopLoss, contracts.KindTakeProfit:
		return fmt.Sprintf("%s %s %s @ %s", p.Kind, p.Asset, p.Qty, p.Price)
	case contracts.KindPayout:
		return fmt.Sprintf("PAYOUT %s USDC TO %s", p.Amount, p.To)
	case contracts.KindPayoutSplit:
		dests := make([]string, len(p.Splits))
		for i, s := range p.Splits {
			dests[i] = fmt.Sprintf("%s:%d", s.To, s.Pct)
		}
		return fmt.Sprintf("PAYOUT_SPLIT %s USDC TO %s", p.Amount, strings.Join(dests, ","))
	case contracts.KindBridge:
		return fmt.Sprintf("BRIDGE %s USDC FROM %s TO %s", p.Amount, p.FromChain, p.ToChain)
	case contracts.KindRebalance:
		return fmt.Sprintf("REBALANCE %s FROM %s TO %s", p.Amount, p.FromChain, p.ToChain)
	case contracts.KindPolicyENS:
		return fmt.Sprintf("POLICY ENS %s", p.Name)
	case contracts.KindConnect:
		return fmt.Sprintf("CONNECT %s", p.URI)
	case contracts.KindTx:
		return fmt.Sprintf("TX %s", p.Payload)
	case contracts.KindSign:
		return fmt.Sprintf("SIGN %s", p.Payload)
	case contracts.KindSchedule:
		return fmt.Sprintf("SCHEDULE EVERY %dh: %s", p.IntervalHours, unparseBody(p.Inner))
	case contracts.KindAutoRebalance:
		if p.Enabled {
			return "AUTO_REBALANCE ON"
		}
		return "AUTO_REBALANCE OFF"
	case contracts.KindAlert:
		return fmt.Sprintf("ALERT %s BELOW %s", p.Asset, p.Amount)
	}
	return string(p.Kind)
}
