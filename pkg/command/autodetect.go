package command

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// Auto-detect patterns for lines without the DW prefix. The set is fixed:
// anything that falls through is not a command.
var (
	sendRe       = regexp.MustCompile(`(?i)^send\s+(\S+)\s+(\S+)\s+to\s+(\S+)$`)
	limitRe      = regexp.MustCompile(`(?i)^(buy|sell)\s+(\S+)\s+(\S+)\s+(?:at|@)\s*(\S+)$`)
	marketRe     = regexp.MustCompile(`(?i)^market\s+(buy|sell)\s+(\S+)\s+(\S+)$`)
	bridgeRe     = regexp.MustCompile(`(?i)^bridge\s+(\S+)\s+usdc\s+from\s+(\S+)\s+to\s+(\S+)$`)
	rebalanceRe  = regexp.MustCompile(`(?i)^rebalance\s+(\S+)\s+from\s+(\S+)\s+to\s+(\S+)$`)
	stopLossRe   = regexp.MustCompile(`(?i)^stop\s*loss\s+(\S+)\s+(\S+)\s+(?:at|@)\s*(\S+)$`)
	takeProfitRe = regexp.MustCompile(`(?i)^(?:tp|take\s+profit)\s+(\S+)\s+(\S+)\s+(?:at|@)\s*(\S+)$`)
	cancelSchedRe = regexp.MustCompile(`(?i)^cancel\s+schedule\s+(\S+)$`)
)

// AutoDetect recognises a fixed set of natural-language phrasings and maps
// them onto the same tagged values the strict grammar produces.
func AutoDetect(line string) (*contracts.ParsedCommand, error) {
	l := strings.TrimSpace(line)
	lower := strings.ToLower(l)

	if strings.HasPrefix(l, "wc:") {
		return &contracts.ParsedCommand{Kind: contracts.KindConnect, URI: l}, nil
	}

	switch lower {
	case "setup", "/setup":
		return &contracts.ParsedCommand{Kind: contracts.KindSetup}, nil
	case "status":
		return &contracts.ParsedCommand{Kind: contracts.KindStatus}, nil
	case "settle":
		return &contracts.ParsedCommand{Kind: contracts.KindSettle}, nil
	case "price", "prices":
		return &contracts.ParsedCommand{Kind: contracts.KindPrice}, nil
	case "trades", "pnl", "p&l":
		return &contracts.ParsedCommand{Kind: contracts.KindTradeHistory}, nil
	case "sweep", "sweep yield", "collect":
		return &contracts.ParsedCommand{Kind: contracts.KindSweepYield}, nil
	case "treasury", "all balances":
		return &contracts.ParsedCommand{Kind: contracts.KindTreasury}, nil
	}

	if m := cancelSchedRe.FindStringSubmatch(l); m != nil {
		return parseIdentArg(contracts.KindCancelSchedule, "CANCEL_SCHEDULE", m[1])
	}
	if m := sendRe.FindStringSubmatch(l); m != nil {
		amount, err := parseAmount(m[1])
		if err != nil {
			return nil, err
		}
		asset, err := parseAsset(m[2])
		if err != nil {
			return nil, err
		}
		addr, err := parseAddress(m[3])
		if err != nil {
			return nil, err
		}
		// USDC sends are custodial payouts; any other asset rides the
		// state channel.
		kind := contracts.KindPayout
		if asset != "USDC" {
			kind = contracts.KindYellowSend
		}
		return &contracts.ParsedCommand{Kind: kind, Amount: amount, Asset: asset, To: addr}, nil
	}
	if m := marketRe.FindStringSubmatch(l); m != nil {
		kind := contracts.KindMarketBuy
		if strings.EqualFold(m[1], "sell") {
			kind = contracts.KindMarketSell
		}
		qty, err := parseAmount(m[2])
		if err != nil {
			return nil, err
		}
		base, err := parseAsset(m[3])
		if err != nil {
			return nil, err
		}
		return &contracts.ParsedCommand{Kind: kind, Base: base, Qty: qty}, nil
	}
	if m := stopLossRe.FindStringSubmatch(l); m != nil {
		return autoTrigger(contracts.KindStopLoss, m)
	}
	if m := takeProfitRe.FindStringSubmatch(l); m != nil {
		return autoTrigger(contracts.KindTakeProfit, m)
	}
	if m := limitRe.FindStringSubmatch(l); m != nil {
		kind := contracts.KindLimitBuy
		if strings.EqualFold(m[1], "sell") {
			kind = contracts.KindLimitSell
		}
		qty, err := parseAmount(m[2])
		if err != nil {
			return nil, err
		}
		base, err := parseAsset(m[3])
		if err != nil {
			return nil, err
		}
		price, err := parseAmount(m[4])
		if err != nil {
			return nil, err
		}
		return &contracts.ParsedCommand{Kind: kind, Base: base, Qty: qty, Quote: "USDC", Price: price}, nil
	}
	if m := bridgeRe.FindStringSubmatch(l); m != nil {
		amount, err := parseAmount(m[1])
		if err != nil {
			return nil, err
		}
		from, to, err := parseChainPair(m[2], m[3])
		if err != nil {
			return nil, err
		}
		return &contracts.ParsedCommand{Kind: contracts.KindBridge, Amount: amount, Asset: "USDC", FromChain: from, ToChain: to}, nil
	}
	if m := rebalanceRe.FindStringSubmatch(l); m != nil {
		amount, err := parseAmount(m[1])
		if err != nil {
			return nil, err
		}
		from, to, err := parseChainPair(m[2], m[3])
		if err != nil {
			return nil, err
		}
		return &contracts.ParsedCommand{Kind: contracts.KindRebalance, Amount: amount, FromChain: from, ToChain: to}, nil
	}

	return nil, fmt.Errorf("Not a command")
}

// autoTrigger: natural-language phrasing puts qty after the asset, matching
// the strict grammar's field order.
func autoTrigger(kind contracts.CommandKind, m []string) (*contracts.ParsedCommand, error) {
	asset, err := parseAsset(m[1])
	if err != nil {
		return nil, err
	}
	qty, err := parseAmount(m[2])
	if err != nil {
		return nil, err
	}
	price, err := parseAmount(m[3])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: kind, Asset: asset, Qty: qty, Price: price}, nil
}
