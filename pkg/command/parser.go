// Package command implements the pure DW command grammar: a deterministic
// parser from one raw document line to a tagged command value, a canonical
// formatter, and a natural-language auto-detect fallback. Nothing in this
// package performs I/O.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

// Prefix is the literal, case-sensitive marker that makes a line a command.
const Prefix = "DW"

// Stable parse-error strings. Tests and the document surface pin these, so
// they must not drift.
const (
	errEmpty          = "Empty command"
	errNestedSchedule = "Nested SCHEDULE is not allowed"
)

var (
	evmAddrRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	suiAddrRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	identRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	assetRe   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{1,15}$`)
	scheduleRe = regexp.MustCompile(`^EVERY\s+(\d+)h:\s*(.+)$`)
)

// Parse maps a raw line to a tagged command value. Lines starting with the
// DW prefix use the strict grammar; anything else is handed to AutoDetect.
// Errors are stable human-readable strings.
func Parse(raw string) (*contracts.ParsedCommand, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil, fmt.Errorf(errEmpty)
	}
	if line == Prefix || strings.HasPrefix(line, Prefix+" ") {
		rest := strings.TrimSpace(strings.TrimPrefix(line, Prefix))
		if rest == "" {
			return nil, fmt.Errorf(errEmpty)
		}
		return parseStrict(rest)
	}
	return AutoDetect(line)
}

// parseStrict parses the token stream after the DW prefix.
func parseStrict(rest string) (*contracts.ParsedCommand, error) {
	verb, args, _ := strings.Cut(rest, " ")
	args = strings.TrimSpace(args)

	switch verb {
	case "SETUP", "/setup":
		return noArgs(contracts.KindSetup, args)
	case "STATUS":
		return noArgs(contracts.KindStatus, args)
	case "TREASURY":
		return noArgs(contracts.KindTreasury, args)
	case "SETTLE":
		return noArgs(contracts.KindSettle, args)
	case "PRICE":
		return noArgs(contracts.KindPrice, args)
	case "TRADE_HISTORY":
		return noArgs(contracts.KindTradeHistory, args)
	case "SWEEP_YIELD":
		return noArgs(contracts.KindSweepYield, args)
	case "SESSION_CREATE":
		return noArgs(contracts.KindSessionCreate, args)
	case "SESSION_STATUS":
		return noArgs(contracts.KindSessionStatus, args)
	case "SESSION_CLOSE":
		return noArgs(contracts.KindSessionClose, args)
	case "QUORUM":
		return parseQuorum(args)
	case "SIGNER_ADD":
		return parseSignerAdd(args)
	case "YELLOW_SEND":
		return parseYellowSend(args)
	case "LIMIT_BUY":
		return parseLimitOrder(contracts.KindLimitBuy, args)
	case "LIMIT_SELL":
		return parseLimitOrder(contracts.KindLimitSell, args)
	case "MARKET_BUY":
		return parseMarketOrder(contracts.KindMarketBuy, args)
	case "MARKET_SELL":
		return parseMarketOrder(contracts.KindMarketSell, args)
	case "CANCEL", "CANCEL_ORDER":
		return parseIdentArg(contracts.KindCancelOrder, verb, args)
	case "CANCEL_SCHEDULE":
		return parseIdentArg(contracts.KindCancelSchedule, verb, args)
	case "DEPOSIT":
		return parseAssetQty(contracts.KindDeposit, verb, args)
	case "WITHDRAW":
		return parseAssetQty(contracts.KindWithdraw, verb, args)
	case "STOP_LOSS":
		return parseTrigger(contracts.KindStopLoss, verb, args)
	case "TAKE_PROFIT":
		return parseTrigger(contracts.KindTakeProfit, verb, args)
	case "PAYOUT":
		return parsePayout(args)
	case "PAYOUT_SPLIT":
		return parsePayoutSplit(args)
	case "BRIDGE":
		return parseBridge(args)
	case "REBALANCE":
		return parseRebalance(args)
	case "POLICY":
		return parsePolicy(args)
	case "CONNECT":
		return parseConnect(args)
	case "TX":
		return parseRawPayload(contracts.KindTx, verb, args)
	case "SIGN":
		return parseRawPayload(contracts.KindSign, verb, args)
	case "SCHEDULE":
		return parseSchedule(args)
	case "AUTO_REBALANCE":
		return parseAutoRebalance(args)
	case "ALERT":
		return parseAlert(args)
	case "ALERT_THRESHOLD":
		return parseAlertThreshold(args)
	default:
		return nil, fmt.Errorf("Unknown command: %s", verb)
	}
}

func noArgs(kind contracts.CommandKind, args string) (*contracts.ParsedCommand, error) {
	if args != "" {
		return nil, fmt.Errorf("%s takes no arguments", kind)
	}
	return &contracts.ParsedCommand{Kind: kind}, nil
}

func parseQuorum(args string) (*contracts.ParsedCommand, error) {
	n, err := strconv.Atoi(args)
	if err != nil || n < 1 {
		return nil, fmt.Errorf("QUORUM requires a positive integer")
	}
	return &contracts.ParsedCommand{Kind: contracts.KindQuorum, Quorum: n}, nil
}

func parseSignerAdd(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 3 || tok[1] != "WEIGHT" {
		return nil, fmt.Errorf("SIGNER_ADD usage: SIGNER_ADD <addr> WEIGHT <n>")
	}
	addr, err := parseAddress(tok[0])
	if err != nil {
		return nil, err
	}
	w, err := strconv.Atoi(tok[2])
	if err != nil || w < 1 {
		return nil, fmt.Errorf("SIGNER_ADD weight must be a positive integer")
	}
	return &contracts.ParsedCommand{Kind: contracts.KindSignerAdd, To: addr, Weight: w}, nil
}

func parseYellowSend(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 4 || tok[2] != "TO" {
		return nil, fmt.Errorf("YELLOW_SEND usage: YELLOW_SEND <amount> <asset> TO <addr>")
	}
	amount, err := parseAmount(tok[0])
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset(tok[1])
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(tok[3])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: contracts.KindYellowSend, Amount: amount, Asset: asset, To: addr}, nil
}

func parseLimitOrder(kind contracts.CommandKind, args string) (*contracts.ParsedCommand, error) {
	tok := splitAt(strings.Fields(args))
	if len(tok) != 5 || tok[3] != "@" {
		return nil, fmt.Errorf("%s usage: %s <base> <qty> <quote> @ <price>", kind, kind)
	}
	base, err := parseAsset(tok[0])
	if err != nil {
		return nil, err
	}
	qty, err := parseAmount(tok[1])
	if err != nil {
		return nil, err
	}
	quote, err := parseAsset(tok[2])
	if err != nil {
		return nil, err
	}
	price, err := parseAmount(tok[4])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: kind, Base: base, Qty: qty, Quote: quote, Price: price}, nil
}

func parseMarketOrder(kind contracts.CommandKind, args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 2 {
		return nil, fmt.Errorf("%s usage: %s <base> <qty>", kind, kind)
	}
	base, err := parseAsset(tok[0])
	if err != nil {
		return nil, err
	}
	qty, err := parseAmount(tok[1])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: kind, Base: base, Qty: qty}, nil
}

func parseIdentArg(kind contracts.CommandKind, verb, args string) (*contracts.ParsedCommand, error) {
	if !identRe.MatchString(args) {
		return nil, fmt.Errorf("%s requires an identifier", verb)
	}
	p := &contracts.ParsedCommand{Kind: kind}
	if kind == contracts.KindCancelSchedule {
		p.ScheduleID = args
	} else {
		p.OrderID = args
	}
	return p, nil
}

func parseAssetQty(kind contracts.CommandKind, verb, args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 2 {
		return nil, fmt.Errorf("%s usage: %s <asset> <qty>", verb, verb)
	}
	asset, err := parseAsset(tok[0])
	if err != nil {
		return nil, err
	}
	qty, err := parseAmount(tok[1])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: kind, Asset: asset, Qty: qty}, nil
}

func parseTrigger(kind contracts.CommandKind, verb, args string) (*contracts.ParsedCommand, error) {
	tok := splitAt(strings.Fields(args))
	if len(tok) != 4 || tok[2] != "@" {
		return nil, fmt.Errorf("%s usage: %s <asset> <qty> @ <trigger>", verb, verb)
	}
	asset, err := parseAsset(tok[0])
	if err != nil {
		return nil, err
	}
	qty, err := parseAmount(tok[1])
	if err != nil {
		return nil, err
	}
	price, err := parseAmount(tok[3])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: kind, Asset: asset, Qty: qty, Price: price}, nil
}

func parsePayout(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 4 || tok[1] != "USDC" || tok[2] != "TO" {
		return nil, fmt.Errorf("PAYOUT usage: PAYOUT <amount> USDC TO <addr>")
	}
	amount, err := parseAmount(tok[0])
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(tok[3])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: contracts.KindPayout, Amount: amount, Asset: "USDC", To: addr}, nil
}

func parsePayoutSplit(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) < 4 || tok[1] != "USDC" || tok[2] != "TO" {
		return nil, fmt.Errorf("PAYOUT_SPLIT usage: PAYOUT_SPLIT <amount> USDC TO <addr>:<pct>,...")
	}
	amount, err := parseAmount(tok[0])
	if err != nil {
		return nil, err
	}
	splits, err := parseSplits(strings.Join(tok[3:], ""))
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: contracts.KindPayoutSplit, Amount: amount, Asset: "USDC", Splits: splits}, nil
}

func parseSplits(list string) ([]contracts.Split, error) {
	parts := strings.Split(list, ",")
	splits := make([]contracts.Split, 0, len(parts))
	sum := 0
	for _, part := range parts {
		addrTok, pctTok, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("PAYOUT_SPLIT destinations must be <addr>:<pct>")
		}
		addr, err := parseAddress(addrTok)
		if err != nil {
			return nil, err
		}
		pct, err := strconv.Atoi(pctTok)
		if err != nil || pct < 1 || pct > 100 {
			return nil, fmt.Errorf("PAYOUT_SPLIT percentages must be integers in 1..100")
		}
		splits = append(splits, contracts.Split{To: addr, Pct: pct})
		sum += pct
	}
	if sum != 100 {
		return nil, fmt.Errorf("PAYOUT_SPLIT percentages must sum to 100, got %d", sum)
	}
	return splits, nil
}

func parseBridge(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 6 || tok[1] != "USDC" || tok[2] != "FROM" || tok[4] != "TO" {
		return nil, fmt.Errorf("BRIDGE usage: BRIDGE <amount> USDC FROM <chain> TO <chain>")
	}
	amount, err := parseAmount(tok[0])
	if err != nil {
		return nil, err
	}
	from, to, err := parseChainPair(tok[3], tok[5])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: contracts.KindBridge, Amount: amount, Asset: "USDC", FromChain: from, ToChain: to}, nil
}

func parseRebalance(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 5 || tok[1] != "FROM" || tok[3] != "TO" {
		return nil, fmt.Errorf("REBALANCE usage: REBALANCE <amount> FROM <chain> TO <chain>")
	}
	amount, err := parseAmount(tok[0])
	if err != nil {
		return nil, err
	}
	from, to, err := parseChainPair(tok[2], tok[4])
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: contracts.KindRebalance, Amount: amount, FromChain: from, ToChain: to}, nil
}

func parseChainPair(fromTok, toTok string) (contracts.Chain, contracts.Chain, error) {
	from, ok := contracts.ParseChain(fromTok)
	if !ok {
		return "", "", fmt.Errorf("Unknown chain: %s", fromTok)
	}
	to, ok := contracts.ParseChain(toTok)
	if !ok {
		return "", "", fmt.Errorf("Unknown chain: %s", toTok)
	}
	if from == to {
		return "", "", fmt.Errorf("Source and destination chain must differ")
	}
	return from, to, nil
}

func parsePolicy(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 2 || tok[0] != "ENS" {
		return nil, fmt.Errorf("POLICY usage: POLICY ENS <name>")
	}
	name := strings.ToLower(tok[1])
	if len(name) < 3 || !strings.Contains(name, ".") {
		return nil, fmt.Errorf("POLICY ENS requires a dotted name")
	}
	return &contracts.ParsedCommand{Kind: contracts.KindPolicyENS, Name: name}, nil
}

func parseConnect(args string) (*contracts.ParsedCommand, error) {
	if !strings.HasPrefix(args, "wc:") {
		return nil, fmt.Errorf("CONNECT requires a wc: URI")
	}
	return &contracts.ParsedCommand{Kind: contracts.KindConnect, URI: args}, nil
}

func parseRawPayload(kind contracts.CommandKind, verb, args string) (*contracts.ParsedCommand, error) {
	if !strings.HasPrefix(args, "{") || !strings.HasSuffix(args, "}") {
		return nil, fmt.Errorf("%s requires a JSON object", verb)
	}
	return &contracts.ParsedCommand{Kind: kind, Payload: args}, nil
}

func parseSchedule(args string) (*contracts.ParsedCommand, error) {
	m := scheduleRe.FindStringSubmatch(args)
	if m == nil {
		return nil, fmt.Errorf("SCHEDULE usage: SCHEDULE EVERY <n>h: <command>")
	}
	hours, err := strconv.Atoi(m[1])
	if err != nil || hours < 1 {
		return nil, fmt.Errorf("SCHEDULE interval must be a positive number of hours")
	}
	innerRaw := strings.TrimSpace(m[2])
	if strings.HasPrefix(innerRaw, "SCHEDULE") || strings.HasPrefix(innerRaw, Prefix+" SCHEDULE") {
		return nil, fmt.Errorf(errNestedSchedule)
	}
	inner, err := parseStrict(strings.TrimSpace(strings.TrimPrefix(innerRaw, Prefix)))
	if err != nil {
		return nil, err
	}
	if inner.Kind == contracts.KindSchedule {
		return nil, fmt.Errorf(errNestedSchedule)
	}
	return &contracts.ParsedCommand{Kind: contracts.KindSchedule, IntervalHours: hours, Inner: inner}, nil
}

func parseAutoRebalance(args string) (*contracts.ParsedCommand, error) {
	switch args {
	case "ON":
		return &contracts.ParsedCommand{Kind: contracts.KindAutoRebalance, Enabled: true}, nil
	case "OFF":
		return &contracts.ParsedCommand{Kind: contracts.KindAutoRebalance, Enabled: false}, nil
	}
	return nil, fmt.Errorf("AUTO_REBALANCE usage: AUTO_REBALANCE ON|OFF")
}

func parseAlert(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 3 || tok[1] != "BELOW" {
		return nil, fmt.Errorf("ALERT usage: ALERT <asset> BELOW <amount>")
	}
	return buildAlert(tok[0], tok[2])
}

func parseAlertThreshold(args string) (*contracts.ParsedCommand, error) {
	tok := strings.Fields(args)
	if len(tok) != 2 {
		return nil, fmt.Errorf("ALERT_THRESHOLD usage: ALERT_THRESHOLD <asset> <amount>")
	}
	return buildAlert(tok[0], tok[1])
}

func buildAlert(assetTok, amountTok string) (*contracts.ParsedCommand, error) {
	asset, err := parseAsset(assetTok)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(amountTok)
	if err != nil {
		return nil, err
	}
	return &contracts.ParsedCommand{Kind: contracts.KindAlert, Asset: asset, Amount: amount}, nil
}

// parseAmount validates and canonicalises a decimal token. Amounts in
// commands must be strictly positive.
func parseAmount(tok string) (string, error) {
	a, err := finance.Parse(tok)
	if err != nil {
		return "", fmt.Errorf("Invalid amount: %s", tok)
	}
	if a.Sign() <= 0 {
		return "", fmt.Errorf("Amount must be positive: %s", tok)
	}
	return a.String(), nil
}

// parseAsset validates and uppercases an asset symbol.
func parseAsset(tok string) (string, error) {
	if !assetRe.MatchString(tok) {
		return "", fmt.Errorf("Invalid asset: %s", tok)
	}
	return strings.ToUpper(tok), nil
}

// parseAddress validates an address by length and alphabet for the EVM and
// Sui families and lowercases it (both families are case-insensitive on the
// wire once checksums are ignored).
func parseAddress(tok string) (string, error) {
	if evmAddrRe.MatchString(tok) || suiAddrRe.MatchString(tok) {
		return strings.ToLower(tok), nil
	}
	return "", fmt.Errorf("Invalid address: %s", tok)
}

// splitAt re-tokenises so that a price glued to the @ marker ("@1.25")
// becomes two tokens. Canonical output always spaces them apart.
func splitAt(tok []string) []string {
	out := make([]string, 0, len(tok)+1)
	for _, t := range tok {
		if len(t) > 1 && strings.HasPrefix(t, "@") {
			out = append(out, "@", t[1:])
			continue
		}
		out = append(out, t)
	}
	return out
}
