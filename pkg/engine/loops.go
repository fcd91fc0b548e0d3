package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docwallet/dwagent/pkg/adapter"
	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/command"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

// initialTickTimeout bounds the eager startup pass.
const initialTickTimeout = 90 * time.Second

// loudAfterFailures is the consecutive-failure threshold after which a
// loop logs at error level instead of warn.
const loudAfterFailures = 3

type loop struct {
	name   string
	period time.Duration
	fn     func(ctx context.Context) error
}

func (e *Engine) loops() []loop {
	return []loop{
		{"discovery", e.intervals.Discovery, e.DiscoveryTick},
		{"poll", e.intervals.Poll, e.PollTick},
		{"executor", e.intervals.Executor, e.ExecutorTick},
		{"balances", e.intervals.Balances, e.BalancesTick},
		{"scheduler", e.intervals.Scheduler, e.sched.Tick},
		{"chat", e.intervals.Chat, e.ChatTick},
		{"agentProposal", e.intervals.AgentProposal, e.ProposalTick},
		{"price", e.intervals.Price, e.PriceTick},
	}
}

// Run fires every loop eagerly once, then drives them on their periods
// until ctx is cancelled. Loops are isolated: one failing iteration never
// tears down the others.
func (e *Engine) Run(ctx context.Context) error {
	loops := e.loops()

	initCtx, cancel := context.WithTimeout(ctx, initialTickTimeout)
	for _, l := range loops {
		if err := l.fn(initCtx); err != nil {
			e.log.Warn("initial tick failed", "loop", l.name, "error", err)
		}
	}
	cancel()

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			e.runLoop(ctx, l)
		}(l)
	}
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) runLoop(ctx context.Context, l loop) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := l.fn(ctx); err != nil {
			failures++
			if e.telemetry != nil {
				e.telemetry.LoopFailure(ctx, l.name)
			}
			if failures >= loudAfterFailures {
				e.log.Error("loop failing repeatedly", "loop", l.name, "consecutive", failures, "error", err)
			} else {
				e.log.Warn("loop iteration failed", "loop", l.name, "error", err)
			}
			continue
		}
		failures = 0
	}
}

func (e *Engine) forEachDoc(ctx context.Context, fn func(doc *contracts.Document) error) error {
	docs, err := e.repo.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	var firstErr error
	for _, doc := range docs {
		if err := fn(doc); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("doc %s: %w", doc.DocID, err)
		}
	}
	return firstErr
}

// DiscoveryTick upserts every visible document into the repository.
func (e *Engine) DiscoveryTick(ctx context.Context) error {
	refs, err := e.docs.ListTrackedDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list tracked documents: %w", err)
	}
	for _, ref := range refs {
		if err := e.repo.UpsertDocument(ctx, &contracts.Document{
			DocID: ref.DocID, DisplayName: ref.DisplayName,
		}); err != nil {
			return fmt.Errorf("upsert %s: %w", ref.DocID, err)
		}
	}
	return nil
}

// PollTick reads each document's command table. A stable hash over the
// user-editable cells gates the parse of new rows; status mirroring from
// the repository back into the document runs every tick.
func (e *Engine) PollTick(ctx context.Context) error {
	return e.forEachDoc(ctx, func(doc *contracts.Document) error {
		tables, err := e.docs.LoadTables(ctx, doc.DocID)
		if err != nil {
			return err
		}

		hash := commandCellsHash(tables.Commands)
		prev, err := e.repo.GetDocState(ctx, doc.DocID, stateCommandsHash)
		if err != nil {
			return err
		}
		ids := commandRowIDs(doc.DocID, tables.Commands)
		if hash != prev {
			if err := e.intakeNewRows(ctx, doc.DocID, tables.Commands, ids); err != nil {
				return err
			}
			if err := e.repo.PutDocState(ctx, doc.DocID, stateCommandsHash, hash); err != nil {
				return err
			}
		}
		e.mirrorCommandRows(ctx, doc.DocID, tables.Commands, ids)
		return nil
	})
}

// commandCellsHash hashes the cells humans edit; agent-written columns
// (status, result, error, url) do not retrigger parsing.
func commandCellsHash(rows []adapter.CommandRow) string {
	h := sha256.New()
	for _, row := range rows {
		h.Write([]byte(row.CmdID))
		h.Write([]byte{0x1f})
		h.Write([]byte(row.Raw))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// commandRowIDs resolves an id for every row in one table snapshot. A
// blank id cell gets one derived from the row's text and its occurrence
// among rows with equal text, never its position, so inserting or
// deleting neighbouring rows cannot change an ingested row's identity.
func commandRowIDs(docID string, rows []adapter.CommandRow) []string {
	ids := make([]string, len(rows))
	seen := map[string]int{}
	for i, row := range rows {
		if row.CmdID != "" {
			ids[i] = row.CmdID
			continue
		}
		n := seen[row.Raw]
		seen[row.Raw] = n + 1
		sum := sha256.Sum256([]byte(docID + "\x1f" + row.Raw + "\x1f" + strconv.Itoa(n)))
		ids[i] = hex.EncodeToString(sum[:8])
	}
	return ids
}

func (e *Engine) intakeNewRows(ctx context.Context, docID string, rows []adapter.CommandRow, ids []string) error {
	for i, row := range rows {
		if strings.TrimSpace(row.Raw) == "" {
			continue
		}
		known, err := e.repo.HasCommand(ctx, docID, ids[i])
		if err != nil {
			return err
		}
		if known {
			continue
		}
		if err := e.Intake(ctx, docID, ids[i], row.Raw); err != nil {
			return err
		}
	}
	return nil
}

// mirrorCommandRows patches document rows whose cells lag the repository.
// Best-effort: a failed patch is retried next tick.
func (e *Engine) mirrorCommandRows(ctx context.Context, docID string, rows []adapter.CommandRow, ids []string) {
	for i, row := range rows {
		if strings.TrimSpace(row.Raw) == "" {
			continue
		}
		cmd, err := e.repo.GetCommand(ctx, docID, ids[i])
		if err != nil {
			continue
		}
		var patch adapter.CommandPatch
		if row.Status != string(cmd.Status) {
			s := string(cmd.Status)
			patch.Status = &s
		}
		if row.ApprovalURL != cmd.ApprovalURL {
			u := cmd.ApprovalURL
			patch.ApprovalURL = &u
		}
		result := cmd.ResultText
		if cmd.Status == contracts.StatusInvalid {
			result = ""
		}
		if row.Result != result {
			patch.Result = &result
		}
		errText := cmd.ErrorText
		if cmd.ParseError != "" {
			errText = cmd.ParseError
		}
		if row.Error != errText {
			patch.Error = &errText
		}
		if patch.Status == nil && patch.ApprovalURL == nil && patch.Result == nil && patch.Error == nil {
			continue
		}
		if err := e.docs.UpdateCommandRow(ctx, docID, row.Index, patch); err != nil {
			e.log.Warn("command row mirror failed", "docId", docID, "row", row.Index, "error", err)
		}
	}
}

// ExecutorTick drains APPROVED commands across all documents.
func (e *Engine) ExecutorTick(ctx context.Context) error {
	return e.forEachDoc(ctx, func(doc *contracts.Document) error {
		return e.ExecuteDue(ctx, doc.DocID)
	})
}

// BalancesTick snapshots per-chain balances plus the open order list into
// each document.
func (e *Engine) BalancesTick(ctx context.Context) error {
	return e.forEachDoc(ctx, func(doc *contracts.Document) error {
		rows, totalUsd, err := e.gatherBalances(ctx, doc.DocID)
		if err != nil {
			return err
		}
		rows = append(rows, adapter.BalanceRow{Location: "total", Asset: "USD", Balance: totalUsd})
		if err := e.docs.WriteBalancesSnapshot(ctx, doc.DocID, rows); err != nil {
			return err
		}
		e.writeOpenOrders(ctx, doc)
		return nil
	})
}

// gatherBalances reads every enabled chain and values the portfolio in
// USD: stables at 1.0, natives at the venue mid price when available.
func (e *Engine) gatherBalances(ctx context.Context, docID string) ([]adapter.BalanceRow, string, error) {
	doc, err := e.repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, "", err
	}
	var rows []adapter.BalanceRow
	total := finance.Zero

	if e.clients.Evm != nil {
		if addr := doc.Addresses[contracts.ChainEVM]; addr != "" {
			bal, err := e.clients.Evm.GetBalances(ctx, addr)
			if err != nil {
				return nil, "", fmt.Errorf("evm balances: %w", err)
			}
			rows = append(rows,
				adapter.BalanceRow{Location: "evm", Asset: "ETH", Balance: bal.Native.String()},
				adapter.BalanceRow{Location: "evm", Asset: "USDC", Balance: bal.Stable.String()})
			total = total.Add(bal.Stable).Add(e.usdValue(ctx, "ETH", bal.Native))
		}
	}
	if e.clients.Sui != nil {
		if addr := doc.Addresses[contracts.ChainSui]; addr != "" {
			bal, err := e.clients.Sui.GetBalances(ctx, addr)
			if err != nil {
				return nil, "", fmt.Errorf("sui balances: %w", err)
			}
			rows = append(rows, adapter.BalanceRow{Location: "sui", Asset: "SUI", Balance: bal.Native.String()})
			total = total.Add(e.usdValue(ctx, "SUI", bal.Native))
			for _, coin := range bal.StableCoins {
				rows = append(rows, adapter.BalanceRow{
					Location: "sui", Asset: shortCoinType(coin.CoinType), Balance: coin.Balance.String(),
				})
				total = total.Add(coin.Balance)
			}
		}
	}
	return rows, total.String(), nil
}

// usdValue prices a native asset via the order-book mid, falling back to
// zero when no venue quote exists.
func (e *Engine) usdValue(ctx context.Context, asset string, qty finance.Amount) finance.Amount {
	if qty.IsZero() || e.clients.Orderbook == nil {
		return finance.Zero
	}
	quote, err := e.clients.Orderbook.MidPrice(ctx, asset+"/USDC")
	if err != nil {
		return finance.Zero
	}
	return qty.Mul(quote.Mid)
}

func shortCoinType(coinType string) string {
	if i := strings.LastIndex(coinType, "::"); i >= 0 {
		return coinType[i+2:]
	}
	return coinType
}

func (e *Engine) writeOpenOrders(ctx context.Context, doc *contracts.Document) {
	if e.clients.Orderbook == nil {
		return
	}
	addr := doc.Addresses[contracts.ChainSui]
	if addr == "" {
		return
	}
	orders, err := e.clients.Orderbook.OpenOrders(ctx, addr, defaultPair)
	if err != nil {
		e.log.Warn("open orders read failed", "docId", doc.DocID, "error", err)
		return
	}
	rows := make([]adapter.OrderRow, len(orders))
	for i, o := range orders {
		rows[i] = adapter.OrderRow{
			OrderID: o.OrderID, Side: o.Side,
			Price: o.Price.String(), Qty: o.Qty.String(), Status: o.Status,
			UpdatedAt: audit.ISO(time.UnixMilli(o.UpdatedAt)),
		}
	}
	if err := e.docs.WriteOpenOrders(ctx, doc.DocID, rows); err != nil {
		e.log.Warn("open orders write failed", "docId", doc.DocID, "error", err)
	}
}

// ChatTick answers new chat rows. A `!execute <cmd>` row becomes a real
// command; anything else gets a suggested canonical command.
func (e *Engine) ChatTick(ctx context.Context) error {
	return e.forEachDoc(ctx, func(doc *contracts.Document) error {
		tables, err := e.docs.LoadTables(ctx, doc.DocID)
		if err != nil {
			return err
		}
		cursor := 0
		if raw, err := e.repo.GetDocState(ctx, doc.DocID, stateChatCursor); err == nil && raw != "" {
			cursor, _ = strconv.Atoi(raw)
		}
		// The cursor only advances past rows that were actually answered;
		// a failed reply write stops it so the row is retried next tick.
		next := cursor
		for i := cursor; i < len(tables.Chat); i++ {
			row := tables.Chat[i]
			if strings.TrimSpace(row.User) == "" || row.Agent != "" {
				next = i + 1
				continue
			}
			reply := e.chatReply(ctx, doc.DocID, row.User)
			if err := e.docs.AppendChatReply(ctx, doc.DocID, row.Index, reply); err != nil {
				e.log.Warn("chat reply failed", "docId", doc.DocID, "row", row.Index, "error", err)
				break
			}
			next = i + 1
		}
		if next == cursor {
			return nil
		}
		return e.repo.PutDocState(ctx, doc.DocID, stateChatCursor, strconv.Itoa(next))
	})
}

func (e *Engine) chatReply(ctx context.Context, docID, text string) string {
	trimmed := strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(trimmed, "!execute"); ok {
		raw := strings.TrimSpace(rest)
		cmdID := uuid.NewString()
		if err := e.docs.AppendCommandRow(ctx, docID, adapter.CommandRow{
			CmdID: cmdID, Raw: raw, Status: string(contracts.StatusRaw),
		}); err != nil {
			return fmt.Sprintf("Could not queue the command: %v", err)
		}
		if err := e.Intake(ctx, docID, cmdID, raw); err != nil {
			return fmt.Sprintf("Could not queue the command: %v", err)
		}
		return fmt.Sprintf("Queued as command %s", cmdID)
	}
	if parsed, err := command.Parse(trimmed); err == nil {
		return fmt.Sprintf("Try: %s (reply `!execute %s` to run it)",
			command.Unparse(parsed), command.Unparse(parsed))
	}
	return "I can run DW commands. Examples: `DW STATUS`, `DW PAYOUT 10 USDC TO 0x…`, or prefix with `!execute` to queue one."
}

// ProposalTick runs the rebalance heuristic for documents that opted in
// via AGENT_AUTOPROPOSE=true in their config table. Proposals are real
// command rows and go through the full parse/policy/quorum pipeline.
func (e *Engine) ProposalTick(ctx context.Context) error {
	return e.forEachDoc(ctx, func(doc *contracts.Document) error {
		tables, err := e.docs.LoadTables(ctx, doc.DocID)
		if err != nil {
			return err
		}
		if !configFlag(tables.Config, "AGENT_AUTOPROPOSE") {
			return nil
		}
		if last, err := e.repo.GetDocState(ctx, doc.DocID, stateLastProposal); err == nil && last != "" {
			if ms, _ := strconv.ParseInt(last, 10, 64); e.now().UnixMilli()-ms < time.Hour.Milliseconds() {
				return nil
			}
		}
		raw := e.rebalanceProposal(ctx, doc.DocID)
		if raw == "" {
			return nil
		}
		cmdID := uuid.NewString()
		if err := e.docs.AppendCommandRow(ctx, doc.DocID, adapter.CommandRow{
			CmdID: cmdID, Raw: raw, Status: string(contracts.StatusRaw),
		}); err != nil {
			return err
		}
		if err := e.Intake(ctx, doc.DocID, cmdID, raw); err != nil {
			return err
		}
		e.audit.Record(audit.Event{
			DocID: doc.DocID, CmdID: cmdID, Type: audit.EventSystem,
			Action: "rebalance proposed", Details: raw,
		})
		return e.repo.PutDocState(ctx, doc.DocID, stateLastProposal,
			strconv.FormatInt(e.now().UnixMilli(), 10))
	})
}

func configFlag(rows []adapter.ConfigRow, key string) bool {
	for _, row := range rows {
		if row.Key == key {
			return strings.EqualFold(strings.TrimSpace(row.Value), "true")
		}
	}
	return false
}

// rebalanceProposal suggests moving half the stable surplus when one
// chain holds more than 80% of the stable total.
func (e *Engine) rebalanceProposal(ctx context.Context, docID string) string {
	rows, _, err := e.gatherBalances(ctx, docID)
	if err != nil {
		return ""
	}
	stables := map[string]finance.Amount{}
	total := finance.Zero
	for _, row := range rows {
		if row.Asset == "ETH" || row.Asset == "SUI" || row.Location == "total" {
			continue
		}
		amt, err := finance.Parse(row.Balance)
		if err != nil {
			continue
		}
		stables[row.Location] = stables[row.Location].Add(amt)
		total = total.Add(amt)
	}
	if total.IsZero() || len(stables) < 2 {
		return ""
	}
	totalUnits, err := total.MinorUnits(6)
	if err != nil {
		return ""
	}
	for from, held := range stables {
		units, err := held.MinorUnits(6)
		if err != nil {
			continue
		}
		// held*5 > total*4  ⇔  held > 80% of total
		lhs := new(big.Int).Mul(units, big.NewInt(5))
		rhs := new(big.Int).Mul(totalUnits, big.NewInt(4))
		if lhs.Cmp(rhs) <= 0 {
			continue
		}
		// Move half the surplus over an even split.
		half := new(big.Int).Div(totalUnits, big.NewInt(2))
		surplus := new(big.Int).Sub(units, half)
		move := surplus.Div(surplus, big.NewInt(2))
		if move.Sign() <= 0 {
			continue
		}
		var to string
		for loc := range stables {
			if loc != from {
				to = loc
				break
			}
		}
		amount := finance.FromMinorUnits(move, 6)
		return fmt.Sprintf("DW REBALANCE %s FROM %s TO %s", amount, from, to)
	}
	return ""
}

// PriceTick evaluates armed STOP_LOSS / TAKE_PROFIT triggers and alerts
// against the venue mid price, synthesising market orders where triggers
// fire.
func (e *Engine) PriceTick(ctx context.Context) error {
	if e.clients.Orderbook == nil {
		return nil
	}
	return e.forEachDoc(ctx, func(doc *contracts.Document) error {
		if err := e.fireTriggers(ctx, doc.DocID); err != nil {
			return err
		}
		return e.fireAlerts(ctx, doc.DocID)
	})
}

func (e *Engine) fireTriggers(ctx context.Context, docID string) error {
	var armed []trigger
	if err := e.readStateJSON(ctx, docID, stateTriggers, &armed); err != nil {
		return err
	}
	if len(armed) == 0 {
		return nil
	}
	remaining := []trigger{}
	for _, t := range armed {
		quote, err := e.clients.Orderbook.MidPrice(ctx, t.Asset+"/USDC")
		if err != nil {
			remaining = append(remaining, t)
			continue
		}
		threshold, err := finance.Parse(t.Trigger)
		if err != nil {
			continue
		}
		fired := false
		if t.Kind == string(contracts.KindStopLoss) && quote.Mid.Cmp(threshold) <= 0 {
			fired = true
		}
		if t.Kind == string(contracts.KindTakeProfit) && quote.Mid.Cmp(threshold) >= 0 {
			fired = true
		}
		if !fired {
			remaining = append(remaining, t)
			continue
		}
		raw := fmt.Sprintf("DW MARKET_SELL %s %s", t.Asset, t.Qty)
		cmdID := uuid.NewString()
		if err := e.docs.AppendCommandRow(ctx, docID, adapter.CommandRow{
			CmdID: cmdID, Raw: raw, Status: string(contracts.StatusRaw),
		}); err != nil {
			remaining = append(remaining, t)
			continue
		}
		if err := e.Intake(ctx, docID, cmdID, raw); err != nil {
			remaining = append(remaining, t)
			continue
		}
		e.audit.Record(audit.Event{
			DocID: docID, CmdID: cmdID, Type: audit.EventSystem,
			Action: fmt.Sprintf("%s triggered at %s", t.Kind, quote.Mid),
			Details: raw,
		})
	}
	return e.writeStateJSON(ctx, docID, stateTriggers, remaining)
}

func (e *Engine) fireAlerts(ctx context.Context, docID string) error {
	var armed []alertWatch
	if err := e.readStateJSON(ctx, docID, stateAlerts, &armed); err != nil {
		return err
	}
	if len(armed) == 0 {
		return nil
	}
	remaining := []alertWatch{}
	for _, a := range armed {
		quote, err := e.clients.Orderbook.MidPrice(ctx, a.Asset+"/USDC")
		if err != nil {
			remaining = append(remaining, a)
			continue
		}
		threshold, err := finance.Parse(a.Below)
		if err != nil {
			continue
		}
		if quote.Mid.Cmp(threshold) >= 0 {
			remaining = append(remaining, a)
			continue
		}
		msg := fmt.Sprintf("ALERT: %s at %s, below %s", a.Asset, quote.Mid, a.Below)
		if err := e.docs.AppendActivityRow(ctx, docID, audit.ISO(e.now()), "ALERT", msg, ""); err != nil {
			e.log.Warn("alert activity write failed", "docId", docID, "error", err)
		}
		e.audit.Record(audit.Event{
			DocID: docID, CmdID: a.CmdID, Type: audit.EventSystem, Action: msg,
		})
	}
	return e.writeStateJSON(ctx, docID, stateAlerts, remaining)
}
