package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/docwallet/dwagent/pkg/adapter"
	"github.com/docwallet/dwagent/pkg/chains"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
	"github.com/docwallet/dwagent/pkg/keys"
	"github.com/docwallet/dwagent/pkg/policy"
	"github.com/docwallet/dwagent/pkg/store"
)

// policyTextKey is the well-known text-record key carrying a document's
// policy JSON on the name service.
const policyTextKey = "dw.policy"

// defaultPair is quoted when a command names no trading pair.
const defaultPair = "SUI/USDC"

func parseAmount(s string) (finance.Amount, error) { return finance.Parse(s) }

// trigger is an armed STOP_LOSS / TAKE_PROFIT watcher evaluated by the
// price loop.
type trigger struct {
	CmdID   string `json:"cmdId"`
	Kind    string `json:"kind"`
	Asset   string `json:"asset"`
	Qty     string `json:"qty"`
	Trigger string `json:"trigger"`
}

// alertWatch is an armed one-shot balance/price alert.
type alertWatch struct {
	CmdID string `json:"cmdId"`
	Asset string `json:"asset"`
	Below string `json:"below"`
}

// dispatch routes one claimed command to its chain client. The switch is
// exhaustive over the command union so a new variant fails loudly here
// instead of silently never executing.
func (e *Engine) dispatch(ctx context.Context, docID string, cmd *contracts.Command, p *contracts.ParsedCommand) (result, txRef string, err error) {
	switch p.Kind {
	case contracts.KindSetup:
		return e.execSetup(ctx, docID)
	case contracts.KindStatus:
		return e.execStatus(ctx, docID)
	case contracts.KindQuorum:
		if err := e.repo.SetQuorum(ctx, docID, p.Quorum); err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Quorum set to %d", p.Quorum), "", nil
	case contracts.KindSignerAdd:
		if err := e.repo.UpsertSigner(ctx, &contracts.Signer{DocID: docID, Address: p.To, Weight: p.Weight}); err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Signer %s registered with weight %d", p.To, p.Weight), "", nil

	case contracts.KindSessionCreate:
		return e.execSessionCreate(ctx, docID)
	case contracts.KindSessionStatus:
		session, err := e.repo.GetSession(ctx, docID)
		if errors.Is(err, store.ErrNotFound) {
			return "No session", "", nil
		}
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Session %s %s at version %d", session.SessionID, session.Status, session.Version), "", nil
	case contracts.KindSessionClose:
		return e.execSessionClose(ctx, docID)
	case contracts.KindYellowSend:
		return e.execOffChainSend(ctx, docID, p)

	case contracts.KindLimitBuy, contracts.KindLimitSell:
		return e.execLimitOrder(ctx, docID, p)
	case contracts.KindMarketBuy, contracts.KindMarketSell:
		return e.execMarketOrder(ctx, docID, p)
	case contracts.KindCancelOrder:
		return e.execOrderOp(ctx, docID, func(key chains.KeyHandle) (chains.OrderRef, error) {
			return e.clients.Orderbook.Cancel(ctx, key, defaultPair, p.OrderID)
		}, fmt.Sprintf("Order %s cancelled", p.OrderID))
	case contracts.KindSettle:
		return e.execOrderOp(ctx, docID, func(key chains.KeyHandle) (chains.OrderRef, error) {
			return e.clients.Orderbook.Settle(ctx, key)
		}, "Settled")
	case contracts.KindDeposit:
		qty, err := finance.Parse(p.Qty)
		if err != nil {
			return "", "", fmt.Errorf("bad qty: %w", err)
		}
		return e.execOrderOp(ctx, docID, func(key chains.KeyHandle) (chains.OrderRef, error) {
			return e.clients.Orderbook.Deposit(ctx, key, p.Asset, qty)
		}, fmt.Sprintf("Deposited %s %s", p.Qty, p.Asset))
	case contracts.KindWithdraw:
		qty, err := finance.Parse(p.Qty)
		if err != nil {
			return "", "", fmt.Errorf("bad qty: %w", err)
		}
		return e.execOrderOp(ctx, docID, func(key chains.KeyHandle) (chains.OrderRef, error) {
			return e.clients.Orderbook.Withdraw(ctx, key, p.Asset, qty)
		}, fmt.Sprintf("Withdrew %s %s", p.Qty, p.Asset))

	case contracts.KindPrice:
		if e.clients.Orderbook == nil {
			return "", "", errors.New("order book client not configured")
		}
		quote, err := e.clients.Orderbook.MidPrice(ctx, defaultPair)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("%s bid %s ask %s mid %s", defaultPair, quote.Bid, quote.Ask, quote.Mid), "", nil
	case contracts.KindTradeHistory:
		return e.execTradeHistory(ctx, docID)

	case contracts.KindStopLoss, contracts.KindTakeProfit:
		if err := e.armTrigger(ctx, docID, cmd.CmdID, p); err != nil {
			return "", "", err
		}
		return fmt.Sprintf("%s armed: %s %s @ %s", p.Kind, p.Asset, p.Qty, p.Price), "", nil
	case contracts.KindAlert:
		if err := e.armAlert(ctx, docID, cmd.CmdID, p); err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Alert armed: %s below %s", p.Asset, p.Amount), "", nil

	case contracts.KindPayout:
		return e.execPayout(ctx, docID, p.To, p.Amount)
	case contracts.KindPayoutSplit:
		return e.execPayoutSplit(ctx, docID, p)
	case contracts.KindBridge, contracts.KindRebalance:
		return e.execBridge(ctx, docID, p)
	case contracts.KindTreasury:
		return e.execTreasury(ctx, docID)
	case contracts.KindSweepYield:
		return e.execOrderOp(ctx, docID, func(key chains.KeyHandle) (chains.OrderRef, error) {
			return e.clients.Orderbook.Settle(ctx, key)
		}, "Yield swept to venue balance")

	case contracts.KindPolicyENS:
		return e.execPolicyLoad(ctx, docID, p.Name)
	case contracts.KindConnect:
		if err := e.repo.PutDocState(ctx, docID, stateConnectURI, p.URI); err != nil {
			return "", "", err
		}
		return "WalletConnect pairing stored", "", nil
	case contracts.KindTx:
		return e.execRawTx(ctx, docID, p.Payload)
	case contracts.KindSign:
		return e.execSign(ctx, docID, p.Payload)

	case contracts.KindSchedule:
		sched, err := e.sched.Create(ctx, docID, p)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Scheduled %s every %dh (%s)", sched.InnerCommand, sched.IntervalHours, sched.ScheduleID), "", nil
	case contracts.KindCancelSchedule:
		ok, err := e.sched.Cancel(ctx, docID, p.ScheduleID)
		if err != nil {
			return "", "", err
		}
		if !ok {
			return "", "", fmt.Errorf("schedule %s is not active", p.ScheduleID)
		}
		return fmt.Sprintf("Schedule %s cancelled", p.ScheduleID), "", nil
	case contracts.KindAutoRebalance:
		v := "false"
		if p.Enabled {
			v = "true"
		}
		if err := e.repo.PutDocState(ctx, docID, stateAutoRebalance, v); err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Auto-rebalance %s", strings.ToUpper(v)), "", nil
	}
	return "", "", fmt.Errorf("unhandled command kind %s", p.Kind)
}

// walletBundle decrypts the document's wallet keys for the duration of
// one dispatch. Callers must not retain the bundle.
func (e *Engine) walletBundle(ctx context.Context, docID string) (*keys.WalletBundle, error) {
	if e.vault == nil {
		return nil, errors.New("no vault configured")
	}
	sealed, err := e.repo.GetDocumentSecrets(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("document wallet not provisioned; run DW SETUP")
	}
	if err != nil {
		return nil, err
	}
	return keys.OpenWalletBundle(e.vault, sealed)
}

func (e *Engine) execSetup(ctx context.Context, docID string) (string, string, error) {
	_, err := e.repo.GetDocumentSecrets(ctx, docID)
	if err == nil {
		return "Wallet already provisioned", "", nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", "", err
	}

	bundle, addrs, err := keys.GenerateWallet()
	if err != nil {
		return "", "", fmt.Errorf("generate wallet: %w", err)
	}
	sealed, err := bundle.Seal(e.vault)
	if err != nil {
		return "", "", fmt.Errorf("seal wallet: %w", err)
	}
	if err := e.repo.PutDocumentSecrets(ctx, docID, sealed); err != nil {
		return "", "", err
	}

	if e.clients.Custodial != nil {
		wallet, err := e.clients.Custodial.EnsureWallet(ctx, docID)
		if err != nil {
			return "", "", fmt.Errorf("provision custodial wallet: %w", err)
		}
		if err := e.repo.PutCustodialWallet(ctx, &contracts.CustodialWallet{
			DocID: docID, WalletID: wallet.WalletID, Address: wallet.Address,
		}); err != nil {
			return "", "", err
		}
		addrs[contracts.ChainArc] = wallet.Address
	}

	doc, err := e.repo.GetDocument(ctx, docID)
	if err != nil {
		return "", "", err
	}
	doc.Addresses = addrs
	if err := e.repo.UpsertDocument(ctx, doc); err != nil {
		return "", "", err
	}

	batch := make([]adapter.ConfigEntry, 0, len(addrs))
	for chain, addr := range addrs {
		batch = append(batch, adapter.ConfigEntry{
			Key: strings.ToUpper(string(chain)) + "_ADDRESS", Value: addr,
		})
	}
	if err := e.docs.WriteConfigBatch(ctx, docID, batch); err != nil {
		e.log.Warn("address config write failed", "docId", docID, "error", err)
	}
	return fmt.Sprintf("Wallet provisioned on %d chains", len(addrs)), "", nil
}

func (e *Engine) execStatus(ctx context.Context, docID string) (string, string, error) {
	quorumN, err := e.repo.GetQuorum(ctx, docID)
	if err != nil {
		return "", "", err
	}
	signers, err := e.repo.ListSigners(ctx, docID)
	if err != nil {
		return "", "", err
	}
	executed, err := e.repo.GetCounter(ctx, docID, contracts.CounterCommandsExecuted)
	if err != nil {
		return "", "", err
	}
	approvalsN, err := e.repo.GetCounter(ctx, docID, contracts.CounterApprovalsTotal)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("quorum=%d signers=%d executed=%d approvals=%d",
		quorumN, len(signers), executed, approvalsN), "", nil
}

func (e *Engine) execSessionCreate(ctx context.Context, docID string) (string, string, error) {
	if e.clients.StateChannel == nil {
		return "", "", errors.New("state channel client not configured")
	}
	signers, err := e.repo.ListSigners(ctx, docID)
	if err != nil {
		return "", "", err
	}
	if len(signers) == 0 {
		return "", "", errors.New("no registered signers to open a session for")
	}
	addrs := make([]string, len(signers))
	for i, s := range signers {
		addrs[i] = s.Address
	}
	sessionID, err := e.clients.StateChannel.OpenSession(ctx, addrs, nil)
	if err != nil {
		return "", "", err
	}
	if err := e.repo.PutSession(ctx, &contracts.Session{
		DocID: docID, SessionID: sessionID, Version: 0, Status: contracts.SessionOpen,
	}); err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Session %s opened with %d signers", sessionID, len(addrs)), sessionID, nil
}

func (e *Engine) execSessionClose(ctx context.Context, docID string) (string, string, error) {
	if e.clients.StateChannel == nil {
		return "", "", errors.New("state channel client not configured")
	}
	session, err := e.repo.GetSession(ctx, docID)
	if err != nil {
		return "", "", err
	}
	settlement, err := e.clients.StateChannel.CloseSession(ctx, session.SessionID)
	if err != nil {
		return "", "", err
	}
	if err := e.repo.CloseSession(ctx, docID); err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Session %s closed", session.SessionID), settlement.SettlementRef, nil
}

func (e *Engine) execOffChainSend(ctx context.Context, docID string, p *contracts.ParsedCommand) (string, string, error) {
	if e.clients.StateChannel == nil {
		return "", "", errors.New("state channel client not configured")
	}
	session, err := e.repo.GetSession(ctx, docID)
	if err != nil {
		return "", "", err
	}
	if session.Status != contracts.SessionOpen {
		return "", "", fmt.Errorf("session %s is %s", session.SessionID, session.Status)
	}
	amount, err := finance.Parse(p.Amount)
	if err != nil {
		return "", "", fmt.Errorf("bad amount: %w", err)
	}
	newVersion, err := e.clients.StateChannel.SendOffChain(ctx, session.SessionID, p.To, amount)
	if err != nil {
		return "", "", err
	}
	if _, err := e.repo.AdvanceSessionVersion(ctx, docID, session.Version, session.LastSigners); err != nil {
		e.log.Warn("session version record lagged", "docId", docID, "error", err)
	}
	return fmt.Sprintf("Sent %s %s off-chain to %s (version %d)", p.Amount, p.Asset, p.To, newVersion),
		fmt.Sprintf("%s#%d", session.SessionID, newVersion), nil
}

func (e *Engine) execLimitOrder(ctx context.Context, docID string, p *contracts.ParsedCommand) (string, string, error) {
	if e.clients.Orderbook == nil {
		return "", "", errors.New("order book client not configured")
	}
	bundle, err := e.walletBundle(ctx, docID)
	if err != nil {
		return "", "", err
	}
	qty, err := finance.Parse(p.Qty)
	if err != nil {
		return "", "", fmt.Errorf("bad qty: %w", err)
	}
	price, err := finance.Parse(p.Price)
	if err != nil {
		return "", "", fmt.Errorf("bad price: %w", err)
	}
	side := "BUY"
	if p.Kind == contracts.KindLimitSell {
		side = "SELL"
	}
	ref, err := e.clients.Orderbook.PlaceLimit(ctx,
		chains.KeyHandle{PrivateKeyHex: bundle.SuiPrivateKey}, p.Pair(), side, qty, price)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("%s %s %s @ %s placed, order %s", side, p.Qty, p.Pair(), p.Price, ref.OrderID), ref.Digest, nil
}

func (e *Engine) execMarketOrder(ctx context.Context, docID string, p *contracts.ParsedCommand) (string, string, error) {
	if e.clients.Orderbook == nil {
		return "", "", errors.New("order book client not configured")
	}
	bundle, err := e.walletBundle(ctx, docID)
	if err != nil {
		return "", "", err
	}
	qty, err := finance.Parse(p.Qty)
	if err != nil {
		return "", "", fmt.Errorf("bad qty: %w", err)
	}
	side := "BUY"
	if p.Kind == contracts.KindMarketSell {
		side = "SELL"
	}
	pair := p.Pair()
	if pair == "" {
		pair = p.Asset + "/USDC"
	}
	ref, err := e.clients.Orderbook.PlaceMarket(ctx,
		chains.KeyHandle{PrivateKeyHex: bundle.SuiPrivateKey}, pair, side, qty)
	if err != nil {
		return "", "", err
	}

	// Fill price approximated by the current mid for the trade ledger.
	if quote, qerr := e.clients.Orderbook.MidPrice(ctx, pair); qerr == nil {
		notional := qty.Mul(quote.Mid)
		e.recordTrade(ctx, &contracts.Trade{
			DocID: docID, Pair: pair, Side: side,
			Qty: qty.String(), Price: quote.Mid.String(), Notional: notional.String(),
		})
	}
	return fmt.Sprintf("Market %s %s %s filled, order %s", side, p.Qty, pair, ref.OrderID), ref.Digest, nil
}

// recordTrade appends to the authoritative sqlite ledger and, when a
// reporting mirror is configured, copies the row there. Neither write may
// fail the execution that produced the trade.
func (e *Engine) recordTrade(ctx context.Context, t *contracts.Trade) {
	if err := e.repo.AppendTrade(ctx, t); err != nil {
		e.log.Warn("trade ledger append failed", "docId", t.DocID, "error", err)
	}
	if e.mirror != nil {
		if err := e.mirror.Record(ctx, t); err != nil {
			e.log.Warn("trade mirror write failed", "docId", t.DocID, "error", err)
		}
	}
}

func (e *Engine) execOrderOp(ctx context.Context, docID string, op func(chains.KeyHandle) (chains.OrderRef, error), okText string) (string, string, error) {
	if e.clients.Orderbook == nil {
		return "", "", errors.New("order book client not configured")
	}
	bundle, err := e.walletBundle(ctx, docID)
	if err != nil {
		return "", "", err
	}
	ref, err := op(chains.KeyHandle{PrivateKeyHex: bundle.SuiPrivateKey})
	if err != nil {
		return "", "", err
	}
	return okText, ref.Digest, nil
}

func (e *Engine) execTradeHistory(ctx context.Context, docID string) (string, string, error) {
	trades, err := e.repo.ListTrades(ctx, docID, 20)
	if err != nil {
		return "", "", err
	}
	pnl, err := e.repo.RealisedPnl(ctx, docID)
	if err != nil {
		return "", "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d trades, realised PnL %s USD", len(trades), pnl)
	for _, t := range trades {
		fmt.Fprintf(&b, "; %s %s %s @ %s", t.Side, t.Qty, t.Pair, t.Price)
	}
	return b.String(), "", nil
}

func (e *Engine) armTrigger(ctx context.Context, docID, cmdID string, p *contracts.ParsedCommand) error {
	var armed []trigger
	if err := e.readStateJSON(ctx, docID, stateTriggers, &armed); err != nil {
		return err
	}
	armed = append(armed, trigger{
		CmdID: cmdID, Kind: string(p.Kind), Asset: p.Asset, Qty: p.Qty, Trigger: p.Price,
	})
	return e.writeStateJSON(ctx, docID, stateTriggers, armed)
}

func (e *Engine) armAlert(ctx context.Context, docID, cmdID string, p *contracts.ParsedCommand) error {
	var armed []alertWatch
	if err := e.readStateJSON(ctx, docID, stateAlerts, &armed); err != nil {
		return err
	}
	armed = append(armed, alertWatch{CmdID: cmdID, Asset: p.Asset, Below: p.Amount})
	return e.writeStateJSON(ctx, docID, stateAlerts, armed)
}

func (e *Engine) readStateJSON(ctx context.Context, docID, key string, dst any) error {
	raw, err := e.repo.GetDocState(ctx, docID, key)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func (e *Engine) writeStateJSON(ctx context.Context, docID, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.repo.PutDocState(ctx, docID, key, string(raw))
}

func (e *Engine) execPayout(ctx context.Context, docID, to, amount string) (string, string, error) {
	if e.clients.Custodial == nil {
		return "", "", errors.New("custodial client not configured")
	}
	wallet, err := e.custodialWallet(ctx, docID)
	if err != nil {
		return "", "", err
	}
	amt, err := finance.Parse(amount)
	if err != nil {
		return "", "", fmt.Errorf("bad amount: %w", err)
	}
	payout, err := e.clients.Custodial.Payout(ctx, wallet.WalletID, to, amt)
	if err != nil {
		return "", "", err
	}
	ref := payout.OnChainRef
	if ref == "" {
		ref = payout.ProviderTxID
	}
	return fmt.Sprintf("Paid %s USDC to %s (%s)", amount, to, payout.State), ref, nil
}

func (e *Engine) execPayoutSplit(ctx context.Context, docID string, p *contracts.ParsedCommand) (string, string, error) {
	total, err := finance.Parse(p.Amount)
	if err != nil {
		return "", "", fmt.Errorf("bad amount: %w", err)
	}
	units, err := total.MinorUnits(6)
	if err != nil {
		return "", "", fmt.Errorf("bad amount: %w", err)
	}

	var refs []string
	for _, split := range p.Splits {
		share := new(big.Int).Mul(units, big.NewInt(int64(split.Pct)))
		share.Div(share, big.NewInt(100))
		part := finance.FromMinorUnits(share, 6)
		_, ref, err := e.execPayout(ctx, docID, split.To, part.String())
		if err != nil {
			return "", "", fmt.Errorf("split to %s: %w", split.To, err)
		}
		refs = append(refs, ref)
	}
	return fmt.Sprintf("Split %s USDC across %d recipients", p.Amount, len(p.Splits)),
		strings.Join(refs, ","), nil
}

func (e *Engine) execBridge(ctx context.Context, docID string, p *contracts.ParsedCommand) (string, string, error) {
	if e.router == nil {
		return "", "", errors.New("bridge router not configured")
	}
	doc, err := e.repo.GetDocument(ctx, docID)
	if err != nil {
		return "", "", err
	}
	dest := doc.Addresses[p.ToChain]
	if dest == "" {
		return "", "", fmt.Errorf("no %s address for this document; run DW SETUP", p.ToChain)
	}
	amount, err := finance.Parse(p.Amount)
	if err != nil {
		return "", "", fmt.Errorf("bad amount: %w", err)
	}

	var key chains.KeyHandle
	if p.FromChain != contracts.ChainArc {
		bundle, err := e.walletBundle(ctx, docID)
		if err != nil {
			return "", "", err
		}
		switch p.FromChain {
		case contracts.ChainEVM:
			key = chains.KeyHandle{PrivateKeyHex: bundle.EvmPrivateKey}
		case contracts.ChainSui:
			key = chains.KeyHandle{PrivateKeyHex: bundle.SuiPrivateKey}
		}
	}

	res, err := e.router.Bridge(ctx, chains.BridgeRequest{
		DocID: docID, From: p.FromChain, To: p.ToChain,
		Dest: dest, Amount: amount, SourceKey: key,
	})
	if err != nil {
		return "", "", err
	}
	ref := res.OnChainRef
	if ref == "" {
		ref = res.ProviderTxID
	}
	verb := "Bridged"
	if p.Kind == contracts.KindRebalance {
		verb = "Rebalanced"
	}
	return fmt.Sprintf("%s %s USDC %s → %s (%s)", verb, p.Amount, p.FromChain, p.ToChain, res.State), ref, nil
}

func (e *Engine) execTreasury(ctx context.Context, docID string) (string, string, error) {
	rows, totalUsd, err := e.gatherBalances(ctx, docID)
	if err != nil {
		return "", "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio ≈ %s USD", totalUsd)
	for _, row := range rows {
		fmt.Fprintf(&b, "; %s %s %s", row.Location, row.Balance, row.Asset)
	}
	return b.String(), "", nil
}

func (e *Engine) execPolicyLoad(ctx context.Context, docID, name string) (string, string, error) {
	if e.clients.Resolver == nil {
		return "", "", errors.New("name resolver not configured")
	}
	record, err := e.clients.Resolver.ResolveTextRecord(ctx, name, policyTextKey)
	if errors.Is(err, chains.ErrNoRecord) {
		return "", "", fmt.Errorf("no %s record on %s", policyTextKey, name)
	}
	if err != nil {
		return "", "", err
	}
	if _, err := policy.ParseRecord(record); err != nil {
		return "", "", fmt.Errorf("policy record on %s is invalid: %w", name, err)
	}
	if err := e.repo.PutDocState(ctx, docID, statePolicy, record); err != nil {
		return "", "", err
	}
	if err := e.repo.SetPolicyName(ctx, docID, name); err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Policy loaded from %s", name), "", nil
}

func (e *Engine) execRawTx(ctx context.Context, docID, payload string) (string, string, error) {
	if e.clients.Evm == nil {
		return "", "", errors.New("evm client not configured")
	}
	var req chains.TxRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", "", fmt.Errorf("bad tx payload: %w", err)
	}
	bundle, err := e.walletBundle(ctx, docID)
	if err != nil {
		return "", "", err
	}
	txRef, err := e.clients.Evm.SendTransaction(ctx,
		chains.KeyHandle{PrivateKeyHex: bundle.EvmPrivateKey}, req)
	if err != nil {
		return "", "", err
	}
	return "Transaction submitted", txRef, nil
}

func (e *Engine) execSign(ctx context.Context, docID, payload string) (string, string, error) {
	if e.clients.Evm == nil {
		return "", "", errors.New("evm client not configured")
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(payload), &req); err != nil || req.Message == "" {
		return "", "", fmt.Errorf("bad sign payload: %v", err)
	}
	bundle, err := e.walletBundle(ctx, docID)
	if err != nil {
		return "", "", err
	}
	sig, err := e.clients.Evm.SignMessage(ctx,
		chains.KeyHandle{PrivateKeyHex: bundle.EvmPrivateKey}, []byte(req.Message))
	if err != nil {
		return "", "", err
	}
	return "0x" + hex.EncodeToString(sig), "", nil
}

func (e *Engine) custodialWallet(ctx context.Context, docID string) (*contracts.CustodialWallet, error) {
	wallet, err := e.repo.GetCustodialWallet(ctx, docID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	provisioned, err := e.clients.Custodial.EnsureWallet(ctx, docID)
	if err != nil {
		return nil, err
	}
	wallet = &contracts.CustodialWallet{DocID: docID, WalletID: provisioned.WalletID, Address: provisioned.Address}
	if err := e.repo.PutCustodialWallet(ctx, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}
