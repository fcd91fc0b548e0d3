// Package orderbook implements the CLOB gateway client used by LIMIT and
// MARKET commands. The gateway speaks JSON-RPC; submissions carry an
// idempotency key derived from the request so a retried call cannot double
// an order.
package orderbook

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/docwallet/dwagent/pkg/chains"
	"github.com/docwallet/dwagent/pkg/finance"
)

// Client talks to one order-book gateway. Safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	reqID    atomic.Int64
}

// New builds a client for the gateway at endpoint.
func New(endpoint string) *Client {
	return &Client{endpoint: endpoint, http: &http.Client{}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0", ID: c.reqID.Add(1), Method: method, Params: params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", chains.Transient, method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: http %d", chains.Transient, method, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", chains.Transient, method, err)
	}
	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

type submitParams struct {
	Sender         string `json:"sender"`
	Signature      string `json:"signature"`
	Pair           string `json:"pair,omitempty"`
	Side           string `json:"side,omitempty"`
	Qty            string `json:"qty,omitempty"`
	Price          string `json:"price,omitempty"`
	Asset          string `json:"asset,omitempty"`
	OrderID        string `json:"orderId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type submitResult struct {
	Digest    string `json:"digest"`
	OrderID   string `json:"orderId,omitempty"`
	ManagerID string `json:"managerId"`
}

// idempotencyKey hashes the full request identity so a retried submission
// is recognised by the gateway.
func idempotencyKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// submit signs the request identity with the document's ed25519 key and
// sends it. The key never leaves the process.
func (c *Client) submit(ctx context.Context, method string, key chains.KeyHandle, p submitParams) (chains.OrderRef, error) {
	seed, err := hex.DecodeString(key.PrivateKeyHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return chains.OrderRef{}, errors.New("malformed order-book key")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	digest := sha256.Sum256([]byte(method + ":" + p.IdempotencyKey))
	p.Sender = hex.EncodeToString(pub)
	p.Signature = hex.EncodeToString(ed25519.Sign(priv, digest[:]))

	var res submitResult
	if err := c.call(ctx, method, p, &res); err != nil {
		return chains.OrderRef{}, err
	}
	return chains.OrderRef{Digest: res.Digest, OrderID: res.OrderID, ManagerID: res.ManagerID}, nil
}

func (c *Client) PlaceLimit(ctx context.Context, key chains.KeyHandle, pair, side string, qty, price finance.Amount) (chains.OrderRef, error) {
	return c.submit(ctx, "orderbook_placeLimit", key, submitParams{
		Pair: pair, Side: side,
		Qty: qty.String(), Price: price.String(),
		IdempotencyKey: idempotencyKey("limit", pair, side, qty.String(), price.String()),
	})
}

func (c *Client) PlaceMarket(ctx context.Context, key chains.KeyHandle, pair, side string, qty finance.Amount) (chains.OrderRef, error) {
	return c.submit(ctx, "orderbook_placeMarket", key, submitParams{
		Pair: pair, Side: side, Qty: qty.String(),
		IdempotencyKey: idempotencyKey("market", pair, side, qty.String()),
	})
}

func (c *Client) Cancel(ctx context.Context, key chains.KeyHandle, pair, orderID string) (chains.OrderRef, error) {
	return c.submit(ctx, "orderbook_cancel", key, submitParams{
		Pair: pair, OrderID: orderID,
		IdempotencyKey: idempotencyKey("cancel", pair, orderID),
	})
}

func (c *Client) Settle(ctx context.Context, key chains.KeyHandle) (chains.OrderRef, error) {
	return c.submit(ctx, "orderbook_settle", key, submitParams{
		IdempotencyKey: idempotencyKey("settle"),
	})
}

func (c *Client) Deposit(ctx context.Context, key chains.KeyHandle, asset string, qty finance.Amount) (chains.OrderRef, error) {
	return c.submit(ctx, "orderbook_deposit", key, submitParams{
		Asset: asset, Qty: qty.String(),
		IdempotencyKey: idempotencyKey("deposit", asset, qty.String()),
	})
}

func (c *Client) Withdraw(ctx context.Context, key chains.KeyHandle, asset string, qty finance.Amount) (chains.OrderRef, error) {
	return c.submit(ctx, "orderbook_withdraw", key, submitParams{
		Asset: asset, Qty: qty.String(),
		IdempotencyKey: idempotencyKey("withdraw", asset, qty.String()),
	})
}

type quoteResult struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
	Mid string `json:"mid"`
}

// MidPrice reads the top of book for a pair.
func (c *Client) MidPrice(ctx context.Context, pair string) (chains.Quote, error) {
	var res quoteResult
	if err := c.call(ctx, "orderbook_midPrice", map[string]string{"pair": pair}, &res); err != nil {
		return chains.Quote{}, err
	}
	bid, err := finance.Parse(res.Bid)
	if err != nil {
		return chains.Quote{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := finance.Parse(res.Ask)
	if err != nil {
		return chains.Quote{}, fmt.Errorf("ask: %w", err)
	}
	mid, err := finance.Parse(res.Mid)
	if err != nil {
		return chains.Quote{}, fmt.Errorf("mid: %w", err)
	}
	return chains.Quote{Bid: bid, Ask: ask, Mid: mid}, nil
}

type openOrderRow struct {
	OrderID   string `json:"orderId"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Qty       string `json:"qty"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updatedAt"`
}

// OpenOrders lists resting orders for an address on a pair.
func (c *Client) OpenOrders(ctx context.Context, address, pair string) ([]chains.OpenOrder, error) {
	var rows []openOrderRow
	err := c.call(ctx, "orderbook_openOrders", map[string]string{
		"address": address, "pair": pair,
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]chains.OpenOrder, 0, len(rows))
	for _, r := range rows {
		price, err := finance.Parse(r.Price)
		if err != nil {
			return nil, fmt.Errorf("order %s price: %w", r.OrderID, err)
		}
		qty, err := finance.Parse(r.Qty)
		if err != nil {
			return nil, fmt.Errorf("order %s qty: %w", r.OrderID, err)
		}
		out = append(out, chains.OpenOrder{
			OrderID: r.OrderID, Side: r.Side, Price: price, Qty: qty,
			Status: r.Status, UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}
