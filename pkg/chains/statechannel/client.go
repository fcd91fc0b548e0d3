// Package statechannel implements the state-channel node client: session
// lifecycle, attested off-chain app state and the auth handshake. Transport
// is JSON-RPC over HTTP.
package statechannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/docwallet/dwagent/pkg/chains"
	"github.com/docwallet/dwagent/pkg/finance"
)

// Client talks to one state-channel node. Safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	reqID    atomic.Int64
}

// New builds a client for the node at endpoint.
func New(endpoint string) *Client {
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: 30 * time.Second}}
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

type allocationParam struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// OpenSession opens a session funded per allocations.
func (c *Client) OpenSession(ctx context.Context, signers []string, allocations []chains.Allocation) (string, error) {
	params := struct {
		Signers     []string          `json:"signers"`
		Allocations []allocationParam `json:"allocations"`
	}{Signers: signers}
	for _, a := range allocations {
		params.Allocations = append(params.Allocations, allocationParam{
			Participant: a.Participant, Asset: a.Asset, Amount: a.Amount.String(),
		})
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.call(ctx, "session_open", params, &res); err != nil {
		return "", err
	}
	return res.SessionID, nil
}

// SubmitAppState advances the session with a quorum-signed state. The node
// verifies every signature against the registered session keys and rejects
// stale versions, so a lost race surfaces as an error, not a fork.
func (c *Client) SubmitAppState(ctx context.Context, sessionID string, version uint64, intent string, payload []byte, quorumSigs []string) (uint64, error) {
	params := struct {
		SessionID  string          `json:"sessionId"`
		Version    uint64          `json:"version"`
		Intent     string          `json:"intent"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		QuorumSigs []string        `json:"quorumSigs"`
	}{sessionID, version, intent, payload, quorumSigs}

	var res struct {
		Version uint64 `json:"version"`
	}
	if err := c.call(ctx, "session_submitAppState", params, &res); err != nil {
		return 0, err
	}
	return res.Version, nil
}

// SendOffChain moves value inside the channel without touching the chain.
func (c *Client) SendOffChain(ctx context.Context, sessionID, to string, amount finance.Amount) (uint64, error) {
	var res struct {
		Version uint64 `json:"version"`
	}
	err := c.call(ctx, "session_send", map[string]string{
		"sessionId": sessionID, "to": to, "amount": amount.String(),
	}, &res)
	if err != nil {
		return 0, err
	}
	return res.Version, nil
}

// CloseSession settles the final allocation on chain.
func (c *Client) CloseSession(ctx context.Context, sessionID string) (chains.Settlement, error) {
	var res struct {
		SettlementRef string `json:"settlementRef"`
	}
	if err := c.call(ctx, "session_close", map[string]string{"sessionId": sessionID}, &res); err != nil {
		return chains.Settlement{}, err
	}
	return chains.Settlement{SettlementRef: res.SettlementRef}, nil
}

// AuthRequest asks the node for a login challenge to sign.
func (c *Client) AuthRequest(ctx context.Context, address string) (string, error) {
	var res struct {
		Challenge string `json:"challenge"`
	}
	if err := c.call(ctx, "auth_request", map[string]string{"address": address}, &res); err != nil {
		return "", err
	}
	return res.Challenge, nil
}

// AuthVerify proves the challenge signature to the node.
func (c *Client) AuthVerify(ctx context.Context, challenge, signature string) error {
	return c.call(ctx, "auth_verify", map[string]string{
		"challenge": challenge, "signature": signature,
	}, nil)
}
