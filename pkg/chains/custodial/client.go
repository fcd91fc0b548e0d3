// Package custodial implements the custodial-stablecoin provider client
// used for PAYOUT and the provider leg of BRIDGE. Transfers carry a
// deterministic idempotency key so a retried submission returns the
// original transaction instead of a duplicate.
package custodial

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docwallet/dwagent/pkg/chains"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

// Client talks to the provider's REST API. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client. The api key is sent as a bearer token.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", chains.Transient, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %v", chains.Transient, method, path, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s: http %d", chains.Transient, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, e.Code, e.Message)
		}
		return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

type walletResponse struct {
	WalletID string `json:"walletId"`
	Address  string `json:"address"`
}

// EnsureWallet provisions (or fetches) the provider wallet bound to a
// document. The provider deduplicates on the external reference.
func (c *Client) EnsureWallet(ctx context.Context, docID string) (chains.Wallet, error) {
	var res walletResponse
	err := c.do(ctx, http.MethodPost, "/v1/wallets", map[string]string{
		"externalRef": docID,
	}, &res)
	if err != nil {
		return chains.Wallet{}, err
	}
	return chains.Wallet{WalletID: res.WalletID, Address: res.Address}, nil
}

type transferRequest struct {
	WalletID       string `json:"walletId"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	DestChain      string `json:"destChain,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type transferResponse struct {
	ProviderTxID string `json:"providerTxId"`
	OnChainRef   string `json:"onChainRef,omitempty"`
	State        string `json:"state"`
}

func transferKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Payout sends amount USDC from the wallet to an address on the provider's
// native chain.
func (c *Client) Payout(ctx context.Context, walletID, to string, amount finance.Amount) (chains.Payout, error) {
	var res transferResponse
	err := c.do(ctx, http.MethodPost, "/v1/transfers", transferRequest{
		WalletID: walletID, To: to, Amount: amount.String(), Currency: "USDC",
		IdempotencyKey: transferKey("payout", walletID, to, amount.String()),
	}, &res)
	if err != nil {
		return chains.Payout{}, err
	}
	return chains.Payout{ProviderTxID: res.ProviderTxID, OnChainRef: res.OnChainRef, State: res.State}, nil
}

// Bridge sends amount USDC from the wallet to an address on another chain
// family.
func (c *Client) Bridge(ctx context.Context, walletID string, dest contracts.Chain, to string, amount finance.Amount) (chains.Payout, error) {
	var res transferResponse
	err := c.do(ctx, http.MethodPost, "/v1/transfers", transferRequest{
		WalletID: walletID, To: to, Amount: amount.String(), Currency: "USDC",
		DestChain:      string(dest),
		IdempotencyKey: transferKey("bridge", walletID, string(dest), to, amount.String()),
	}, &res)
	if err != nil {
		return chains.Payout{}, err
	}
	return chains.Payout{ProviderTxID: res.ProviderTxID, OnChainRef: res.OnChainRef, State: res.State}, nil
}

// WaitSettled polls a transfer until it leaves a pending state or the
// deadline expires. Bridges may take minutes; callers bound the context.
func (c *Client) WaitSettled(ctx context.Context, providerTxID string) (chains.Payout, error) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		var res transferResponse
		if err := c.do(ctx, http.MethodGet, "/v1/transfers/"+providerTxID, nil, &res); err != nil {
			return chains.Payout{}, err
		}
		switch res.State {
		case "PENDING", "PROCESSING":
		default:
			return chains.Payout{ProviderTxID: res.ProviderTxID, OnChainRef: res.OnChainRef, State: res.State}, nil
		}
		select {
		case <-ctx.Done():
			return chains.Payout{}, fmt.Errorf("%w: transfer %s still pending: %v", chains.Transient, providerTxID, ctx.Err())
		case <-ticker.C:
		}
	}
}
