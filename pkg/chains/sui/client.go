// Package sui implements the Sui chain client over JSON-RPC: stable-coin
// transfers with ed25519 intent signing and balance reads.
package sui

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"github.com/docwallet/dwagent/pkg/chains"
	"github.com/docwallet/dwagent/pkg/finance"
)

const (
	nativeCoinType = "0x2::sui::SUI"
	nativeDecimals = 9
	stableDecimals = 6
)

// Client talks to one Sui fullnode. Safe for concurrent use.
type Client struct {
	endpoint       string
	http           *http.Client
	stableCoinType string
	gasBudget      uint64
	reqID          atomic.Int64
}

// New builds a client for the fullnode at endpoint. stableCoinType is the
// full USDC coin type on the target network.
func New(endpoint, stableCoinType string) *Client {
	return &Client{
		endpoint:       endpoint,
		http:           &http.Client{},
		stableCoinType: stableCoinType,
		gasBudget:      10_000_000,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
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

type coinBalance struct {
	CoinType     string `json:"coinType"`
	TotalBalance string `json:"totalBalance"`
}

// GetBalances returns the native balance plus every non-native coin held.
func (c *Client) GetBalances(ctx context.Context, address string) (chains.SuiBalances, error) {
	var raw []coinBalance
	if err := c.call(ctx, "suix_getAllBalances", []any{address}, &raw); err != nil {
		return chains.SuiBalances{}, err
	}

	var out chains.SuiBalances
	for _, b := range raw {
		units, err := finance.Parse(b.TotalBalance)
		if err != nil {
			return chains.SuiBalances{}, fmt.Errorf("balance for %s: %w", b.CoinType, err)
		}
		if b.CoinType == nativeCoinType {
			out.Native = rescale(units, nativeDecimals)
			continue
		}
		out.StableCoins = append(out.StableCoins, chains.SuiCoinBalance{
			CoinType: b.CoinType,
			Balance:  rescale(units, stableDecimals),
		})
	}
	return out, nil
}

// rescale interprets an integer minor-unit count at the given decimals.
func rescale(units finance.Amount, decimals int) finance.Amount {
	minor, err := units.MinorUnits(0)
	if err != nil {
		return units
	}
	return finance.FromMinorUnits(minor, decimals)
}

type coinPage struct {
	Data []struct {
		CoinObjectID string `json:"coinObjectId"`
		Balance      string `json:"balance"`
	} `json:"data"`
}

type txBytesResult struct {
	TxBytes string `json:"txBytes"`
}

type executeResult struct {
	Digest  string `json:"digest"`
	Effects *struct {
		Status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"status"`
	} `json:"effects"`
}

// TransferCoin sends amount of the stable coin to an address and waits for
// local execution.
func (c *Client) TransferCoin(ctx context.Context, key chains.KeyHandle, to string, amount finance.Amount) (string, error) {
	seed, err := hex.DecodeString(key.PrivateKeyHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", errors.New("malformed sui key")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	sender := suiAddress(priv.Public().(ed25519.PublicKey))

	units, err := amount.MinorUnits(stableDecimals)
	if err != nil {
		return "", err
	}

	// Select enough coin objects to cover the amount.
	var page coinPage
	if err := c.call(ctx, "suix_getCoins", []any{sender, c.stableCoinType, nil, nil}, &page); err != nil {
		return "", err
	}
	var (
		coins   []any
		covered = finance.Zero
		target  = finance.FromMinorUnits(units, 0)
	)
	for _, coin := range page.Data {
		coins = append(coins, coin.CoinObjectID)
		b, err := finance.Parse(coin.Balance)
		if err != nil {
			return "", fmt.Errorf("coin balance: %w", err)
		}
		covered = covered.Add(b)
		if covered.Cmp(target) >= 0 {
			break
		}
	}
	if covered.Cmp(target) < 0 {
		return "", fmt.Errorf("insufficient %s balance: have %s, need %s minor units",
			c.stableCoinType, covered.String(), target.String())
	}

	var built txBytesResult
	err = c.call(ctx, "unsafe_pay", []any{
		sender, coins, []any{to}, []any{units.String()}, nil, fmt.Sprint(c.gasBudget),
	}, &built)
	if err != nil {
		return "", err
	}

	sig, err := signIntent(priv, built.TxBytes)
	if err != nil {
		return "", err
	}

	var exec executeResult
	err = c.call(ctx, "sui_executeTransactionBlock", []any{
		built.TxBytes, []any{sig},
		map[string]any{"showEffects": true},
		"WaitForLocalExecution",
	}, &exec)
	if err != nil {
		return "", err
	}
	if exec.Effects != nil && exec.Effects.Status.Status != "success" {
		return "", fmt.Errorf("transaction %s failed: %s", exec.Digest, exec.Effects.Status.Error)
	}
	return exec.Digest, nil
}

// signIntent produces the serialized ed25519 signature over the
// TransactionData intent: blake2b-256 of the intent prefix plus tx bytes.
func signIntent(priv ed25519.PrivateKey, txBytesB64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return "", fmt.Errorf("decode tx bytes: %w", err)
	}
	msg := append([]byte{0x00, 0x00, 0x00}, txBytes...)
	digest := blake2b.Sum256(msg)
	sig := ed25519.Sign(priv, digest[:])

	// flag(ed25519=0x00) || signature || pubkey
	serialized := make([]byte, 0, 1+len(sig)+ed25519.PublicKeySize)
	serialized = append(serialized, 0x00)
	serialized = append(serialized, sig...)
	serialized = append(serialized, priv.Public().(ed25519.PublicKey)...)
	return base64.StdEncoding.EncodeToString(serialized), nil
}

// suiAddress derives the account address from an ed25519 public key.
func suiAddress(pub ed25519.PublicKey) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x00})
	h.Write(pub)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
