// Package evm implements the EVM-family chain client on go-ethereum:
// stable-token transfers, balance reads, raw transaction pass-through and
// personal-message signing.
package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/docwallet/dwagent/pkg/chains"
	"github.com/docwallet/dwagent/pkg/finance"
)

// ERC-20 selectors.
var (
	selTransfer  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	selBalanceOf = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// Client talks to one EVM RPC endpoint. Safe for concurrent use; the
// underlying ethclient pools connections.
type Client struct {
	rpc            *ethclient.Client
	chainID        *big.Int
	stableToken    common.Address
	stableDecimals int
	receiptWait    time.Duration
}

// Dial connects and pins the chain id so signatures cannot replay across
// networks.
func Dial(ctx context.Context, rpcURL, stableTokenAddr string) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	return &Client{
		rpc:            rpc,
		chainID:        chainID,
		stableToken:    common.HexToAddress(stableTokenAddr),
		stableDecimals: 6,
		receiptWait:    30 * time.Second,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// TransferStable sends amount of the stable token and waits for the receipt
// within the submission deadline.
func (c *Client) TransferStable(ctx context.Context, key chains.KeyHandle, to string, amount finance.Amount) (string, error) {
	units, err := amount.MinorUnits(c.stableDecimals)
	if err != nil {
		return "", err
	}
	data := make([]byte, 0, 4+64)
	data = append(data, selTransfer...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)

	tx, err := c.submit(ctx, key, c.stableToken, big.NewInt(0), data, 0)
	if err != nil {
		return "", err
	}
	if err := c.waitMined(ctx, tx.Hash()); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// GetBalances reads the native and stable balances of an address.
func (c *Client) GetBalances(ctx context.Context, address string) (chains.EvmBalances, error) {
	addr := common.HexToAddress(address)

	native, err := c.rpc.BalanceAt(ctx, addr, nil)
	if err != nil {
		return chains.EvmBalances{}, classify(fmt.Errorf("native balance: %w", err))
	}

	data := make([]byte, 0, 4+32)
	data = append(data, selBalanceOf...)
	data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.stableToken, Data: data}, nil)
	if err != nil {
		return chains.EvmBalances{}, classify(fmt.Errorf("stable balance: %w", err))
	}

	return chains.EvmBalances{
		Native: finance.FromMinorUnits(native, 18),
		Stable: finance.FromMinorUnits(new(big.Int).SetBytes(raw), c.stableDecimals),
	}, nil
}

// SendTransaction submits a raw pass-through transaction from DW TX.
func (c *Client) SendTransaction(ctx context.Context, key chains.KeyHandle, req chains.TxRequest) (string, error) {
	value := big.NewInt(0)
	if req.ValueWei != "" {
		v, ok := new(big.Int).SetString(req.ValueWei, 10)
		if !ok {
			return "", fmt.Errorf("malformed value %q", req.ValueWei)
		}
		value = v
	}
	var data []byte
	if req.Data != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(req.Data, "0x"))
		if err != nil {
			return "", fmt.Errorf("malformed calldata: %w", err)
		}
		data = b
	}
	tx, err := c.submit(ctx, key, common.HexToAddress(req.To), value, data, req.GasLimit)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// SignMessage signs with the EIP-191 personal-message prefix.
func (c *Client) SignMessage(_ context.Context, key chains.KeyHandle, msg []byte) ([]byte, error) {
	priv, err := crypto.HexToECDSA(key.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Sign(crypto.Keccak256([]byte(prefixed)), priv)
}

func (c *Client) submit(ctx context.Context, key chains.KeyHandle, to common.Address, value *big.Int, data []byte, gasLimit uint64) (*types.Transaction, error) {
	priv, err := crypto.HexToECDSA(key.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	from := crypto.PubkeyToAddress(priv.PublicKey)

	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify(fmt.Errorf("nonce: %w", err))
	}
	tipCap, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("gas tip: %w", err))
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("head: %w", err))
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	if gasLimit == 0 {
		gasLimit, err = c.rpc.EstimateGas(ctx, ethereum.CallMsg{
			From: from, To: &to, Value: value, Data: data,
			GasTipCap: tipCap, GasFeeCap: feeCap,
		})
		if err != nil {
			// Estimation failure usually means the call would revert.
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), priv)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return nil, classify(fmt.Errorf("send transaction: %w", err))
	}
	return signed, nil
}

// waitMined polls for the receipt with a bounded deadline. A receipt with
// status 0 is a revert, reported as permanent.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.receiptWait)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("transaction %s reverted", hash.Hex())
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return classify(err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: receipt wait for %s: %v", chains.Transient, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// classify wraps network-shaped failures as Transient so the executor
// retries them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", chains.Transient, err)
	}
	msg := err.Error()
	for _, marker := range []string{"connection refused", "timeout", "EOF", "503", "502", "429"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", chains.Transient, err)
		}
	}
	return err
}
