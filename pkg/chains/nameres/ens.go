// Package nameres resolves policy records from the on-chain name service:
// text-record lookups against the ENS registry, fronted by a process-wide
// TTL cache with an optional shared Redis layer.
package nameres

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/docwallet/dwagent/pkg/chains"
)

// ENS registry, same address on mainnet and the testnets.
var registryAddr = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")

var (
	selResolver = crypto.Keccak256([]byte("resolver(bytes32)"))[:4]
	selText     = crypto.Keccak256([]byte("text(bytes32,string)"))[:4]
)

// ENSResolver reads text records through an EVM RPC endpoint.
type ENSResolver struct {
	rpc *ethclient.Client
}

// NewENS wraps an already-dialled client.
func NewENS(rpc *ethclient.Client) *ENSResolver {
	return &ENSResolver{rpc: rpc}
}

// Namehash implements the EIP-137 recursive label hash.
func Namehash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(strings.ToLower(name), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		copy(node[:], crypto.Keccak256(node[:], labelHash))
	}
	return node
}

// ResolveTextRecord returns the value stored under key for name, or
// ErrNoRecord when the name has no resolver or the record is empty.
func (r *ENSResolver) ResolveTextRecord(ctx context.Context, name, key string) (string, error) {
	node := Namehash(name)

	// 1. Registry lookup: which resolver serves this node.
	data := append(append([]byte{}, selResolver...), node[:]...)
	raw, err := r.rpc.CallContract(ctx, ethereum.CallMsg{To: &registryAddr, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("registry lookup for %s: %w", name, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("registry returned %d bytes for %s", len(raw), name)
	}
	resolver := common.BytesToAddress(raw[12:])
	if resolver == (common.Address{}) {
		return "", fmt.Errorf("%w: %s has no resolver", chains.ErrNoRecord, name)
	}

	// 2. Resolver call: text(node, key).
	data = encodeTextCall(node, key)
	raw, err = r.rpc.CallContract(ctx, ethereum.CallMsg{To: &resolver, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("text lookup %s[%s]: %w", name, key, err)
	}
	value, err := decodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode text record %s[%s]: %w", name, key, err)
	}
	if value == "" {
		return "", fmt.Errorf("%w: %s[%s]", chains.ErrNoRecord, name, key)
	}
	return value, nil
}

// encodeTextCall ABI-encodes text(bytes32,string).
func encodeTextCall(node [32]byte, key string) []byte {
	keyBytes := []byte(key)
	padded := len(keyBytes)
	if rem := padded % 32; rem != 0 {
		padded += 32 - rem
	}
	data := make([]byte, 0, 4+32*3+padded)
	data = append(data, selText...)
	data = append(data, node[:]...)
	data = append(data, common.LeftPadBytes([]byte{0x40}, 32)...) // offset of the string arg
	data = append(data, common.LeftPadBytes(big.NewInt(int64(len(keyBytes))).Bytes(), 32)...)
	data = append(data, common.RightPadBytes(keyBytes, padded)...)
	return data
}

// decodeString ABI-decodes a single dynamic string return value.
func decodeString(raw []byte) (string, error) {
	if len(raw) < 64 {
		if len(raw) == 0 {
			return "", nil
		}
		return "", fmt.Errorf("return too short: %d bytes", len(raw))
	}
	offset := int(common.BytesToHash(raw[:32]).Big().Int64())
	if offset+32 > len(raw) {
		return "", fmt.Errorf("offset %d out of range", offset)
	}
	length := int(common.BytesToHash(raw[offset : offset+32]).Big().Int64())
	if offset+32+length > len(raw) {
		return "", fmt.Errorf("length %d out of range", length)
	}
	return string(raw[offset+32 : offset+32+length]), nil
}
