package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// WalletBundle is a document's per-chain signing keys, stored sealed as one
// blob. The custodial provider holds the arc key, so only its wallet id is
// carried here.
type WalletBundle struct {
	EvmPrivateKey string `json:"evmPrivateKey"` // hex, no 0x prefix
	SuiPrivateKey string `json:"suiPrivateKey"` // hex ed25519 seed
	ArcWalletID   string `json:"arcWalletId,omitempty"`
}

// GenerateWallet mints fresh keys for a new document and returns the bundle
// with the derived per-chain addresses.
func GenerateWallet() (*WalletBundle, map[contracts.Chain]string, error) {
	evmKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate evm key: %w", err)
	}
	evmAddr := strings.ToLower(ethcrypto.PubkeyToAddress(evmKey.PublicKey).Hex())

	suiPub, suiPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate sui key: %w", err)
	}

	bundle := &WalletBundle{
		EvmPrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(evmKey)),
		SuiPrivateKey: hex.EncodeToString(suiPriv.Seed()),
	}
	addrs := map[contracts.Chain]string{
		contracts.ChainEVM: evmAddr,
		contracts.ChainSui: SuiAddress(suiPub),
	}
	return bundle, addrs, nil
}

// SuiAddress derives the 32-byte account address: blake2b-256 over the
// ed25519 scheme flag byte followed by the public key.
func SuiAddress(pub ed25519.PublicKey) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x00})
	h.Write(pub)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Seal serialises and encrypts the bundle.
func (b *WalletBundle) Seal(v *Vault) ([]byte, error) {
	plain, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	defer Zero(plain)
	return v.Seal(plain)
}

// OpenWalletBundle decrypts and deserialises a sealed bundle.
func OpenWalletBundle(v *Vault, sealed []byte) (*WalletBundle, error) {
	plain, err := v.Open(sealed)
	if err != nil {
		return nil, err
	}
	defer Zero(plain)
	var b WalletBundle
	if err := json.Unmarshal(plain, &b); err != nil {
		return nil, fmt.Errorf("decode wallet bundle: %w", err)
	}
	return &b, nil
}
