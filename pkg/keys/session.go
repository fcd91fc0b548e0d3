package keys

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// GenerateSessionKey mints a delegated secp256k1 key for a signer, sealed
// under the vault. The public half doubles as the attestation address.
func GenerateSessionKey(v *Vault, docID, signer string, ttl time.Duration, allowancesJSON string) (*contracts.SessionKey, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	raw := ethcrypto.FromECDSA(priv)
	defer Zero(raw)

	sealed, err := v.Seal(raw)
	if err != nil {
		return nil, err
	}
	return &contracts.SessionKey{
		DocID:            docID,
		Signer:           signer,
		PublicKey:        strings.ToLower(ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()),
		EncryptedPrivate: sealed,
		ExpiresAt:        time.Now().Add(ttl).UnixMilli(),
		AllowancesJSON:   allowancesJSON,
	}, nil
}

// SignDigest unwraps the session key, signs a 32-byte digest and rewipes the
// plaintext key. Expired keys are refused here, not just at the gate.
func SignDigest(v *Vault, k *contracts.SessionKey, digest []byte, now time.Time) ([]byte, error) {
	if now.UnixMilli() >= k.ExpiresAt {
		return nil, fmt.Errorf("session key for %s expired", k.Signer)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	raw, err := v.Open(k.EncryptedPrivate)
	if err != nil {
		return nil, err
	}
	defer Zero(raw)

	priv, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	return ethcrypto.Sign(digest, priv)
}

// RecoverSigner returns the lowercase address that produced a signature over
// a 32-byte digest.
func RecoverSigner(digest, sig []byte) (string, error) {
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

// SignatureHex renders a signature for transport.
func SignatureHex(sig []byte) string { return "0x" + hex.EncodeToString(sig) }
