package keys

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docwallet/dwagent/pkg/contracts"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return v
}

func TestNewVaultRejectsShortKey(t *testing.T) {
	_, err := NewVault([]byte("short"))
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := testVault(t)

	sealed, err := v.Seal([]byte("secret material"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret")

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret material"), plain)

	// Tampering breaks the GCM tag.
	sealed[len(sealed)-1] ^= 0xff
	_, err = v.Open(sealed)
	assert.Error(t, err)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	v := testVault(t)
	sealed, err := v.Seal([]byte("secret"))
	require.NoError(t, err)

	other, err := NewVault(bytes.Repeat([]byte{0x43}, 32))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestGenerateWallet(t *testing.T) {
	v := testVault(t)

	bundle, addrs, err := GenerateWallet()
	require.NoError(t, err)

	evm := addrs[contracts.ChainEVM]
	assert.True(t, strings.HasPrefix(evm, "0x"))
	assert.Len(t, evm, 42)
	assert.Equal(t, strings.ToLower(evm), evm)

	sui := addrs[contracts.ChainSui]
	assert.True(t, strings.HasPrefix(sui, "0x"))
	assert.Len(t, sui, 66)

	sealed, err := bundle.Seal(v)
	require.NoError(t, err)
	got, err := OpenWalletBundle(v, sealed)
	require.NoError(t, err)
	assert.Equal(t, bundle.EvmPrivateKey, got.EvmPrivateKey)
	assert.Equal(t, bundle.SuiPrivateKey, got.SuiPrivateKey)
}

func TestSuiAddressIsDeterministic(t *testing.T) {
	pub := ed25519.PublicKey(bytes.Repeat([]byte{0x01}, ed25519.PublicKeySize))
	assert.Equal(t, SuiAddress(pub), SuiAddress(pub))
}

func TestSessionKeySignAndRecover(t *testing.T) {
	v := testVault(t)
	now := time.Now()

	k, err := GenerateSessionKey(v, "doc-1", "alice", time.Hour, `{"maxUsd":"100"}`)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", k.DocID)
	assert.True(t, strings.HasPrefix(k.PublicKey, "0x"))

	digest := ethcrypto.Keccak256([]byte("app state v1"))
	sig, err := SignDigest(v, k, digest, now)
	require.NoError(t, err)

	addr, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, k.PublicKey, addr)
}

func TestSignDigestRefusesExpiredKey(t *testing.T) {
	v := testVault(t)

	k, err := GenerateSessionKey(v, "doc-1", "alice", time.Minute, "")
	require.NoError(t, err)

	digest := ethcrypto.Keccak256([]byte("app state v1"))
	_, err = SignDigest(v, k, digest, time.Now().Add(2*time.Minute))
	assert.ErrorContains(t, err, "expired")
}
