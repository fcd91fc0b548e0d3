// Package keys holds the agent's key material: per-document wallet keys and
// per-signer delegated session keys, encrypted at rest with AES-256-GCM
// under a single master key. Private halves only exist in plaintext inside
// signing calls.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Vault seals and opens secrets under the process master key.
type Vault struct {
	master []byte
}

// NewVault requires a 32-byte key for AES-256.
func NewVault(master []byte) (*Vault, error) {
	if len(master) != 32 {
		return nil, errors.New("master key must be 32 bytes for AES-256")
	}
	v := &Vault{master: make([]byte, 32)}
	copy(v.master, master)
	return v, nil
}

// Seal encrypts plaintext, returning nonce-prefixed ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.master)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts nonce-prefixed ciphertext produced by Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.master)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, data := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Zero overwrites key material once it is no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
