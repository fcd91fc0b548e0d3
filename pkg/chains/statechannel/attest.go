package statechannel

import (
	"encoding/json"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// AppState is the payload every approving signer attests before an
// execution may proceed. Hashing goes through RFC 8785 canonical JSON so
// every participant derives the same digest from the same logical state.
type AppState struct {
	SessionID string          `json:"sessionId"`
	Version   uint64          `json:"version"`
	Intent    string          `json:"intent"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Digest returns the 32-byte attestation digest of the state.
func (s *AppState) Digest() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal app state: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize app state: %w", err)
	}
	return ethcrypto.Keccak256(canonical), nil
}
