package api

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/keys"
)

const (
	joinModeBasic    = "basic"
	joinModeAttested = "attested"

	sessionKeyTTL = 24 * time.Hour
)

type startJoinRequest struct {
	DocID   string `json:"docId"`
	Address string `json:"address"`
	Weight  int    `json:"weight"`
	Mode    string `json:"mode,omitempty"`
}

type startJoinResponse struct {
	Mode      string          `json:"mode"`
	JoinToken string          `json:"joinToken"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// attestPayload is what an attested signer signs: the canonical form of
// the delegation they grant to the fresh session key.
type attestPayload struct {
	DocID            string `json:"docId"`
	Address          string `json:"address"`
	Weight           int    `json:"weight"`
	SessionPublicKey string `json:"sessionPublicKey"`
	ExpiresAt        int64  `json:"expiresAt"`
}

func (p attestPayload) digest() ([]byte, []byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal attest payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize attest payload: %w", err)
	}
	return ethcrypto.Keccak256(canonical), canonical, nil
}

// joinMessage is the EIP-191 text a basic-mode signer signs with their
// wallet. The nonce binds the signature to one start-join call.
func joinMessage(docID, address string, weight int, nonce string) string {
	return fmt.Sprintf("docwallet join\ndoc: %s\nsigner: %s\nweight: %d\nnonce: %s",
		docID, address, weight, nonce)
}

// personalDigest hashes a message the way eth_sign / personal_sign does.
func personalDigest(msg string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return ethcrypto.Keccak256([]byte(prefixed))
}

// decodeSignature parses a 65-byte hex signature, normalising the legacy
// recovery id (27/28) wallets produce.
func decodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	return raw, nil
}

func validAddress(a string) bool {
	if len(a) != 42 || !strings.HasPrefix(a, "0x") {
		return false
	}
	_, err := hex.DecodeString(a[2:])
	return err == nil
}

func (s *Server) handleStartJoin(w http.ResponseWriter, r *http.Request) {
	var req startJoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	req.Address = strings.ToLower(strings.TrimSpace(req.Address))
	if req.DocID == "" || !validAddress(req.Address) {
		WriteBadRequest(w, "docId and a 0x-prefixed signer address are required")
		return
	}
	if req.Weight < 1 {
		WriteBadRequest(w, "signer weight must be >= 1")
		return
	}
	if req.Mode == "" {
		req.Mode = joinModeBasic
	}

	now := s.now()
	claims := &joinClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(joinTokenTTL)),
			ID:        uuid.NewString(),
		},
		DocID:   req.DocID,
		Address: req.Address,
		Weight:  req.Weight,
		Mode:    req.Mode,
		Nonce:   uuid.NewString(),
	}

	resp := startJoinResponse{Mode: req.Mode}
	switch req.Mode {
	case joinModeBasic:
		resp.Message = joinMessage(req.DocID, req.Address, req.Weight, claims.Nonce)

	case joinModeAttested:
		if s.vault == nil {
			WriteBadRequest(w, "Attested join is not available on this deployment")
			return
		}
		key, err := keys.GenerateSessionKey(s.vault, req.DocID, req.Address, sessionKeyTTL, "{}")
		if err != nil {
			s.writeInternal(w, err)
			return
		}
		claims.SessionPublicKey = key.PublicKey
		claims.SessionSealed = base64.StdEncoding.EncodeToString(key.EncryptedPrivate)
		claims.SessionExpiresAt = key.ExpiresAt

		payload := attestPayload{
			DocID:            req.DocID,
			Address:          req.Address,
			Weight:           req.Weight,
			SessionPublicKey: key.PublicKey,
			ExpiresAt:        key.ExpiresAt,
		}
		_, canonical, err := payload.digest()
		if err != nil {
			s.writeInternal(w, err)
			return
		}
		resp.Payload = canonical

	default:
		WriteBadRequest(w, fmt.Sprintf("Unknown join mode %q", req.Mode))
		return
	}

	token, err := s.signToken(claims)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	resp.JoinToken = token

	s.log.Info("join started",
		"docId", req.DocID, "address", req.Address, "mode", req.Mode)
	writeJSON(w, http.StatusOK, resp)
}

type finishJoinRequest struct {
	JoinToken string `json:"joinToken"`
	Signature string `json:"signature"`
}

type finishJoinResponse struct {
	DocID        string `json:"docId"`
	Address      string `json:"address"`
	Weight       int    `json:"weight"`
	SessionToken string `json:"sessionToken"`
}

// handleFinishJoin verifies the wallet signature against the join token
// and only then persists the signer. A failed recovery writes nothing.
func (s *Server) handleFinishJoin(w http.ResponseWriter, r *http.Request) {
	var req finishJoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	claims, err := s.parseJoinToken(req.JoinToken)
	if err != nil {
		WriteUnauthorized(w, "Invalid or expired join token")
		return
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	var digest []byte
	switch claims.Mode {
	case joinModeBasic:
		digest = personalDigest(joinMessage(claims.DocID, claims.Address, claims.Weight, claims.Nonce))
	case joinModeAttested:
		payload := attestPayload{
			DocID:            claims.DocID,
			Address:          claims.Address,
			Weight:           claims.Weight,
			SessionPublicKey: claims.SessionPublicKey,
			ExpiresAt:        claims.SessionExpiresAt,
		}
		digest, _, err = payload.digest()
		if err != nil {
			s.writeInternal(w, err)
			return
		}
	default:
		WriteUnauthorized(w, "Join token has an unknown mode")
		return
	}

	recovered, err := keys.RecoverSigner(digest, sig)
	if err != nil || recovered != claims.Address {
		WriteUnauthorized(w, "Signature does not match the joining address")
		return
	}

	// The token is single-use: burn its jti before touching the signer
	// set, so a captured finish request cannot be presented again.
	ctx := r.Context()
	fresh, err := s.repo.ConsumeToken(ctx, claims.ID, claims.ExpiresAt.UnixMilli())
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if !fresh {
		WriteUnauthorized(w, "Join token was already used")
		return
	}

	if err := s.repo.UpsertSigner(ctx, &contracts.Signer{
		DocID:   claims.DocID,
		Address: claims.Address,
		Weight:  claims.Weight,
	}); err != nil {
		s.writeInternal(w, err)
		return
	}
	if claims.Mode == joinModeAttested {
		sealed, err := base64.StdEncoding.DecodeString(claims.SessionSealed)
		if err != nil {
			WriteUnauthorized(w, "Join token session key is corrupt")
			return
		}
		if err := s.repo.PutSessionKey(ctx, &contracts.SessionKey{
			DocID:            claims.DocID,
			Signer:           claims.Address,
			PublicKey:        claims.SessionPublicKey,
			EncryptedPrivate: sealed,
			ExpiresAt:        claims.SessionExpiresAt,
			AllowancesJSON:   "{}",
		}); err != nil {
			s.writeInternal(w, err)
			return
		}
	}

	sessionToken, err := s.mintSession(claims.DocID, claims.Address)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionToken,
		Path:     "/",
		Expires:  s.now().Add(sessionTTL),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	s.audit.Record(audit.Event{
		DocID:   claims.DocID,
		Type:    audit.EventSystem,
		Action:  "signer joined",
		Details: fmt.Sprintf("%s weight=%d mode=%s", claims.Address, claims.Weight, claims.Mode),
	})
	s.log.Info("join finished",
		"docId", claims.DocID, "address", claims.Address,
		"weight", claims.Weight, "mode", claims.Mode)

	writeJSON(w, http.StatusOK, finishJoinResponse{
		DocID:        claims.DocID,
		Address:      claims.Address,
		Weight:       claims.Weight,
		SessionToken: sessionToken,
	})
}

func (s *Server) mintSession(docID, address string) (string, error) {
	now := s.now()
	return s.signToken(&sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
			ID:        uuid.NewString(),
		},
		DocID:   docID,
		Address: address,
	})
}
