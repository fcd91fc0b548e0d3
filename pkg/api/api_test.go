package api_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docwallet/dwagent/pkg/api"
	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/keys"
	"github.com/docwallet/dwagent/pkg/quorum"
	"github.com/docwallet/dwagent/pkg/store"
)

type fixture struct {
	repo   *store.Repository
	vault  *keys.Vault
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "dwagent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	vault, err := keys.NewVault(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	srv, err := api.New(api.Params{
		Repo:      repo,
		Vault:     vault,
		Approvals: quorum.New(repo, vault, logger),
		Audit:     audit.NewLoggerWithWriter(&bytes.Buffer{}),
		JWTSecret: []byte("test-secret-test-secret-test-sec"),
		RateRPS:   1000,
		RateBurst: 1000,
		Logger:    logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{repo: repo, vault: vault, server: ts}
}

// wallet is a throwaway secp256k1 signer standing in for a real wallet.
type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) *wallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return &wallet{
		key:     key,
		address: strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

func (w *wallet) signPersonal(t *testing.T, msg string) string {
	t.Helper()
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256([]byte(prefixed)), w.key)
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(sig)
}

func (w *wallet) signDigest(t *testing.T, digest []byte) string {
	t.Helper()
	sig, err := ethcrypto.Sign(digest, w.key)
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(sig)
}

func (f *fixture) postJSON(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// join runs the full basic-mode handshake and returns a session token.
func (f *fixture) join(t *testing.T, w *wallet, docID string, weight int) string {
	t.Helper()
	resp, start := f.postJSON(t, "/join/start", map[string]any{
		"docId": docID, "address": w.address, "weight": weight,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, finish := f.postJSON(t, "/join/finish", map[string]any{
		"joinToken": start["joinToken"],
		"signature": w.signPersonal(t, start["message"].(string)),
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := finish["sessionToken"].(string)
	require.NotEmpty(t, token)
	return token
}

func (f *fixture) seedPendingCommand(t *testing.T, docID, cmdID string, quorumN int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertDocument(ctx, &contracts.Document{DocID: docID, DisplayName: docID}))
	require.NoError(t, f.repo.SetQuorum(ctx, docID, quorumN))

	parsed, err := json.Marshal(&contracts.ParsedCommand{
		Kind: contracts.KindPayout, Amount: "10", Asset: "USDC", To: "0x00000000000000000000000000000000000000aa",
	})
	require.NoError(t, err)
	require.NoError(t, f.repo.InsertCommand(ctx, &contracts.Command{
		CmdID: cmdID, DocID: docID,
		RawText:    "DW PAYOUT 10 USDC TO 0x00000000000000000000000000000000000000aa",
		ParsedJSON: parsed, Status: contracts.StatusRaw,
	}))
	ok, err := f.repo.SetApprovalURL(ctx, docID, cmdID, "https://approvals.test/approve?docId="+docID+"&cmdId="+cmdID)
	require.NoError(t, err)
	require.True(t, ok)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// attestDigest recomputes the digest an attested signer signs: keccak256
// over the RFC 8785 canonical form of the delegation payload.
func attestDigest(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	canonical, err := jcs.Transform(raw)
	require.NoError(t, err)
	return ethcrypto.Keccak256(canonical)
}

func TestBasicJoinThenDecisionReachesQuorum(t *testing.T) {
	f := newFixture(t)
	f.seedPendingCommand(t, "doc-1", "cmd-1", 1)
	alice := newWallet(t)

	token := f.join(t, alice, "doc-1", 1)

	signers, err := f.repo.ListSigners(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, alice.address, signers[0].Address)

	resp, body := f.postJSON(t, "/decision", map[string]any{
		"docId": "doc-1", "cmdId": "cmd-1", "decision": "APPROVE",
	}, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(contracts.StatusApproved), body["status"])
	assert.Equal(t, float64(1), body["approveWeight"])
	assert.Equal(t, false, body["duplicate"])

	// The command has left PENDING_APPROVAL; further decisions conflict.
	resp, _ = f.postJSON(t, "/decision", map[string]any{
		"docId": "doc-1", "cmdId": "cmd-1", "decision": "REJECT",
	}, bearer(token))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestFinishJoinWrongKeyWritesNothing(t *testing.T) {
	f := newFixture(t)
	alice, mallory := newWallet(t), newWallet(t)

	resp, start := f.postJSON(t, "/join/start", map[string]any{
		"docId": "doc-1", "address": alice.address, "weight": 1,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.postJSON(t, "/join/finish", map[string]any{
		"joinToken": start["joinToken"],
		"signature": mallory.signPersonal(t, start["message"].(string)),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	signers, err := f.repo.ListSigners(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, signers)
}

func TestFinishJoinAcceptsLegacyRecoveryID(t *testing.T) {
	f := newFixture(t)
	alice := newWallet(t)

	resp, start := f.postJSON(t, "/join/start", map[string]any{
		"docId": "doc-1", "address": alice.address, "weight": 2,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Wallets emit V as 27/28 rather than 0/1.
	sig := alice.signPersonal(t, start["message"].(string))
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	raw[64] += 27

	resp, _ = f.postJSON(t, "/join/finish", map[string]any{
		"joinToken": start["joinToken"],
		"signature": "0x" + hex.EncodeToString(raw),
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	signers, err := f.repo.ListSigners(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, 2, signers[0].Weight)
}

func TestFinishJoinTokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	alice := newWallet(t)
	ctx := context.Background()

	resp, start := f.postJSON(t, "/join/start", map[string]any{
		"docId": "doc-1", "address": alice.address, "weight": 3,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	finishBody := map[string]any{
		"joinToken": start["joinToken"],
		"signature": alice.signPersonal(t, start["message"].(string)),
	}
	resp, _ = f.postJSON(t, "/join/finish", finishBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The signer's weight changes after joining; presenting the captured
	// finish request again must not revert it.
	require.NoError(t, f.repo.UpsertSigner(ctx, &contracts.Signer{
		DocID: "doc-1", Address: alice.address, Weight: 5,
	}))

	resp, body := f.postJSON(t, "/join/finish", finishBody, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Contains(t, body["detail"], "already used")

	signers, err := f.repo.ListSigners(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, 5, signers[0].Weight)
}

func TestDuplicateDecisionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedPendingCommand(t, "doc-1", "cmd-1", 2)
	alice := newWallet(t)
	token := f.join(t, alice, "doc-1", 1)

	resp, body := f.postJSON(t, "/decision", map[string]any{
		"docId": "doc-1", "cmdId": "cmd-1", "decision": "APPROVE",
	}, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(contracts.StatusPendingApproval), body["status"])
	assert.Equal(t, false, body["duplicate"])

	resp, body = f.postJSON(t, "/decision", map[string]any{
		"docId": "doc-1", "cmdId": "cmd-1", "decision": "APPROVE",
	}, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(contracts.StatusPendingApproval), body["status"])
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, float64(1), body["approveWeight"])
}

func TestDecisionRequiresSession(t *testing.T) {
	f := newFixture(t)
	f.seedPendingCommand(t, "doc-1", "cmd-1", 1)

	resp, body := f.postJSON(t, "/decision", map[string]any{
		"docId": "doc-1", "cmdId": "cmd-1", "decision": "APPROVE",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Unauthorized", body["title"])
}

func TestDecisionBoundToSessionDocument(t *testing.T) {
	f := newFixture(t)
	f.seedPendingCommand(t, "doc-1", "cmd-1", 1)
	f.seedPendingCommand(t, "doc-2", "cmd-2", 1)
	alice := newWallet(t)
	token := f.join(t, alice, "doc-1", 1)

	resp, _ := f.postJSON(t, "/decision", map[string]any{
		"docId": "doc-2", "cmdId": "cmd-2", "decision": "APPROVE",
	}, bearer(token))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnregisteredSignerForbidden(t *testing.T) {
	f := newFixture(t)
	f.seedPendingCommand(t, "doc-1", "cmd-1", 1)

	// A validly signed session for an address that never joined.
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"docId":   "doc-1",
		"address": "0x00000000000000000000000000000000000000bb",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret-test-secret-test-sec"))
	require.NoError(t, err)

	resp, _ := f.postJSON(t, "/decision", map[string]any{
		"docId": "doc-1", "cmdId": "cmd-1", "decision": "APPROVE",
	}, bearer(signed))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAttestedJoinPersistsSessionKey(t *testing.T) {
	f := newFixture(t)
	alice := newWallet(t)

	resp, start := f.postJSON(t, "/join/start", map[string]any{
		"docId": "doc-1", "address": alice.address, "weight": 1, "mode": "attested",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "attested", start["mode"])

	payload, ok := start["payload"].(map[string]any)
	require.True(t, ok)
	sessionPub, _ := payload["sessionPublicKey"].(string)
	require.NotEmpty(t, sessionPub)

	// The signer hashes the canonical payload bytes and signs the digest.
	digest := attestDigest(t, payload)
	resp, finish := f.postJSON(t, "/join/finish", map[string]any{
		"joinToken": start["joinToken"],
		"signature": alice.signDigest(t, digest),
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, finish["sessionToken"])

	key, err := f.repo.GetSessionKey(context.Background(), "doc-1", alice.address)
	require.NoError(t, err)
	assert.Equal(t, sessionPub, key.PublicKey)
	assert.NotEmpty(t, key.EncryptedPrivate)
}

func TestApproveInfoShowsCommand(t *testing.T) {
	f := newFixture(t)
	f.seedPendingCommand(t, "doc-1", "cmd-1", 2)
	alice := newWallet(t)
	token := f.join(t, alice, "doc-1", 1)
	resp, _ := f.postJSON(t, "/decision", map[string]any{
		"docId": "doc-1", "cmdId": "cmd-1", "decision": "APPROVE",
	}, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(f.server.URL + "/approve?docId=doc-1&cmdId=cmd-1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&info))
	assert.Contains(t, info["raw"], "DW PAYOUT 10 USDC")
	assert.Equal(t, string(contracts.StatusPendingApproval), info["status"])
	assert.Equal(t, float64(2), info["quorum"])
	decisions, _ := info["decisions"].([]any)
	require.Len(t, decisions, 1)

	missing, err := http.Get(f.server.URL + "/approve?docId=doc-1&cmdId=nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRateLimitAnswers429(t *testing.T) {
	repo, err := store.Open(filepath.Join(t.TempDir(), "dwagent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	vault, err := keys.NewVault(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)

	srv, err := api.New(api.Params{
		Repo:      repo,
		Vault:     vault,
		Approvals: quorum.New(repo, vault, logger),
		JWTSecret: []byte("test-secret-test-secret-test-sec"),
		RateRPS:   1,
		RateBurst: 2,
		Logger:    logger,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			limited = true
			break
		}
	}
	assert.True(t, limited, "expected a 429 after exhausting the burst")
}

func TestStartJoinValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.postJSON(t, "/join/start", map[string]any{
		"docId": "doc-1", "address": "not-an-address", "weight": 1,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.postJSON(t, "/join/start", map[string]any{
		"docId": "doc-1", "address": newWallet(t).address, "weight": 0,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
