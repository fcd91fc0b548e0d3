package quorum

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/keys"
	"github.com/docwallet/dwagent/pkg/store"
)

type fixture struct {
	repo  *store.Repository
	vault *keys.Vault
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "dwagent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	vault, err := keys.NewVault(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	return &fixture{
		repo:  repo,
		vault: vault,
		svc:   New(repo, vault, slog.New(slog.DiscardHandler)),
	}
}

func (f *fixture) seedPending(t *testing.T, docID, cmdID string, quorum int, weights map[string]int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertDocument(ctx, &contracts.Document{DocID: docID, DisplayName: docID}))
	for signer, w := range weights {
		require.NoError(t, f.repo.UpsertSigner(ctx, &contracts.Signer{DocID: docID, Address: signer, Weight: w}))
	}
	require.NoError(t, f.repo.SetQuorum(ctx, docID, quorum))

	parsed, err := json.Marshal(&contracts.ParsedCommand{Kind: contracts.KindPayout, Amount: "10", Asset: "USDC", To: "0xdest"})
	require.NoError(t, err)
	require.NoError(t, f.repo.InsertCommand(ctx, &contracts.Command{
		CmdID: cmdID, DocID: docID, RawText: "DW PAYOUT 10 USDC TO 0xdest",
		ParsedJSON: parsed, Status: contracts.StatusPendingApproval,
	}))
}

func TestDecideEscalatesToQuorum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPending(t, "doc-1", "c-1", 3, map[string]int{"alice": 2, "bob": 1})

	out, err := f.svc.Decide(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingApproval, out.Status)
	assert.Equal(t, 2, out.Tally.ApproveWeight)

	out, err = f.svc.Decide(ctx, "doc-1", "c-1", "bob", contracts.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, out.Status)

	n, err := f.repo.GetCounter(ctx, "doc-1", contracts.CounterApprovalsTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDecideIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPending(t, "doc-1", "c-1", 3, map[string]int{"alice": 2, "bob": 1})

	_, err := f.svc.Decide(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	require.NoError(t, err)
	out, err := f.svc.Decide(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, 2, out.Tally.ApproveWeight)

	n, err := f.repo.GetCounter(ctx, "doc-1", contracts.CounterApprovalsTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDecideRejectsUnknownSigner(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "doc-1", "c-1", 1, map[string]int{"alice": 1})

	_, err := f.svc.Decide(context.Background(), "doc-1", "c-1", "mallory", contracts.DecisionApprove)
	assert.ErrorIs(t, err, ErrUnknownSigner)
}

func TestDecideRefusesSettledCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPending(t, "doc-1", "c-1", 1, map[string]int{"alice": 1})

	_, err := f.svc.Decide(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestAutoApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPending(t, "doc-1", "c-1", 2, map[string]int{"alice": 1, "bob": 1})

	require.NoError(t, f.svc.AutoApprove(ctx, "doc-1", "c-1"))

	cmd, err := f.repo.GetCommand(ctx, "doc-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, cmd.Status)

	n, err := f.repo.GetCounter(ctx, "doc-1", contracts.CounterApprovalAvoided)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.ErrorIs(t, f.svc.AutoApprove(ctx, "doc-1", "c-1"), store.ErrStaleStatus)
}

func TestAttestationBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPending(t, "doc-1", "c-1", 2, map[string]int{"alice": 1, "bob": 1})

	require.NoError(t, f.repo.PutSession(ctx, &contracts.Session{
		DocID: "doc-1", SessionID: "sess-1", Version: 3, Status: contracts.SessionOpen,
	}))
	for _, signer := range []string{"alice", "bob"} {
		key, err := keys.GenerateSessionKey(f.vault, "doc-1", signer, time.Hour, "")
		require.NoError(t, err)
		require.NoError(t, f.repo.PutSessionKey(ctx, key))
	}
	_, err := f.svc.Decide(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	require.NoError(t, err)
	_, err = f.svc.Decide(ctx, "doc-1", "c-1", "bob", contracts.DecisionApprove)
	require.NoError(t, err)

	digest := ethcrypto.Keccak256([]byte("app state"))
	bundle, err := f.svc.AttestationBundle(ctx, "doc-1", "c-1", digest)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", bundle.SessionID)
	assert.Equal(t, uint64(3), bundle.FromVersion)
	assert.Len(t, bundle.Signatures, 2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, bundle.Signers)
}

func TestAttestationBundleFailsClosedOnExpiredKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPending(t, "doc-1", "c-1", 1, map[string]int{"alice": 1})

	require.NoError(t, f.repo.PutSession(ctx, &contracts.Session{
		DocID: "doc-1", SessionID: "sess-1", Version: 0, Status: contracts.SessionOpen,
	}))
	key, err := keys.GenerateSessionKey(f.vault, "doc-1", "alice", time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, f.repo.PutSessionKey(ctx, key))

	_, err = f.svc.Decide(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	digest := ethcrypto.Keccak256([]byte("app state"))
	_, err = f.svc.AttestationBundle(ctx, "doc-1", "c-1", digest)
	assert.ErrorIs(t, err, ErrSessionKeyExpired)
}

func TestAttestationBundleRequiresOpenSession(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "doc-1", "c-1", 1, map[string]int{"alice": 1})

	_, err := f.svc.AttestationBundle(context.Background(), "doc-1", "c-1", make([]byte, 32))
	assert.ErrorIs(t, err, ErrNoSession)
}
