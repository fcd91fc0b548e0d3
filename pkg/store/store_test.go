package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/finance"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "dwagent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func seedDocument(t *testing.T, r *Repository, docID string) {
	t.Helper()
	require.NoError(t, r.UpsertDocument(context.Background(), &contracts.Document{
		DocID:       docID,
		DisplayName: "Treasury",
		Addresses: map[contracts.Chain]string{
			contracts.ChainEVM: "0x00000000000000000000000000000000000000aa",
		},
	}))
}

func seedCommand(t *testing.T, r *Repository, docID, cmdID string, status contracts.CommandStatus) {
	t.Helper()
	parsed, err := json.Marshal(&contracts.ParsedCommand{
		Kind: contracts.KindPayout, Amount: "100", Asset: "USDC",
		To: "0x00000000000000000000000000000000000000bb",
	})
	require.NoError(t, err)
	require.NoError(t, r.InsertCommand(context.Background(), &contracts.Command{
		CmdID:      cmdID,
		DocID:      docID,
		RawText:    "DW PAYOUT 100 USDC TO 0x00000000000000000000000000000000000000bb",
		ParsedJSON: parsed,
		Status:     status,
	}))
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dwagent.db")

	r, err := Open(path)
	require.NoError(t, err)
	v1, err := r.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	v2, err := r.SchemaVersion(context.Background())
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, len(migrations), v2)
}

func TestDocumentRoundTrip(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")

	doc, err := r.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Treasury", doc.DisplayName)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", doc.Addresses[contracts.ChainEVM])
	assert.NotZero(t, doc.CreatedAt)

	_, err = r.GetDocument(ctx, "doc-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuorumDefaultsToOne(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	q, err := r.GetQuorum(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, q)

	require.NoError(t, r.SetQuorum(ctx, "doc-1", 3))
	q, err = r.GetQuorum(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, q)

	assert.Error(t, r.SetQuorum(ctx, "doc-1", 0))
}

func TestInsertCommandEnforcesInvalidInvariant(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")

	// INVALID with a parsed value is contradictory.
	err := r.InsertCommand(ctx, &contracts.Command{
		CmdID: "c-bad-1", DocID: "doc-1", RawText: "DW FOO",
		ParsedJSON: json.RawMessage(`{"kind":"PAYOUT"}`),
		Status:     contracts.StatusInvalid,
	})
	assert.Error(t, err)

	// RAW without a parsed value is equally contradictory.
	err = r.InsertCommand(ctx, &contracts.Command{
		CmdID: "c-bad-2", DocID: "doc-1", RawText: "DW FOO",
		Status: contracts.StatusRaw,
	})
	assert.Error(t, err)

	// INVALID rows keep the raw text and parse error for the result column.
	require.NoError(t, r.InsertCommand(ctx, &contracts.Command{
		CmdID: "c-inv", DocID: "doc-1", RawText: "DW FOOBAR",
		ParseError: "Unknown command: FOOBAR",
		Status:     contracts.StatusInvalid,
	}))
	cmd, err := r.GetCommand(ctx, "doc-1", "c-inv")
	require.NoError(t, err)
	assert.Equal(t, "Unknown command: FOOBAR", cmd.ParseError)
	assert.Nil(t, cmd.ParsedJSON)
}

func TestCompareAndSwapStatusSingleWinner(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")
	seedCommand(t, r, "doc-1", "c-1", contracts.StatusApproved)

	ok, err := r.CompareAndSwapStatus(ctx, "doc-1", "c-1", contracts.StatusApproved, contracts.StatusExecuting)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claimant loses the race without error.
	ok, err = r.CompareAndSwapStatus(ctx, "doc-1", "c-1", contracts.StatusApproved, contracts.StatusExecuting)
	require.NoError(t, err)
	assert.False(t, ok)

	// An edge outside the state machine is an error, not a silent no-op.
	_, err = r.CompareAndSwapStatus(ctx, "doc-1", "c-1", contracts.StatusExecuted, contracts.StatusRaw)
	assert.Error(t, err)
}

func TestSetCommandOutcomeRequiresExecuting(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")
	seedCommand(t, r, "doc-1", "c-1", contracts.StatusExecuting)

	require.NoError(t, r.SetCommandOutcome(ctx, "doc-1", "c-1", contracts.StatusExecuted, "✅ Sent 100 USDC", ""))

	cmd, err := r.GetCommand(ctx, "doc-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, cmd.Status)
	assert.Equal(t, "✅ Sent 100 USDC", cmd.ResultText)

	// Finalising twice hits a stale status.
	err = r.SetCommandOutcome(ctx, "doc-1", "c-1", contracts.StatusFailed, "", "boom")
	assert.ErrorIs(t, err, ErrStaleStatus)
}

func TestRecordApprovalIsIdempotent(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")
	seedCommand(t, r, "doc-1", "c-1", contracts.StatusPendingApproval)
	require.NoError(t, r.UpsertSigner(ctx, &contracts.Signer{DocID: "doc-1", Address: "alice", Weight: 2}))
	require.NoError(t, r.UpsertSigner(ctx, &contracts.Signer{DocID: "doc-1", Address: "bob", Weight: 1}))

	tally, err := r.RecordApproval(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, 2, tally.ApproveWeight)
	assert.Equal(t, 3, tally.TotalWeight)

	// The duplicate leaves exactly one approval row and the tally unchanged.
	tally, err = r.RecordApproval(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	assert.ErrorIs(t, err, ErrDuplicateApproval)
	assert.Equal(t, 2, tally.ApproveWeight)

	rows, err := r.ListApprovals(ctx, "doc-1", "c-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPromoteIfQuorumApproves(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")
	seedCommand(t, r, "doc-1", "c-1", contracts.StatusPendingApproval)
	require.NoError(t, r.UpsertSigner(ctx, &contracts.Signer{DocID: "doc-1", Address: "alice", Weight: 2}))
	require.NoError(t, r.UpsertSigner(ctx, &contracts.Signer{DocID: "doc-1", Address: "bob", Weight: 1}))
	require.NoError(t, r.SetQuorum(ctx, "doc-1", 3))

	_, err := r.RecordApproval(ctx, "doc-1", "c-1", "alice", contracts.DecisionApprove)
	require.NoError(t, err)
	promoted, status, err := r.PromoteIfQuorum(ctx, "doc-1", "c-1", 3)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, contracts.StatusPendingApproval, status)

	_, err = r.RecordApproval(ctx, "doc-1", "c-1", "bob", contracts.DecisionApprove)
	require.NoError(t, err)
	promoted, status, err = r.PromoteIfQuorum(ctx, "doc-1", "c-1", 3)
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Equal(t, contracts.StatusApproved, status)

	// Promotion is sticky: a later call observes the settled status.
	promoted, status, err = r.PromoteIfQuorum(ctx, "doc-1", "c-1", 3)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, contracts.StatusApproved, status)
}

func TestPromoteIfQuorumRejectsWhenUnreachable(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")
	seedCommand(t, r, "doc-1", "c-1", contracts.StatusPendingApproval)
	require.NoError(t, r.UpsertSigner(ctx, &contracts.Signer{DocID: "doc-1", Address: "alice", Weight: 2}))
	require.NoError(t, r.UpsertSigner(ctx, &contracts.Signer{DocID: "doc-1", Address: "bob", Weight: 1}))

	// quorum 3, total 3: a single reject of weight 1 makes approval
	// unreachable (reject 1 > total 3 − quorum 3).
	_, err := r.RecordApproval(ctx, "doc-1", "c-1", "bob", contracts.DecisionReject)
	require.NoError(t, err)
	promoted, status, err := r.PromoteIfQuorum(ctx, "doc-1", "c-1", 3)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, contracts.StatusRejected, status)

	// The approval rows are cleared on rejection.
	rows, err := r.ListApprovals(ctx, "doc-1", "c-1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	cmd, err := r.GetCommand(ctx, "doc-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, cmd.Status)
	assert.NotEmpty(t, cmd.ErrorText)
}

func TestSetApprovalURLAdvancesRaw(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")
	seedCommand(t, r, "doc-1", "c-1", contracts.StatusRaw)

	ok, err := r.SetApprovalURL(ctx, "doc-1", "c-1", "https://agent.example/approve/doc-1/c-1")
	require.NoError(t, err)
	assert.True(t, ok)

	cmd, err := r.GetCommand(ctx, "doc-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingApproval, cmd.Status)
	assert.Equal(t, "https://agent.example/approve/doc-1/c-1", cmd.ApprovalURL)

	ok, err = r.SetApprovalURL(ctx, "doc-1", "c-1", "https://other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveScheduleRun(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	seedDocument(t, r, "doc-1")

	base := int64(1_700_000_000_000)
	require.NoError(t, r.InsertSchedule(ctx, &contracts.Schedule{
		ScheduleID:    "s-1",
		DocID:         "doc-1",
		InnerCommand:  "DW PAYOUT 50 USDC TO 0x00000000000000000000000000000000000000bb",
		IntervalHours: 24,
		NextRunAt:     base,
		Status:        contracts.ScheduleActive,
	}))

	due, err := r.ListDueSchedules(ctx, base)
	require.NoError(t, err)
	require.Len(t, due, 1)

	now := base + 5_000
	ok, err := r.ReserveScheduleRun(ctx, "s-1", base, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second tick holding the same observed deadline loses.
	ok, err = r.ReserveScheduleRun(ctx, "s-1", base, now)
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := r.GetSchedule(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, base+24*3_600_000, s.NextRunAt)
	assert.Equal(t, 1, s.TotalRuns)
	assert.Equal(t, now, s.LastRunAt)

	require.NoError(t, r.LinkScheduleRun(ctx, "s-1", "c-run-1"))
	ids, err := r.ListScheduleRuns(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c-run-1"}, ids)
}

func TestCancelSchedule(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertSchedule(ctx, &contracts.Schedule{
		ScheduleID: "s-1", DocID: "doc-1", InnerCommand: "DW STATUS",
		IntervalHours: 1, NextRunAt: 1, Status: contracts.ScheduleActive,
	}))

	ok, err := r.CancelSchedule(ctx, "doc-1", "s-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Cancelling again is a reported no-op.
	ok, err = r.CancelSchedule(ctx, "doc-1", "s-1")
	require.NoError(t, err)
	assert.False(t, ok)

	due, err := r.ListDueSchedules(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSessionVersionIsMonotonic(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.PutSession(ctx, &contracts.Session{
		DocID: "doc-1", SessionID: "sess-1", Version: 4,
		Status: contracts.SessionOpen,
	}))

	ok, err := r.AdvanceSessionVersion(ctx, "doc-1", 4, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.True(t, ok)

	// A bump guarded on the old version fails.
	ok, err = r.AdvanceSessionVersion(ctx, "doc-1", 4, []string{"alice"})
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := r.GetSession(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), s.Version)
	assert.Equal(t, []string{"alice", "bob"}, s.LastSigners)

	require.NoError(t, r.CloseSession(ctx, "doc-1"))
	ok, err = r.AdvanceSessionVersion(ctx, "doc-1", 5, []string{"alice"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDailySpendAccumulates(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	got, err := r.GetDailySpend(ctx, "doc-1", "2026-08-26")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	require.NoError(t, r.AddDailySpend(ctx, "doc-1", "2026-08-26", finance.MustParse("100.50")))
	require.NoError(t, r.AddDailySpend(ctx, "doc-1", "2026-08-26", finance.MustParse("0.25")))
	got, err = r.GetDailySpend(ctx, "doc-1", "2026-08-26")
	require.NoError(t, err)
	assert.Equal(t, "100.75", got.String())

	// Buckets are per day.
	got, err = r.GetDailySpend(ctx, "doc-1", "2026-08-27")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	assert.Error(t, r.AddDailySpend(ctx, "doc-1", "2026-08-26", finance.MustParse("-1")))
}

func TestCountersAndTrades(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	v, err := r.GetCounter(ctx, "doc-1", contracts.CounterApprovalsTotal)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, r.IncrCounter(ctx, "doc-1", contracts.CounterApprovalsTotal, 1))
	require.NoError(t, r.IncrCounter(ctx, "doc-1", contracts.CounterApprovalsTotal, 2))
	v, err = r.GetCounter(ctx, "doc-1", contracts.CounterApprovalsTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	require.NoError(t, r.AppendTrade(ctx, &contracts.Trade{
		DocID: "doc-1", Pair: "ETH/USDC", Side: "BUY",
		Qty: "0.5", Price: "2000", Notional: "1000",
		FeeUsd: "1", RealisedPnlUsd: "0", CreatedAt: 1,
	}))
	require.NoError(t, r.AppendTrade(ctx, &contracts.Trade{
		DocID: "doc-1", Pair: "ETH/USDC", Side: "SELL",
		Qty: "0.5", Price: "2100", Notional: "1050",
		FeeUsd: "1", RealisedPnlUsd: "48", CreatedAt: 2,
	}))

	trades, err := r.ListTrades(ctx, "doc-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "SELL", trades[0].Side)

	pnl, err := r.RealisedPnl(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "48", pnl.String())
}

func TestDocStateRoundTrip(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	v, err := r.GetDocState(ctx, "doc-1", "pollHash")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, r.PutDocState(ctx, "doc-1", "pollHash", "abc"))
	require.NoError(t, r.PutDocState(ctx, "doc-1", "pollHash", "def"))
	v, err = r.GetDocState(ctx, "doc-1", "pollHash")
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}

func TestConsumeTokenBurnsJTI(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	expiry := nowMillis() + time.Minute.Milliseconds()

	fresh, err := r.ConsumeToken(ctx, "jti-1", expiry)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = r.ConsumeToken(ctx, "jti-1", expiry)
	require.NoError(t, err)
	assert.False(t, fresh)

	// A different jti is unaffected.
	fresh, err = r.ConsumeToken(ctx, "jti-2", expiry)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Expired entries are pruned, so an old jti can be reclaimed.
	fresh, err = r.ConsumeToken(ctx, "jti-old", nowMillis()-1)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = r.ConsumeToken(ctx, "jti-old", nowMillis()+time.Minute.Milliseconds())
	require.NoError(t, err)
	assert.True(t, fresh)
}
