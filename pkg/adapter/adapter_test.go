package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCommandLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AddDocument("doc-1", "Treasury")
	m.AddUserCommand("doc-1", "c-1", "DW STATUS")

	refs, err := m.ListTrackedDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "Treasury", refs[0].DisplayName)

	tables, err := m.LoadTables(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, tables.Commands, 1)
	assert.Equal(t, "DW STATUS", tables.Commands[0].Raw)

	status, result := "EXECUTED", "ok"
	require.NoError(t, m.UpdateCommandRow(ctx, "doc-1", 0, CommandPatch{
		Status: &status, Result: &result,
	}))
	tables, err = m.LoadTables(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "EXECUTED", tables.Commands[0].Status)
	assert.Equal(t, "ok", tables.Commands[0].Result)

	// A loaded snapshot is a copy, not a live view.
	tables.Commands[0].Status = "FAILED"
	again, err := m.LoadTables(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "EXECUTED", again.Commands[0].Status)
}

func TestMemoryUnknownDocumentIsPermanent(t *testing.T) {
	m := NewMemory()
	_, err := m.LoadTables(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestMemoryConfigUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AddDocument("doc-1", "Treasury")

	require.NoError(t, m.WriteConfigBatch(ctx, "doc-1", []ConfigEntry{
		{Key: "AGENT_AUTOPROPOSE", Value: "false"},
		{Key: "QUORUM", Value: "2"},
	}))
	require.NoError(t, m.WriteConfigBatch(ctx, "doc-1", []ConfigEntry{
		{Key: "AGENT_AUTOPROPOSE", Value: "true"},
	}))

	tables, err := m.LoadTables(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, tables.Config, 2)
	assert.Equal(t, "true", tables.Config[0].Value)
}

// flaky fails with a transient error a fixed number of times before
// delegating to Memory.
type flaky struct {
	*Memory
	failures int
	calls    int
}

func (f *flaky) LoadTables(ctx context.Context, docID string) (*Tables, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: rate limited", ErrTransient)
	}
	return f.Memory.LoadTables(ctx, docID)
}

func newInstantRetrying(inner Adapter) *Retrying {
	r := NewRetrying(inner)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRetryingRecoversFromTransient(t *testing.T) {
	m := NewMemory()
	m.AddDocument("doc-1", "Treasury")
	f := &flaky{Memory: m, failures: 2}
	r := newInstantRetrying(f)

	_, err := r.LoadTables(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	m := NewMemory()
	m.AddDocument("doc-1", "Treasury")
	f := &flaky{Memory: m, failures: 100}
	r := newInstantRetrying(f)

	_, err := r.LoadTables(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, r.maxAttempts, f.calls)
}

func TestRetryingDoesNotRetryPermanent(t *testing.T) {
	m := NewMemory()
	r := newInstantRetrying(m)

	_, err := r.LoadTables(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestRetryingHonoursContext(t *testing.T) {
	m := NewMemory()
	m.AddDocument("doc-1", "Treasury")
	f := &flaky{Memory: m, failures: 100}
	r := NewRetrying(f)
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.LoadTables(ctx, "doc-1")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackoffIsDeterministicAndCapped(t *testing.T) {
	r := NewRetrying(NewMemory())
	assert.Equal(t, r.backoff("op", 3), r.backoff("op", 3))
	assert.NotEqual(t, r.backoff("op", 1), r.backoff("op", 2))

	huge := r.backoff("op", 29)
	assert.LessOrEqual(t, huge, time.Duration(r.maxMs+r.maxJitterMs)*time.Millisecond)
}
