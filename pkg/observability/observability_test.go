package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{ServiceName: "dwagent-test"})
	require.NoError(t, err)

	// No exporter is configured; every recording path must be a no-op
	// that does not panic.
	p.CommandExecuted(ctx, "PAYOUT")
	p.CommandFailed(ctx, "TRADE")
	p.ApprovalRecorded(ctx, "APPROVE")
	p.LoopFailure(ctx, "poll")

	execCtx, done := p.TrackExecution(ctx, "doc-1", "c-1", "PAYOUT")
	assert.NotNil(t, execCtx)
	done(nil)
	done2Ctx, done2 := p.TrackExecution(ctx, "doc-1", "c-2", "BRIDGE")
	assert.NotNil(t, done2Ctx)
	done2(errors.New("boom"))

	assert.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "dwagent", cfg.ServiceName)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestNilConfigFallsBackToDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "dwagent", p.config.ServiceName)
}
