package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DW_MASTER_KEY", strings.Repeat("ab", 32))
	t.Setenv("DW_JWT_SECRET", "test-secret")
	t.Setenv("DW_PUBLIC_BASE_URL", "https://approvals.example.com")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "dwagent.db", cfg.SQLitePath)
	assert.Equal(t, 15*time.Second, cfg.Intervals.Poll)
	assert.Equal(t, 5*time.Second, cfg.Intervals.Executor)
	assert.Equal(t, 60*time.Second, cfg.Intervals.Discovery)
	assert.Len(t, cfg.MasterKey(), 32)
}

func TestLoadRejectsBadMasterKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DW_MASTER_KEY", "deadbeef")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DW_MASTER_KEY")
}

func TestLoadRejectsEnabledChainWithoutEndpoint(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DW_EVM_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DW_EVM_RPC_URL")
}

func TestEnvironmentOverridesIntervals(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DW_INTERVAL_POLL", "3s")
	t.Setenv("DW_INTERVAL_EXECUTOR", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Intervals.Poll)
	assert.Equal(t, 500*time.Millisecond, cfg.Intervals.Executor)
}

func TestYAMLOverlayUnderEnv(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "dwagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: \":9090\"\nsqlite_path: /var/lib/dwagent.db\nchains:\n  sui:\n    enabled: true\n    rpc_url: https://sui.example.com\n"), 0o600))
	t.Setenv("DW_CONFIG_FILE", path)
	t.Setenv("DW_LISTEN_ADDR", ":7070")

	cfg, err := Load()
	require.NoError(t, err)
	// Env beats file; file beats default.
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/dwagent.db", cfg.SQLitePath)
	assert.True(t, cfg.Chains.Sui.Enabled)
	assert.Equal(t, "https://sui.example.com", cfg.Chains.Sui.RPCURL)
}

func TestValidateRejectsNonPositiveInterval(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Intervals.Chat = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat")
}
