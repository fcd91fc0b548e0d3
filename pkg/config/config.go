// Package config assembles the agent's configuration from environment
// variables, with an optional YAML overlay file. Validation happens once
// at load time: a misconfigured agent refuses to start rather than
// failing mid-execution.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the validated runtime configuration.
type Config struct {
	LogLevel      string `yaml:"log_level"`
	ListenAddr    string `yaml:"listen_addr"`
	PublicBaseURL string `yaml:"public_base_url"`

	// MasterKeyHex is the hex-encoded 32-byte key that wraps every wallet
	// and session private key at rest.
	MasterKeyHex string `yaml:"master_key_hex"`
	JWTSecret    string `yaml:"jwt_secret"`

	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`

	Adapter   AdapterConfig `yaml:"adapter"`
	Chains    ChainsConfig  `yaml:"chains"`
	Intervals Intervals     `yaml:"intervals"`

	// PolicyDomain is the name whose text record carries the policy JSON.
	PolicyDomain string `yaml:"policy_domain"`

	// CORSOrigins limits browser callers of the approval API; empty
	// allows every origin.
	CORSOrigins []string `yaml:"cors_origins"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// AdapterConfig holds document-backend credentials.
type AdapterConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// ChainsConfig enables and addresses each chain client.
type ChainsConfig struct {
	Evm          EvmConfig      `yaml:"evm"`
	Sui          SuiConfig      `yaml:"sui"`
	Orderbook    EndpointConfig `yaml:"orderbook"`
	Custodial    ProviderConfig `yaml:"custodial"`
	StateChannel EndpointConfig `yaml:"state_channel"`
}

// EvmConfig addresses an EVM RPC endpoint and its stablecoin contract.
type EvmConfig struct {
	Enabled     bool   `yaml:"enabled"`
	RPCURL      string `yaml:"rpc_url"`
	StableToken string `yaml:"stable_token"`
}

// SuiConfig addresses a Sui fullnode and the USDC coin type on it.
type SuiConfig struct {
	Enabled    bool   `yaml:"enabled"`
	RPCURL     string `yaml:"rpc_url"`
	StableType string `yaml:"stable_type"`
}

// EndpointConfig is a bare enable flag plus RPC URL.
type EndpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	RPCURL  string `yaml:"rpc_url"`
}

// ProviderConfig addresses the custodial REST provider.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Intervals are the tick-loop periods.
type Intervals struct {
	Discovery     time.Duration `yaml:"discovery"`
	Poll          time.Duration `yaml:"poll"`
	Executor      time.Duration `yaml:"executor"`
	Balances      time.Duration `yaml:"balances"`
	Scheduler     time.Duration `yaml:"scheduler"`
	Chat          time.Duration `yaml:"chat"`
	AgentProposal time.Duration `yaml:"agent_proposal"`
	Price         time.Duration `yaml:"price"`
}

// defaultSuiUSDC is the native USDC coin type on Sui mainnet.
const defaultSuiUSDC = "0xdba34672e30cb065b1f93e3ab55318768fd6fef66c15942c9f7cb846e2f900e7::usdc::USDC"

// DefaultIntervals are the loop periods used when nothing overrides them.
func DefaultIntervals() Intervals {
	return Intervals{
		Discovery:     60 * time.Second,
		Poll:          15 * time.Second,
		Executor:      5 * time.Second,
		Balances:      60 * time.Second,
		Scheduler:     30 * time.Second,
		Chat:          15 * time.Second,
		AgentProposal: 60 * time.Second,
		Price:         30 * time.Second,
	}
}

// Load reads configuration from the environment. If DW_CONFIG_FILE is
// set, that YAML file is applied first and environment variables override
// its values. The result is validated.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:   "INFO",
		ListenAddr: ":8080",
		SQLitePath: "dwagent.db",
		Intervals:  DefaultIntervals(),
		Chains: ChainsConfig{
			Sui: SuiConfig{StableType: defaultSuiUSDC},
		},
	}

	if path := os.Getenv("DW_CONFIG_FILE"); path != "" {
		if err := applyOverlay(cfg, path); err != nil {
			return nil, err
		}
	}

	setString(&cfg.LogLevel, "DW_LOG_LEVEL")
	setString(&cfg.ListenAddr, "DW_LISTEN_ADDR")
	setString(&cfg.PublicBaseURL, "DW_PUBLIC_BASE_URL")
	setString(&cfg.MasterKeyHex, "DW_MASTER_KEY")
	setString(&cfg.JWTSecret, "DW_JWT_SECRET")
	setString(&cfg.SQLitePath, "DW_SQLITE_PATH")
	setString(&cfg.PostgresDSN, "DW_POSTGRES_DSN")
	setString(&cfg.RedisAddr, "DW_REDIS_ADDR")
	setString(&cfg.PolicyDomain, "DW_POLICY_DOMAIN")
	setString(&cfg.OTLPEndpoint, "DW_OTLP_ENDPOINT")
	setStrings(&cfg.CORSOrigins, "DW_CORS_ORIGINS")

	setString(&cfg.Adapter.BaseURL, "DW_ADAPTER_URL")
	setString(&cfg.Adapter.Token, "DW_ADAPTER_TOKEN")

	setBool(&cfg.Chains.Evm.Enabled, "DW_EVM_ENABLED")
	setString(&cfg.Chains.Evm.RPCURL, "DW_EVM_RPC_URL")
	setString(&cfg.Chains.Evm.StableToken, "DW_EVM_STABLE_TOKEN")
	setBool(&cfg.Chains.Sui.Enabled, "DW_SUI_ENABLED")
	setString(&cfg.Chains.Sui.RPCURL, "DW_SUI_RPC_URL")
	setString(&cfg.Chains.Sui.StableType, "DW_SUI_STABLE_TYPE")
	setBool(&cfg.Chains.Orderbook.Enabled, "DW_ORDERBOOK_ENABLED")
	setString(&cfg.Chains.Orderbook.RPCURL, "DW_ORDERBOOK_RPC_URL")
	setBool(&cfg.Chains.Custodial.Enabled, "DW_CUSTODIAL_ENABLED")
	setString(&cfg.Chains.Custodial.BaseURL, "DW_CUSTODIAL_URL")
	setString(&cfg.Chains.Custodial.APIKey, "DW_CUSTODIAL_API_KEY")
	setBool(&cfg.Chains.StateChannel.Enabled, "DW_STATECHANNEL_ENABLED")
	setString(&cfg.Chains.StateChannel.RPCURL, "DW_STATECHANNEL_RPC_URL")

	setDuration(&cfg.Intervals.Discovery, "DW_INTERVAL_DISCOVERY")
	setDuration(&cfg.Intervals.Poll, "DW_INTERVAL_POLL")
	setDuration(&cfg.Intervals.Executor, "DW_INTERVAL_EXECUTOR")
	setDuration(&cfg.Intervals.Balances, "DW_INTERVAL_BALANCES")
	setDuration(&cfg.Intervals.Scheduler, "DW_INTERVAL_SCHEDULER")
	setDuration(&cfg.Intervals.Chat, "DW_INTERVAL_CHAT")
	setDuration(&cfg.Intervals.AgentProposal, "DW_INTERVAL_AGENT_PROPOSAL")
	setDuration(&cfg.Intervals.Price, "DW_INTERVAL_PRICE")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MasterKey decodes the hex master key. Validate has already checked it.
func (c *Config) MasterKey() []byte {
	key, _ := hex.DecodeString(c.MasterKeyHex)
	return key
}

// Validate enforces the startup contract.
func (c *Config) Validate() error {
	var errs []error
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil || len(key) != 32 {
		errs = append(errs, errors.New("DW_MASTER_KEY must be 64 hex characters (32 bytes)"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("DW_JWT_SECRET is required"))
	}
	if c.PublicBaseURL == "" {
		errs = append(errs, errors.New("DW_PUBLIC_BASE_URL is required to mint approval URLs"))
	}
	if c.Chains.Evm.Enabled && c.Chains.Evm.RPCURL == "" {
		errs = append(errs, errors.New("evm enabled without DW_EVM_RPC_URL"))
	}
	if c.Chains.Sui.Enabled && c.Chains.Sui.RPCURL == "" {
		errs = append(errs, errors.New("sui enabled without DW_SUI_RPC_URL"))
	}
	if c.Chains.Orderbook.Enabled && c.Chains.Orderbook.RPCURL == "" {
		errs = append(errs, errors.New("orderbook enabled without DW_ORDERBOOK_RPC_URL"))
	}
	if c.Chains.Custodial.Enabled && (c.Chains.Custodial.BaseURL == "" || c.Chains.Custodial.APIKey == "") {
		errs = append(errs, errors.New("custodial enabled without DW_CUSTODIAL_URL and DW_CUSTODIAL_API_KEY"))
	}
	if c.Chains.StateChannel.Enabled && c.Chains.StateChannel.RPCURL == "" {
		errs = append(errs, errors.New("state channel enabled without DW_STATECHANNEL_RPC_URL"))
	}
	for name, d := range map[string]time.Duration{
		"discovery": c.Intervals.Discovery, "poll": c.Intervals.Poll,
		"executor": c.Intervals.Executor, "balances": c.Intervals.Balances,
		"scheduler": c.Intervals.Scheduler, "chat": c.Intervals.Chat,
		"agent_proposal": c.Intervals.AgentProposal, "price": c.Intervals.Price,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("interval %s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
	}
}

func setStrings(dst *[]string, env string) {
	if v := os.Getenv(env); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			*dst = d
		}
	}
}
