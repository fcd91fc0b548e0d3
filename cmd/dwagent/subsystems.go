package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/docwallet/dwagent/pkg/adapter"
	"github.com/docwallet/dwagent/pkg/api"
	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/chains/custodial"
	"github.com/docwallet/dwagent/pkg/chains/evm"
	"github.com/docwallet/dwagent/pkg/chains/nameres"
	"github.com/docwallet/dwagent/pkg/chains/orderbook"
	"github.com/docwallet/dwagent/pkg/chains/statechannel"
	"github.com/docwallet/dwagent/pkg/chains/sui"
	"github.com/docwallet/dwagent/pkg/config"
	"github.com/docwallet/dwagent/pkg/engine"
	"github.com/docwallet/dwagent/pkg/keys"
	"github.com/docwallet/dwagent/pkg/observability"
	"github.com/docwallet/dwagent/pkg/quorum"
	"github.com/docwallet/dwagent/pkg/store"
	"github.com/docwallet/dwagent/pkg/store/pgtrades"
)

// subsystems holds everything main wires together, in shutdown order.
type subsystems struct {
	repo      *store.Repository
	mirror    *pgtrades.Mirror
	telemetry *observability.Provider
	evm       *evm.Client
	engine    *engine.Engine
	api       *api.Server
}

func buildSubsystems(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*subsystems, error) {
	vault, err := keys.NewVault(cfg.MasterKey())
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	repo, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	sys := &subsystems{repo: repo}

	if cfg.PostgresDSN != "" {
		mirror, err := pgtrades.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			sys.close(logger)
			return nil, fmt.Errorf("open trade mirror: %w", err)
		}
		sys.mirror = mirror
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telemetry, err := observability.New(ctx, obsCfg)
	if err != nil {
		sys.close(logger)
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	sys.telemetry = telemetry

	var docs adapter.Adapter
	if cfg.Adapter.BaseURL != "" {
		docs = adapter.NewRetrying(adapter.NewHTTP(cfg.Adapter.BaseURL, cfg.Adapter.Token))
	} else {
		logger.Warn("no document host configured, using in-memory adapter")
		docs = adapter.NewMemory()
	}

	clients, err := buildClients(ctx, cfg, logger, sys)
	if err != nil {
		sys.close(logger)
		return nil, err
	}

	auditLog := audit.NewLogger()
	approvals := quorum.New(repo, vault, logger)

	eng, err := engine.New(engine.Params{
		Repo:      repo,
		Docs:      docs,
		Clients:   clients,
		Vault:     vault,
		Approvals: approvals,
		Audit:     auditLog,
		Telemetry: telemetry,
		Mirror:    sys.mirror,
		BaseURL:   cfg.PublicBaseURL,
		Intervals: cfg.Intervals,
		Logger:    logger,
	})
	if err != nil {
		sys.close(logger)
		return nil, fmt.Errorf("build engine: %w", err)
	}
	sys.engine = eng

	srv, err := api.New(api.Params{
		Repo:        repo,
		Vault:       vault,
		Approvals:   approvals,
		Audit:       auditLog,
		JWTSecret:   []byte(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	if err != nil {
		sys.close(logger)
		return nil, fmt.Errorf("build api: %w", err)
	}
	sys.api = srv
	return sys, nil
}

func buildClients(ctx context.Context, cfg *config.Config, logger *slog.Logger, sys *subsystems) (engine.Clients, error) {
	var clients engine.Clients

	if cfg.Chains.Evm.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		client, err := evm.Dial(dialCtx, cfg.Chains.Evm.RPCURL, cfg.Chains.Evm.StableToken)
		cancel()
		if err != nil {
			return clients, fmt.Errorf("dial evm: %w", err)
		}
		sys.evm = client
		clients.Evm = client

		// The name resolver shares the EVM endpoint; a separate dial keeps
		// resolver traffic off the signing client.
		rpc, err := ethclient.DialContext(ctx, cfg.Chains.Evm.RPCURL)
		if err != nil {
			return clients, fmt.Errorf("dial resolver rpc: %w", err)
		}
		opts := []nameres.Option{}
		if cfg.RedisAddr != "" {
			opts = append(opts, nameres.WithRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})))
		}
		clients.Resolver = nameres.NewCached(nameres.NewENS(rpc), opts...)
	}

	if cfg.Chains.Sui.Enabled {
		clients.Sui = sui.New(cfg.Chains.Sui.RPCURL, cfg.Chains.Sui.StableType)
	}
	if cfg.Chains.Orderbook.Enabled {
		clients.Orderbook = orderbook.New(cfg.Chains.Orderbook.RPCURL)
	}
	if cfg.Chains.Custodial.Enabled {
		clients.Custodial = custodial.New(cfg.Chains.Custodial.BaseURL, cfg.Chains.Custodial.APIKey)
	}
	if cfg.Chains.StateChannel.Enabled {
		clients.StateChannel = statechannel.New(cfg.Chains.StateChannel.RPCURL)
	}

	logger.Info("chain clients ready",
		"evm", cfg.Chains.Evm.Enabled, "sui", cfg.Chains.Sui.Enabled,
		"orderbook", cfg.Chains.Orderbook.Enabled,
		"custodial", cfg.Chains.Custodial.Enabled,
		"stateChannel", cfg.Chains.StateChannel.Enabled)
	return clients, nil
}

// close releases subsystems in reverse dependency order. Safe on a
// partially built struct.
func (s *subsystems) close(logger *slog.Logger) {
	if s.evm != nil {
		s.evm.Close()
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.telemetry.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
	}
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			logger.Warn("trade mirror close failed", "error", err)
		}
	}
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			logger.Warn("repository close failed", "error", err)
		}
	}
}
