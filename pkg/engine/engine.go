// Package engine is the command orchestration core: the tick loops that
// discover documents, poll their command tables, execute approved
// commands against chain clients, and write results back through the
// adapter. Every mutation of shared state goes through the repository.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docwallet/dwagent/pkg/adapter"
	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/chains"
	"github.com/docwallet/dwagent/pkg/config"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/keys"
	"github.com/docwallet/dwagent/pkg/observability"
	"github.com/docwallet/dwagent/pkg/quorum"
	"github.com/docwallet/dwagent/pkg/scheduler"
	"github.com/docwallet/dwagent/pkg/store"
	"github.com/docwallet/dwagent/pkg/store/pgtrades"
)

// Clients bundles the chain-family clients. Nil entries disable the
// corresponding command kinds with a classified error at dispatch.
type Clients struct {
	Evm          chains.EvmClient
	Sui          chains.SuiClient
	Orderbook    chains.OrderBookClient
	Custodial    chains.CustodialStableClient
	StateChannel chains.StateChannelClient
	Resolver     chains.NameResolver
}

// Params wires an engine.
type Params struct {
	Repo      *store.Repository
	Docs      adapter.Adapter
	Clients   Clients
	Vault     *keys.Vault
	Approvals *quorum.Service
	Audit     audit.Logger
	Telemetry *observability.Provider
	// Mirror optionally copies executed trades to a reporting database.
	Mirror    *pgtrades.Mirror
	BaseURL   string
	Intervals config.Intervals
	Logger    *slog.Logger
}

// Engine drives the tick loops over one repository and one adapter.
type Engine struct {
	repo      *store.Repository
	docs      adapter.Adapter
	clients   Clients
	router    *chains.Router
	vault     *keys.Vault
	approvals *quorum.Service
	sched     *scheduler.Scheduler
	audit     audit.Logger
	telemetry *observability.Provider
	mirror    *pgtrades.Mirror
	baseURL   string
	intervals config.Intervals
	log       *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an engine. The scheduler is constructed here so its firings
// enter through the engine's own intake path.
func New(p Params) (*Engine, error) {
	if p.Repo == nil || p.Docs == nil || p.Approvals == nil {
		return nil, fmt.Errorf("engine: repo, adapter and approval service are required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Audit == nil {
		p.Audit = audit.NewLogger()
	}
	e := &Engine{
		repo:      p.Repo,
		docs:      p.Docs,
		clients:   p.Clients,
		vault:     p.Vault,
		approvals: p.Approvals,
		audit:     p.Audit,
		telemetry: p.Telemetry,
		mirror:    p.Mirror,
		baseURL:   p.BaseURL,
		intervals: p.Intervals,
		log:       p.Logger.With("component", "engine"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	if p.Clients.Evm != nil || p.Clients.Sui != nil || p.Clients.Custodial != nil {
		e.router = &chains.Router{
			Evm:       p.Clients.Evm,
			Sui:       p.Clients.Sui,
			Custodial: p.Clients.Custodial,
		}
	}
	e.sched = scheduler.New(p.Repo, e.scheduledIntake, p.Logger,
		scheduler.WithClock(func() time.Time { return e.now() }))
	return e, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// scheduledIntake appends the materialised command row to the document
// (best-effort) before running the normal intake pipeline, so scheduled
// commands are visible where human-typed ones are.
func (e *Engine) scheduledIntake(ctx context.Context, docID, cmdID, raw string) error {
	if err := e.docs.AppendCommandRow(ctx, docID, adapter.CommandRow{
		CmdID: cmdID, Raw: raw, Status: string(contracts.StatusRaw),
	}); err != nil {
		e.log.Warn("scheduled command row write failed", "docId", docID, "cmdId", cmdID, "error", err)
	}
	return e.Intake(ctx, docID, cmdID, raw)
}

// day returns the daily-spend bucket for the engine's current time.
func (e *Engine) day() string { return e.now().UTC().Format("2006-01-02") }
