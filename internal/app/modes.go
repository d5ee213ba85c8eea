package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/executor"
	"github.com/alanyoungcy/spreadbot/internal/metrics"
	"github.com/alanyoungcy/spreadbot/internal/platform/marketdata"
	"github.com/alanyoungcy/spreadbot/internal/platform/rest"
	"github.com/alanyoungcy/spreadbot/internal/platform/signals"
	"github.com/alanyoungcy/spreadbot/internal/position"
	"github.com/alanyoungcy/spreadbot/internal/server"
	"github.com/alanyoungcy/spreadbot/internal/server/handler"
	"github.com/alanyoungcy/spreadbot/internal/server/ws"
	"github.com/alanyoungcy/spreadbot/internal/service"
	"github.com/alanyoungcy/spreadbot/internal/settlement"
	"github.com/alanyoungcy/spreadbot/internal/strategy"
)

// runtime is the engine assembled on top of the infrastructure.
type runtime struct {
	deps     *Dependencies
	location *time.Location
	exec     domain.Execution
	engine   *position.Engine
	trader   *service.Trader
	journal  *service.Journal
	metrics  *metrics.Metrics
	hub      *ws.Hub
}

// build assembles providers, execution, the lifecycle engine, settlement and
// the trader. The hub is only created when the HTTP server is enabled.
func (a *App) build(deps *Dependencies) (*runtime, error) {
	cfg := a.cfg
	loc, err := cfg.Engine.Location()
	if err != nil {
		return nil, fmt.Errorf("app: timezone: %w", err)
	}
	rt := &runtime{deps: deps, location: loc}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = metrics.New(reg)

	// --- Providers ---
	providerREST := func(baseURL string) rest.Config {
		return rest.Config{
			BaseURL:           baseURL,
			APIKey:            cfg.Providers.APIKey,
			RequestsPerMinute: cfg.Providers.RequestsPerMinute,
			Timeout:           cfg.Providers.Timeout.Duration,
		}
	}
	var (
		providers []domain.MarketContextProvider
		primary   *marketdata.Client
	)
	for i, u := range cfg.Providers.MarketURLs {
		c := marketdata.New(fmt.Sprintf("market-%d", i+1), providerREST(u))
		if primary == nil {
			primary = c
		}
		providers = append(providers, c)
	}

	var (
		ml      domain.MLSignalProvider
		advisor domain.AdvisorSignalProvider
		candles domain.CandleSource
		closing domain.SettlementPriceSource
	)
	if cfg.Providers.MLURL != "" {
		ml = signals.NewMLClient(providerREST(cfg.Providers.MLURL))
	}
	if cfg.Providers.AdvisorURL != "" {
		advisor = signals.NewAdvisorClient(providerREST(cfg.Providers.AdvisorURL))
	}
	if primary != nil {
		candles = primary
		closing = primary
	}

	// --- Execution ---
	if cfg.Mode == "trade" {
		rt.exec = executor.NewBroker(executor.BrokerConfig{
			REST: rest.Config{
				BaseURL:           cfg.Broker.BaseURL,
				APIKey:            cfg.Broker.APIKey,
				RequestsPerMinute: cfg.Broker.RequestsPerMinute,
				Timeout:           cfg.Broker.Timeout.Duration,
			},
			AccountID: cfg.Broker.AccountID,
		}, a.logger)
	} else {
		rt.exec = executor.NewSimulator(executor.SimulatorConfig{
			Location: loc,
			Open:     cfg.Engine.SessionOpen.Offset(),
			Close:    cfg.Engine.EODExit.Offset(),
		}, a.logger)
	}

	// --- Events ---
	var trader *service.Trader
	var local service.Broadcaster
	if cfg.Server.Enabled {
		rt.hub = ws.NewHub(deps.Bus, ws.Config{
			Mode:      cfg.Mode,
			StartedAt: time.Now().UTC(),
			Status: func(ctx context.Context) domain.Status {
				return trader.GetStatus(ctx)
			},
		}, a.logger)
		local = rt.hub
	}
	rt.journal = service.NewJournal(deps.Audit, deps.Bus, local, rt.metrics, deps.Notifier, a.logger)

	// --- Lifecycle engine and settlement ---
	atr := position.NewATREstimator(candles, position.ATRConfig{
		Lookback:     cfg.Exit.ATRLookback,
		BaseEstimate: cfg.Exit.ATRBaseEstimate,
		ReferenceVol: cfg.Exit.ATRReferenceVol,
		MaxEstimate:  cfg.Exit.ATRMaxEstimate,
	}, a.logger)

	rt.engine = position.NewEngine(deps.Positions, rt.exec, atr, rt.journal, position.Config{
		Rules: position.Rules{
			HardStopPct:        cfg.Exit.HardStopPct,
			ScaleOut1Pct:       cfg.Exit.ScaleOut1Pct,
			ScaleOut1Size:      cfg.Exit.ScaleOut1Size,
			ScaleOut2Pct:       cfg.Exit.ScaleOut2Pct,
			ScaleOut2Size:      cfg.Exit.ScaleOut2Size,
			TrailActivationPct: cfg.Exit.TrailActivationPct,
			ATRMultiplier:      cfg.Exit.ATRMultiplier,
			KeepPct:            cfg.Exit.KeepPct,
			EODCutoff:          cfg.Engine.EODExit.Offset(),
			Location:           loc,
		},
		PersistRetries: cfg.Engine.PersistRetries,
		PersistBackoff: cfg.Engine.PersistBackoff.Duration,
		RefreshATR:     cfg.Exit.ATRRefresh,
	}, a.logger)

	var settler service.Settler
	if closing != nil {
		settler = settlement.New(deps.Positions, rt.engine, closing, deps.Reports, rt.journal, settlement.Config{
			Retries:      cfg.Engine.PersistRetries,
			Backoff:      cfg.Engine.PersistBackoff.Duration,
			ReportPrefix: cfg.S3.Prefix,
		}, a.logger)
	} else {
		a.logger.Warn("app: no market provider configured, settlement disabled")
	}

	// --- Trader ---
	resolver := strategy.NewResolver(providers, deps.ContextCache, strategy.Gate{
		MaxAge:   cfg.Risk.MaxContextAge.Duration,
		MinPrice: cfg.Risk.MinSanePrice,
		MaxPrice: cfg.Risk.MaxSanePrice,
	}, a.logger)

	trader = service.NewTrader(service.TraderConfig{
		Symbol:           cfg.Engine.Symbol,
		Location:         loc,
		SessionOpen:      cfg.Engine.SessionOpen.Offset(),
		EntryCutoff:      cfg.Engine.EntryCutoff.Offset(),
		MaxOpenPositions: cfg.Engine.MaxOpenPositions,
		MaxEntriesPerDay: cfg.Engine.MaxEntriesPerDay,
		DedupTTL:         cfg.Engine.CycleInterval.Duration,
		LockTTL:          cfg.Engine.LockTTL.Duration,
	}, service.TraderDeps{
		Engine:   rt.engine,
		Resolver: resolver,
		ML:       ml,
		Advisor:  advisor,
		Arbiter:  strategy.NewArbiter(a.logger),
		Builder:  strategy.NewBuilder(rt.exec, cfg.Risk.StrikeWidth, cfg.Risk.StrikeIncrement),
		Risk: service.NewRiskService(service.RiskConfig{
			MinRRRatio:       cfg.Risk.MinRRRatio,
			RiskBudget:       cfg.Risk.RiskBudget,
			DefaultContracts: cfg.Risk.DefaultContracts,
			MaxContracts:     cfg.Risk.MaxContracts,
		}, a.logger),
		Exec:    rt.exec,
		Settler: settler,
		Lock:    deps.Lock,
		Events:  rt.journal,
		Metrics: rt.metrics,
	}, a.logger)
	rt.trader = trader

	a.logger.Info("app: engine assembled",
		slog.String("mode", cfg.Mode),
		slog.Bool("live", rt.exec.Live()),
		slog.String("symbol", cfg.Engine.Symbol),
		slog.Int("market_providers", len(providers)),
		slog.Bool("ml", ml != nil),
		slog.Bool("advisor", advisor != nil),
	)
	return rt, nil
}

// TradeMode runs the scheduler against the live broker, plus the HTTP
// server when enabled.
func (a *App) TradeMode(ctx context.Context, rt *runtime) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.serve(ctx, rt, true)
}

// PaperMode runs the scheduler against the simulator.
func (a *App) PaperMode(ctx context.Context, rt *runtime) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.serve(ctx, rt, true)
}

// MonitorMode serves status and P&L only. No cycles run and the manual
// triggers answer 403.
func (a *App) MonitorMode(ctx context.Context, rt *runtime) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	if !a.cfg.Server.Enabled {
		return fmt.Errorf("app: monitor mode needs server.enabled")
	}
	return a.serve(ctx, rt, false)
}

func (a *App) serve(ctx context.Context, rt *runtime, schedule bool) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.journal.Run(ctx)
	})

	if schedule {
		var archiver service.DayArchiver
		if rt.deps.Archiver != nil {
			archiver = rt.deps.Archiver
		}
		sched := service.NewScheduler(service.SchedulerConfig{
			Interval:       a.cfg.Engine.CycleInterval.Duration,
			Location:       rt.location,
			SessionOpen:    a.cfg.Engine.SessionOpen.Offset(),
			EODExit:        a.cfg.Engine.EODExit.Offset(),
			SettlementTime: a.cfg.Engine.SettlementTime.Offset(),
		}, rt.trader, archiver, a.logger)
		g.Go(func() error {
			return sched.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		var surface handler.Engine = rt.trader
		if !schedule {
			surface = readOnly{rt.trader}
		}
		a.startHTTPServer(ctx, g, rt, surface)
	}

	return g.Wait()
}

// startHTTPServer adds the hub and the HTTP server to g. The server is shut
// down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, rt *runtime, surface handler.Engine) {
	srv := server.NewServer(server.Config{
		Port:                 a.cfg.Server.Port,
		APIKey:               a.cfg.Server.APIKey,
		TriggerRatePerMinute: a.cfg.Server.TriggerRatePerMinute,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(rt.deps.Checks, a.logger),
		Engine:  handler.NewEngineHandler(surface, a.cfg.Mode, rt.location, a.logger),
		Metrics: rt.metrics.Handler(),
	}, rt.hub, a.logger)

	g.Go(func() error {
		return rt.hub.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// readOnly is the operator surface in monitor mode.
type readOnly struct {
	*service.Trader
}

func (readOnly) RunCycleNow(context.Context) (domain.CycleResult, error) {
	return domain.CycleResult{Outcome: domain.CycleSkipped, Entry: domain.EntryNotEvaluated},
		fmt.Errorf("app: monitor mode does not run cycles: %w", domain.ErrReadOnly)
}

func (readOnly) RunSettlement(context.Context, time.Time) (domain.SettlementResult, error) {
	return domain.SettlementResult{}, fmt.Errorf("app: monitor mode does not settle: %w", domain.ErrReadOnly)
}
