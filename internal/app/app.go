// Package app provides the top-level application lifecycle for the spread
// engine. It wires the stores, caches, blob storage, providers, execution and
// notifications together and starts the goroutines of the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/config"
	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
	rt      *runtime
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	cfg.Mode = strings.ToLower(cfg.Mode)
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the goroutines of the configured mode
// and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	rt, err := a.runtime(ctx)
	if err != nil {
		return err
	}

	switch a.cfg.Mode {
	case "trade":
		return a.TradeMode(ctx, rt)
	case "paper":
		return a.PaperMode(ctx, rt)
	case "monitor":
		return a.MonitorMode(ctx, rt)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// RunCycle runs a single decision cycle outside the scheduler.
func (a *App) RunCycle(ctx context.Context) (domain.CycleResult, error) {
	rt, err := a.oneShot(ctx)
	if err != nil {
		return domain.CycleResult{}, err
	}
	return rt.trader.RunCycleNow(ctx)
}

// RunSettlement settles positions expiring on or before date.
func (a *App) RunSettlement(ctx context.Context, date time.Time) (domain.SettlementResult, error) {
	rt, err := a.oneShot(ctx)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	return rt.trader.RunSettlement(ctx, date)
}

// Status returns the engine summary and the live P&L of open positions.
func (a *App) Status(ctx context.Context) (domain.Status, domain.LivePnL, error) {
	rt, err := a.runtime(ctx)
	if err != nil {
		return domain.Status{}, domain.LivePnL{}, err
	}
	return rt.trader.GetStatus(ctx), rt.trader.GetLivePnL(ctx), nil
}

// Today is the current session date in the configured timezone.
func (a *App) Today() (time.Time, error) {
	loc, err := a.cfg.Engine.Location()
	if err != nil {
		return time.Time{}, fmt.Errorf("app: timezone: %w", err)
	}
	return domain.CivilDate(time.Now().In(loc)), nil
}

// oneShot builds the runtime and starts the journal so events of a manual
// run are delivered before Close.
func (a *App) oneShot(ctx context.Context) (*runtime, error) {
	if a.cfg.Mode == "monitor" {
		return nil, fmt.Errorf("app: mode monitor: %w", domain.ErrReadOnly)
	}
	rt, err := a.runtime(ctx)
	if err != nil {
		return nil, err
	}

	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		_ = rt.journal.Run(jctx)
		close(done)
	}()
	a.closers = append(a.closers, func() {
		cancel()
		<-done
	})
	return rt, nil
}

func (a *App) runtime(ctx context.Context) (*runtime, error) {
	if a.rt != nil {
		return a.rt, nil
	}
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	rt, err := a.build(deps)
	if err != nil {
		return nil, err
	}
	a.rt = rt
	return rt, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
