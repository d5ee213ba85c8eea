package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spreadbot/internal/app"
	"github.com/alanyoungcy/spreadbot/internal/domain"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one decision cycle now and print the result",
	Long: `Cycle runs a single cycle outside the scheduler: sync, resolve the
market context, try one entry, evaluate exits and settle anything left over
from earlier sessions. Entry guards still apply.`,
	RunE: runCycle,
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Settle positions expiring on or before a date",
	Long: `Settle values every OPEN position whose expiration is on or before
--date (default: today in the session timezone) at the official closing
price and records the outcome.

Example:
  spreadbot settle --date 2026-03-20`,
	RunE: runSettle,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print engine status and live P&L",
	RunE:  runStatus,
}

var settleDate string

func init() {
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(statusCmd)

	settleCmd.Flags().StringVarP(&settleDate, "date", "d", "", "session date YYYY-MM-DD")
}

// withApp builds the application with logs on stderr so stdout carries only
// the JSON result.
func withApp(fn func(ctx context.Context, a *app.App) (any, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := fn(ctx, application)
	if out != nil {
		if perr := printJSON(out); perr != nil {
			return perr
		}
	}
	return err
}

func runCycle(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		res, err := a.RunCycle(ctx)
		if err != nil {
			return nil, err
		}
		if res.Outcome == domain.CycleFailed {
			return res, fmt.Errorf("cycle failed: %s", res.Error)
		}
		return res, nil
	})
}

func runSettle(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		date, err := a.Today()
		if err != nil {
			return nil, err
		}
		if settleDate != "" {
			date, err = time.Parse(time.DateOnly, settleDate)
			if err != nil {
				return nil, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
			}
		}
		res, err := a.RunSettlement(ctx, date)
		if err != nil {
			return nil, err
		}
		if len(res.Failed) > 0 {
			return res, fmt.Errorf("%d position(s) could not be settled", len(res.Failed))
		}
		return res, nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		status, pnl, err := a.Status(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": status, "pnl": pnl}, nil
	})
}
