package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spreadbot/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine in the configured mode",
	Long: `Run wires every dependency and blocks until SIGINT or SIGTERM.

Modes:
  trade   - scheduler against the live broker
  paper   - scheduler against the simulator
  monitor - HTTP status and P&L only`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.LogLevel)
	logger.Info("spreadbot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("spreadbot stopped")
	return nil
}
