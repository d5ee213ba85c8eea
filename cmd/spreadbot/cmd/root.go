package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spreadbot/internal/config"
)

var (
	configPath   string
	modeOverride string
)

var rootCmd = &cobra.Command{
	Use:   "spreadbot",
	Short: "Intraday debit-spread engine with wall-based risk gating",
	Long: `Spreadbot opens same-day debit verticals from an ML signal and an
advisory signal, gates every entry on the reward:risk to the call and put
walls, manages exits (hard stop, scale-outs, trailing stop, end-of-day) and
settles whatever expires.

Commands:
  run     - start the scheduler and HTTP API in the configured mode
  cycle   - run one decision cycle and print the result
  settle  - settle positions expiring on or before a date
  status  - print engine status and live P&L
  config  - print or validate the effective configuration`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&modeOverride, "mode", "", "override the configured mode (trade, paper, monitor)")
}

// loadConfig loads, overrides and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the JSON logger at the configured level on w.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
