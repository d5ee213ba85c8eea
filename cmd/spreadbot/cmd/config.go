package cmd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spreadbot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print or validate the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Long: `Show loads the configuration file over the built-in defaults, applies
SPREADBOT_* environment overrides and prints the result as TOML.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE:  runConfigValidate,
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the built-in defaults as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Defaults()
		return toml.NewEncoder(os.Stdout).Encode(config.RedactedConfig(&cfg))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDefaultsCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
	}
	return toml.NewEncoder(os.Stdout).Encode(config.RedactedConfig(cfg))
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("configuration valid: %s\n", configPath)
	fmt.Printf("  mode: %s\n", cfg.Mode)
	fmt.Printf("  symbol: %s (%s)\n", cfg.Engine.Symbol, cfg.Engine.Timezone)
	fmt.Printf("  store: %s\n", cfg.Store.Driver)
	fmt.Printf("  market providers: %d\n", len(cfg.Providers.MarketURLs))
	return nil
}
