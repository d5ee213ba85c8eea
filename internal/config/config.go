// Package config defines the top-level configuration for the spread engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SPREADBOT_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Risk      RiskConfig      `toml:"risk"`
	Exit      ExitConfig      `toml:"exit"`
	Providers ProvidersConfig `toml:"providers"`
	Broker    BrokerConfig    `toml:"broker"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EngineConfig holds the session calendar and cycle parameters.
type EngineConfig struct {
	Symbol           string   `toml:"symbol"`
	Timezone         string   `toml:"timezone"`
	CycleInterval    duration `toml:"cycle_interval"`
	SessionOpen      clock    `toml:"session_open"`
	EntryCutoff      clock    `toml:"entry_cutoff"`
	EODExit          clock    `toml:"eod_exit"`
	SettlementTime   clock    `toml:"settlement_time"`
	MaxOpenPositions int      `toml:"max_open_positions"`
	MaxEntriesPerDay int      `toml:"max_entries_per_day"`
	PersistRetries   int      `toml:"persist_retries"`
	PersistBackoff   duration `toml:"persist_backoff"`
	DistributedLock  bool     `toml:"distributed_lock"`
	LockTTL          duration `toml:"lock_ttl"`
}

// Location loads the session timezone.
func (e EngineConfig) Location() (*time.Location, error) {
	return time.LoadLocation(e.Timezone)
}

// RiskConfig holds entry gating and sizing parameters.
type RiskConfig struct {
	MinRRRatio       float64  `toml:"min_rr_ratio"`
	RiskBudget       float64  `toml:"risk_budget"`
	DefaultContracts int      `toml:"default_contracts"`
	MaxContracts     int      `toml:"max_contracts"`
	StrikeWidth      float64  `toml:"strike_width"`
	StrikeIncrement  float64  `toml:"strike_increment"`
	MaxContextAge    duration `toml:"max_context_age"`
	MinSanePrice     float64  `toml:"min_sane_price"`
	MaxSanePrice     float64  `toml:"max_sane_price"`
}

// ExitConfig holds the lifecycle exit thresholds. Percentages are fractions
// (0.5 means 50%).
type ExitConfig struct {
	HardStopPct        float64 `toml:"hard_stop_pct"`
	ScaleOut1Pct       float64 `toml:"scale_out1_pct"`
	ScaleOut1Size      float64 `toml:"scale_out1_size"`
	ScaleOut2Pct       float64 `toml:"scale_out2_pct"`
	ScaleOut2Size      float64 `toml:"scale_out2_size"`
	TrailActivationPct float64 `toml:"trail_activation_pct"`
	ATRMultiplier      float64 `toml:"atr_multiplier"`
	KeepPct            float64 `toml:"keep_pct"`
	ATRLookback        int     `toml:"atr_lookback"`
	ATRRefresh         bool    `toml:"atr_refresh"`
	ATRBaseEstimate    float64 `toml:"atr_base_estimate"`
	ATRReferenceVol    float64 `toml:"atr_reference_vol"`
	ATRMaxEstimate     float64 `toml:"atr_max_estimate"`
}

// ProvidersConfig holds the market data and signal endpoints. MarketURLs are
// tried in order.
type ProvidersConfig struct {
	MarketURLs        []string `toml:"market_urls"`
	MLURL             string   `toml:"ml_url"`
	AdvisorURL        string   `toml:"advisor_url"`
	APIKey            string   `toml:"api_key"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	Timeout           duration `toml:"timeout"`
}

// BrokerConfig holds the live venue adapter parameters.
type BrokerConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	AccountID         string   `toml:"account_id"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	Timeout           duration `toml:"timeout"`
}

// StoreConfig selects the position store backend.
type StoreConfig struct {
	Driver     string `toml:"driver"`
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	ContextTTL duration `toml:"context_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// clock is a wall-clock time of day in the session timezone, written "HH:MM".
type clock struct {
	Hour   int
	Minute int
}

// UnmarshalText parses "HH:MM".
func (c *clock) UnmarshalText(text []byte) error {
	t, err := time.Parse("15:04", strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid clock %q (want HH:MM): %w", string(text), err)
	}
	c.Hour, c.Minute = t.Hour(), t.Minute()
	return nil
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (c clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Offset is the time since midnight.
func (c clock) Offset() time.Duration {
	return time.Duration(c.Hour)*time.Hour + time.Duration(c.Minute)*time.Minute
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled              bool   `toml:"enabled"`
	Port                 int    `toml:"port"`
	APIKey               string `toml:"api_key"`
	TriggerRatePerMinute int    `toml:"trigger_rate_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	MinSeverity       string `toml:"min_severity"`
}

// Defaults returns a Config populated with sensible default values. Callers
// typically decode a TOML file on top of these defaults.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Symbol:           "SPY",
			Timezone:         "America/New_York",
			CycleInterval:    duration{5 * time.Minute},
			SessionOpen:      clock{Hour: 9, Minute: 45},
			EntryCutoff:      clock{Hour: 14, Minute: 30},
			EODExit:          clock{Hour: 15, Minute: 50},
			SettlementTime:   clock{Hour: 16, Minute: 15},
			MaxOpenPositions: 3,
			MaxEntriesPerDay: 5,
			PersistRetries:   3,
			PersistBackoff:   duration{500 * time.Millisecond},
			LockTTL:          duration{4 * time.Minute},
		},
		Risk: RiskConfig{
			MinRRRatio:       1.5,
			RiskBudget:       1000,
			DefaultContracts: 10,
			MaxContracts:     20,
			StrikeWidth:      2,
			StrikeIncrement:  1,
			MaxContextAge:    duration{10 * time.Minute},
			MinSanePrice:     1,
			MaxSanePrice:     100000,
		},
		Exit: ExitConfig{
			HardStopPct:        0.50,
			ScaleOut1Pct:       0.50,
			ScaleOut1Size:      0.30,
			ScaleOut2Pct:       0.75,
			ScaleOut2Size:      0.30,
			TrailActivationPct: 0.30,
			ATRMultiplier:      1.0,
			KeepPct:            0.50,
			ATRLookback:        14,
			ATRBaseEstimate:    5.0,
			ATRReferenceVol:    15.0,
			ATRMaxEstimate:     20.0,
		},
		Providers: ProvidersConfig{
			RequestsPerMinute: 60,
			Timeout:           duration{10 * time.Second},
		},
		Broker: BrokerConfig{
			RequestsPerMinute: 120,
			Timeout:           duration{15 * time.Second},
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "spreadbot.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "spreadbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			ContextTTL: duration{30 * time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
			Prefix:         "spreadbot",
		},
		Server: ServerConfig{
			Enabled:              true,
			Port:                 8080,
			TriggerRatePerMinute: 6,
		},
		Notify: NotifyConfig{
			MinSeverity: "warning",
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

var validSeverities = map[string]bool{
	"info":     true,
	"warning":  true,
	"critical": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	errs = append(errs, c.Engine.validate()...)
	errs = append(errs, c.Risk.validate()...)
	errs = append(errs, c.Exit.validate()...)

	// Providers are only needed when cycles run.
	if mode == "trade" || mode == "paper" {
		if len(c.Providers.MarketURLs) == 0 {
			errs = append(errs, "providers: market_urls must list at least one endpoint")
		}
		if c.Providers.RequestsPerMinute < 1 {
			errs = append(errs, "providers: requests_per_minute must be >= 1")
		}
	}

	if mode == "trade" {
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url is required for mode trade")
		}
		if c.Broker.RequestsPerMinute < 1 {
			errs = append(errs, "broker: requests_per_minute must be >= 1")
		}
		if c.Store.Driver == "memory" {
			errs = append(errs, "store: driver memory is not durable and cannot be used in mode trade")
		}
	}

	// Store
	if !validDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite, memory)", c.Store.Driver))
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		errs = append(errs, "store: sqlite_path must not be empty for driver sqlite")
	}
	if c.Store.Driver == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.Engine.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "engine: distributed_lock requires redis.enabled")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.TriggerRatePerMinute < 1 {
			errs = append(errs, "server: trigger_rate_per_minute must be >= 1")
		}
	}

	if !validSeverities[strings.ToLower(c.Notify.MinSeverity)] {
		errs = append(errs, fmt.Sprintf("notify: unknown min_severity %q (valid: info, warning, critical)", c.Notify.MinSeverity))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (e EngineConfig) validate() []string {
	var errs []string
	if e.Symbol == "" {
		errs = append(errs, "engine: symbol must not be empty")
	}
	if _, err := e.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("engine: timezone %q: %v", e.Timezone, err))
	}
	if e.CycleInterval.Duration <= 0 {
		errs = append(errs, "engine: cycle_interval must be > 0")
	}
	if e.SessionOpen.Offset() >= e.EntryCutoff.Offset() {
		errs = append(errs, "engine: session_open must be before entry_cutoff")
	}
	if e.EntryCutoff.Offset() > e.EODExit.Offset() {
		errs = append(errs, "engine: entry_cutoff must not be after eod_exit")
	}
	if e.SettlementTime.Offset() <= e.EODExit.Offset() {
		errs = append(errs, "engine: settlement_time must be after eod_exit")
	}
	if e.MaxOpenPositions < 1 {
		errs = append(errs, "engine: max_open_positions must be >= 1")
	}
	if e.MaxEntriesPerDay < 1 {
		errs = append(errs, "engine: max_entries_per_day must be >= 1")
	}
	if e.PersistRetries < 1 {
		errs = append(errs, "engine: persist_retries must be >= 1")
	}
	if e.PersistBackoff.Duration < 0 {
		errs = append(errs, "engine: persist_backoff must be >= 0")
	}
	if e.DistributedLock && e.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0 when distributed_lock is set")
	}
	return errs
}

func (r RiskConfig) validate() []string {
	var errs []string
	if r.MinRRRatio <= 0 {
		errs = append(errs, "risk: min_rr_ratio must be > 0")
	}
	if r.RiskBudget <= 0 {
		errs = append(errs, "risk: risk_budget must be > 0")
	}
	if r.DefaultContracts < 1 {
		errs = append(errs, "risk: default_contracts must be >= 1")
	}
	if r.MaxContracts < 1 {
		errs = append(errs, "risk: max_contracts must be >= 1")
	}
	if r.StrikeWidth <= 0 {
		errs = append(errs, "risk: strike_width must be > 0")
	}
	if r.StrikeIncrement <= 0 {
		errs = append(errs, "risk: strike_increment must be > 0")
	}
	if r.MaxContextAge.Duration <= 0 {
		errs = append(errs, "risk: max_context_age must be > 0")
	}
	if r.MinSanePrice <= 0 || r.MinSanePrice >= r.MaxSanePrice {
		errs = append(errs, "risk: min_sane_price must be > 0 and below max_sane_price")
	}
	return errs
}

func (x ExitConfig) validate() []string {
	var errs []string
	fraction := func(name string, v float64) {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("exit: %s must be in (0, 1], got %g", name, v))
		}
	}
	fraction("hard_stop_pct", x.HardStopPct)
	fraction("scale_out1_pct", x.ScaleOut1Pct)
	fraction("scale_out1_size", x.ScaleOut1Size)
	fraction("scale_out2_pct", x.ScaleOut2Pct)
	fraction("scale_out2_size", x.ScaleOut2Size)
	fraction("trail_activation_pct", x.TrailActivationPct)
	fraction("keep_pct", x.KeepPct)

	if x.ATRMultiplier <= 0 {
		errs = append(errs, "exit: atr_multiplier must be > 0")
	}
	if x.ATRLookback < 1 {
		errs = append(errs, "exit: atr_lookback must be >= 1")
	}
	if x.ATRBaseEstimate <= 0 || x.ATRReferenceVol <= 0 {
		errs = append(errs, "exit: atr_base_estimate and atr_reference_vol must be > 0")
	}
	if x.ATRMaxEstimate < x.ATRBaseEstimate {
		errs = append(errs, "exit: atr_max_estimate must be >= atr_base_estimate")
	}
	return errs
}
