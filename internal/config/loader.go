package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SPREADBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SPREADBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Symbol, "SPREADBOT_ENGINE_SYMBOL")
	setStr(&cfg.Engine.Timezone, "SPREADBOT_ENGINE_TIMEZONE")
	setDuration(&cfg.Engine.CycleInterval, "SPREADBOT_ENGINE_CYCLE_INTERVAL")
	setInt(&cfg.Engine.MaxOpenPositions, "SPREADBOT_ENGINE_MAX_OPEN_POSITIONS")
	setBool(&cfg.Engine.DistributedLock, "SPREADBOT_ENGINE_DISTRIBUTED_LOCK")

	// ── Risk ──
	setFloat64(&cfg.Risk.MinRRRatio, "SPREADBOT_RISK_MIN_RR_RATIO")
	setFloat64(&cfg.Risk.RiskBudget, "SPREADBOT_RISK_BUDGET")
	setInt(&cfg.Risk.DefaultContracts, "SPREADBOT_RISK_DEFAULT_CONTRACTS")
	setInt(&cfg.Risk.MaxContracts, "SPREADBOT_RISK_MAX_CONTRACTS")

	// ── Providers ──
	setStringSlice(&cfg.Providers.MarketURLs, "SPREADBOT_PROVIDERS_MARKET_URLS")
	setStr(&cfg.Providers.MLURL, "SPREADBOT_PROVIDERS_ML_URL")
	setStr(&cfg.Providers.AdvisorURL, "SPREADBOT_PROVIDERS_ADVISOR_URL")
	setStr(&cfg.Providers.APIKey, "SPREADBOT_PROVIDERS_API_KEY")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "SPREADBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "SPREADBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.AccountID, "SPREADBOT_BROKER_ACCOUNT_ID")

	// ── Store ──
	setStr(&cfg.Store.Driver, "SPREADBOT_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "SPREADBOT_STORE_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SPREADBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SPREADBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SPREADBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SPREADBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SPREADBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SPREADBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SPREADBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "SPREADBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SPREADBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SPREADBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPREADBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPREADBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SPREADBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SPREADBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SPREADBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SPREADBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SPREADBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SPREADBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SPREADBOT_S3_SECRET_KEY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SPREADBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SPREADBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SPREADBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SPREADBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SPREADBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SPREADBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.MinSeverity, "SPREADBOT_NOTIFY_MIN_SEVERITY")

	// ── Top-level ──
	setStr(&cfg.Mode, "SPREADBOT_MODE")
	setStr(&cfg.LogLevel, "SPREADBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
