package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/spreadbot/internal/blob/s3"
	"github.com/alanyoungcy/spreadbot/internal/cache/redis"
	"github.com/alanyoungcy/spreadbot/internal/config"
	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/notify"
	"github.com/alanyoungcy/spreadbot/internal/server/handler"
	"github.com/alanyoungcy/spreadbot/internal/store/memory"
	"github.com/alanyoungcy/spreadbot/internal/store/postgres"
	"github.com/alanyoungcy/spreadbot/internal/store/sqlite"
)

// keyPrefix namespaces Redis keys and bus channels of this deployment.
const keyPrefix = "spreadbot"

// Dependencies bundles the infrastructure the run modes build on. Optional
// members are left nil when their backend is disabled.
type Dependencies struct {
	// Stores
	Positions domain.PositionStore
	Audit     domain.AuditStore

	// Redis
	Lock         domain.LockManager
	Bus          domain.EventBus
	ContextCache domain.ContextCache

	// Blob storage
	Reports  domain.BlobWriter
	Archiver *s3blob.AuditArchiver

	Notifier *notify.Notifier

	// Checks are the dependency checks behind /api/health.
	Checks map[string]handler.Check
}

// Wire constructs every infrastructure dependency from cfg and returns them
// together with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- Position and audit stores ---
	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Positions = pgClient.PositionStore()
		deps.Audit = pgClient.AuditStore()
		deps.Checks["postgres"] = pgClient.Ping

	case "sqlite":
		st, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = st.Close() })
		deps.Positions = st.PositionStore()
		deps.Audit = st.AuditStore()
		deps.Checks["sqlite"] = st.Ping

	case "memory":
		logger.Warn("wire: using in-memory store, positions do not survive a restart")
		deps.Positions = memory.NewPositionStore()
		deps.Audit = memory.NewAuditStore()

	default:
		return fail("store", fmt.Errorf("unknown driver %q", cfg.Store.Driver))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewEventBus(redisClient)
		deps.ContextCache = redis.NewContextCache(redisClient, keyPrefix, cfg.Redis.ContextTTL.Duration)
		if cfg.Engine.DistributedLock {
			deps.Lock = redis.NewLockManager(redisClient, keyPrefix)
		}
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		writer := s3blob.NewWriter(s3Client, 0)
		deps.Reports = writer
		deps.Archiver = s3blob.NewAuditArchiver(deps.Audit, writer, cfg.S3.Prefix)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	minSeverity, err := notify.ParseSeverity(cfg.Notify.MinSeverity)
	if err != nil {
		return fail("notify", err)
	}
	deps.Notifier = notify.NewNotifier(senders, minSeverity, logger)

	return deps, cleanup, nil
}
