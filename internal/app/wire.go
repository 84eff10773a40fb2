package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/solhedge/exitpilot/internal/blob/s3"
	"github.com/solhedge/exitpilot/internal/cache/redis"
	"github.com/solhedge/exitpilot/internal/config"
	"github.com/solhedge/exitpilot/internal/crypto"
	"github.com/solhedge/exitpilot/internal/domain"
	"github.com/solhedge/exitpilot/internal/executor"
	"github.com/solhedge/exitpilot/internal/monitor"
	"github.com/solhedge/exitpilot/internal/notify"
	"github.com/solhedge/exitpilot/internal/oracle"
	"github.com/solhedge/exitpilot/internal/platform/alphaquote"
	"github.com/solhedge/exitpilot/internal/platform/chainscan"
	"github.com/solhedge/exitpilot/internal/platform/dexpool"
	"github.com/solhedge/exitpilot/internal/platform/feesvc"
	"github.com/solhedge/exitpilot/internal/platform/signerd"
	"github.com/solhedge/exitpilot/internal/platform/swaprouter"
	"github.com/solhedge/exitpilot/internal/reconciler"
	"github.com/solhedge/exitpilot/internal/rules"
	"github.com/solhedge/exitpilot/internal/store/postgres"
)

// Dependencies bundles every dependency that the application modes need to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Connectivity, kept for health checks.
	PgClient    *postgres.Client
	RedisClient *redis.Client

	// Stores
	PositionStore domain.PositionStore
	ExitStore     domain.ExitStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  *redis.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.ArchiveImpl

	// Core pipeline
	Oracle     *oracle.Oracle
	Engine     *rules.Engine
	Executor   *executor.Executor
	Reconciler *reconciler.Reconciler
	Monitor    *monitor.Monitor

	// Notifications
	Notifier *notify.Notifier
}

// needsPipeline returns true for modes that submit and reconcile exits.
func needsPipeline(mode string) bool {
	return mode == "monitor" || mode == "full"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PgClient = pgClient
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.ExitStore = postgres.NewExitStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RedisClient = redisClient
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only when archival is on) ---
	if cfg.Archive.Enabled {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			deps.PositionStore,
			deps.ExitStore,
			deps.AuditStore,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Price oracle ---
	deps.Oracle = oracle.NewOracle(
		alphaquote.NewClient(cfg.Venues.AlphaQuoteURL),
		dexpool.NewClient(cfg.Venues.DexPoolURL),
		deps.PriceCache,
		deps.RateLimiter,
		oracle.Config{
			CacheMaxAge:     cfg.Oracle.CacheMaxAge.Duration,
			VenueRateLimit:  cfg.Oracle.VenueRateLimit,
			VenueRateWindow: cfg.Oracle.VenueRateWindow.Duration,
		},
		logger,
	)

	deps.Engine = rules.NewEngine(rules.Config{
		TrailActivationPct: cfg.Rules.TrailActivationPct,
		TrailDistancePct:   cfg.Rules.TrailDistancePct,
		IdleDecayAfter:     cfg.Rules.IdleDecayAfter.Duration,
		IdleStopPct:        cfg.Rules.IdleStopPct,
	})

	// --- Exit pipeline (signer, executor, reconciler, monitor) ---
	if needsPipeline(cfg.Mode) {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:           cfg.Signer.APISecret,
			EncryptedSecretPath: cfg.Signer.EncryptedSecretPath,
			SecretPassword:      cfg.Signer.SecretPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer secret: %w", err)
		}

		signerClient := signerd.NewClient(cfg.Signer.BaseURL, &crypto.HMACAuth{
			Key:    cfg.Signer.APIKey,
			Secret: secret,
		})

		deps.Executor = executor.NewExecutor(
			swaprouter.NewClient(cfg.Venues.SwapRouterURL),
			signerClient,
			executor.Config{
				PartialSlippagePct:   cfg.Executor.PartialSlippagePct,
				EmergencySlippagePct: cfg.Executor.EmergencySlippagePct,
				ApprovalSettleDelay:  cfg.Executor.ApprovalSettleDelay.Duration,
			},
			logger,
		)

		var fees domain.FeeCollector
		if cfg.Venues.FeeServiceURL != "" {
			fees = feesvc.NewClient(cfg.Venues.FeeServiceURL)
		}

		deps.Reconciler = reconciler.NewReconciler(
			chainscan.NewClient(cfg.Venues.ChainScanURL),
			deps.PositionStore,
			deps.ExitStore,
			fees,
			deps.SignalBus,
			deps.AuditStore,
			deps.Notifier,
			reconciler.Config{
				CheckInterval: cfg.Reconcile.CheckInterval.Duration,
				MaxChecks:     cfg.Reconcile.MaxChecks,
				MaxReverts:    cfg.Reconcile.MaxReverts,
			},
			logger,
		)

		deps.Monitor = monitor.NewMonitor(
			deps.PositionStore,
			deps.ExitStore,
			deps.Oracle,
			deps.Engine,
			deps.Executor,
			deps.Reconciler,
			deps.LockManager,
			monitor.Config{
				TickInterval:  cfg.Monitor.TickInterval.Duration,
				RetryCooldown: cfg.Monitor.RetryCooldown.Duration,
				LockTTL:       cfg.Monitor.LockTTL.Duration,
			},
			logger,
		)
	}

	return deps, cleanup, nil
}
