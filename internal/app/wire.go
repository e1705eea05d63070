package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/pmindexer/internal/blob/s3"
	"github.com/alanyoungcy/pmindexer/internal/cache/redis"
	"github.com/alanyoungcy/pmindexer/internal/chain"
	"github.com/alanyoungcy/pmindexer/internal/config"
	"github.com/alanyoungcy/pmindexer/internal/decoder"
	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/notify"
	"github.com/alanyoungcy/pmindexer/internal/pipeline"
	"github.com/alanyoungcy/pmindexer/internal/platform/goldsky"
	"github.com/alanyoungcy/pmindexer/internal/server/handler"
	"github.com/alanyoungcy/pmindexer/internal/store/memory"
	"github.com/alanyoungcy/pmindexer/internal/store/postgres"
)

// Dependencies bundles every concrete collaborator the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional collaborators are left nil when their backend is not configured.
type Dependencies struct {
	// Storage
	Stores   domain.Stores
	UoW      domain.UnitOfWork
	Resetter domain.AggregateResetter

	// Redis
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Feed
	Decoder *decoder.Decoder
	Source  pipeline.Source
	Head    handler.FeedHead

	// Blob storage
	EventArchiver domain.EventArchiver

	// Notifications
	Notifier *notify.Notifier

	// Checks backs the health endpoint, keyed by dependency name.
	Checks map[string]handler.Check
}

// headFunc adapts a block number lookup to handler.FeedHead.
type headFunc func(ctx context.Context) (uint64, error)

func (f headFunc) LatestBlock(ctx context.Context) (uint64, error) { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Storage ---
	switch cfg.Storage.Backend {
	case "memory":
		logger.Warn("using in-memory storage; state is lost on exit")
		mem := memory.New()
		deps.Stores = mem.Stores()
		deps.UoW = mem
		deps.Resetter = mem
	default:
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

		deps.Stores = pgClient.Stores()
		deps.UoW = pgClient
		deps.Resetter = pgClient
		deps.Checks["postgres"] = func(ctx context.Context) error {
			return pgClient.Pool().Ping(ctx)
		}
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
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

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.MarketTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient,
			redis.WithStreamMirror(pipeline.EventsChannel, pipeline.EventsStream))
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.Warn("redis disabled: no consumer lease, market cache, event stream or rate limiting")
	}

	// --- Feed (only for modes that index) ---
	if cfg.Indexes() || strings.EqualFold(cfg.Mode, "rebuild") {
		dec, err := decoder.New()
		if err != nil {
			return fail("decoder", err)
		}
		deps.Decoder = dec
	}
	if cfg.Indexes() {
		switch cfg.Indexer.Source {
		case "goldsky":
			gs := goldsky.NewClient(cfg.Goldsky.URL, cfg.Goldsky.APIKey)
			deps.Source = gs
			deps.Head = gs
		default:
			ethClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
			if err != nil {
				return fail("chain", err)
			}
			closers = append(closers, ethClient.Close)
			deps.Source = chain.NewSource(ethClient, deps.Decoder, chain.Config{
				Contract:      common.HexToAddress(cfg.Chain.Contract),
				StartBlock:    cfg.Chain.StartBlock,
				BlockWindow:   cfg.Chain.BlockWindow,
				Confirmations: cfg.Chain.Confirmations,
			}, logger)
			deps.Checks["chain"] = func(ctx context.Context) error {
				_, err := ethClient.BlockNumber(ctx)
				return err
			}
			deps.Head = headFunc(ethClient.BlockNumber)
		}
	}

	// --- S3 archive ---
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
			return fail("s3", err)
		}
		deps.EventArchiver = s3blob.NewEventArchive(
			deps.Stores.Events,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			cfg.Archive.Batch,
		)
		deps.Checks["s3"] = s3Client.Health
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
