package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/pipeline"
	"github.com/alanyoungcy/pmindexer/internal/projector"
	"github.com/alanyoungcy/pmindexer/internal/server"
	"github.com/alanyoungcy/pmindexer/internal/server/handler"
	"github.com/alanyoungcy/pmindexer/internal/server/ws"
	"github.com/alanyoungcy/pmindexer/internal/service"
)

// IndexMode runs the sequential consumer and, when enabled, the archiver.
func (a *App) IndexMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting index mode", slog.String("source", a.cfg.Indexer.Source))

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps, a.newIndexer(deps))
	return g.Wait()
}

// ServeMode runs the HTTP API and the live event stream over whatever the
// indexer has already committed.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode", slog.Int("port", a.cfg.Server.Port))

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// FullMode runs the consumer, the archiver and the HTTP API in one process.
// The status endpoint then reports the live indexer counters.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.String("source", a.cfg.Indexer.Source),
		slog.Int("port", a.cfg.Server.Port),
	)

	g, ctx := errgroup.WithContext(ctx)
	indexer := a.newIndexer(deps)
	a.startPipeline(ctx, g, deps, indexer)
	a.startHTTPServer(ctx, g, deps, indexer)
	return g.Wait()
}

// RebuildMode recomputes every aggregate from the raw event store and
// returns. It holds the consumer lease for the whole replay so no runner
// writes to the aggregates meanwhile.
func (a *App) RebuildMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting rebuild mode")

	if deps.LockManager != nil && a.cfg.Indexer.LockKey != "" {
		lease, err := deps.LockManager.Acquire(ctx, a.cfg.Indexer.LockKey, a.cfg.Indexer.LockTTL.Duration)
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("rebuild: an indexer holds lease %q; stop it first", a.cfg.Indexer.LockKey)
		}
		if err != nil {
			return fmt.Errorf("rebuild: acquire lease: %w", err)
		}
		defer lease.Release()

		refreshCtx, stop := context.WithCancel(ctx)
		defer stop()
		go a.keepLease(refreshCtx, lease)
	}

	rebuilder := pipeline.NewRebuilder(
		deps.Stores.Events,
		deps.Resetter,
		deps.UoW,
		deps.Decoder,
		a.newProjector(),
		a.logger,
	)
	started := time.Now()
	stats, err := rebuilder.Run(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	a.logger.InfoContext(ctx, "rebuild finished",
		slog.Int64("replayed", stats.Replayed),
		slog.Int64("warnings", stats.Warnings),
		slog.Int64("failed", stats.Failed),
		slog.Duration("took", time.Since(started)),
	)
	return nil
}

// keepLease refreshes lease at a third of its TTL until ctx is done.
func (a *App) keepLease(ctx context.Context, lease domain.Lease) {
	ttl := a.cfg.Indexer.LockTTL.Duration
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx, ttl); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "rebuild lease refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *App) newProjector() *projector.Projector {
	return projector.New(projector.Options{
		ClaimedPolicy: projector.ClaimedPolicy(a.cfg.Indexer.ClaimedPolicy),
	})
}

// newIndexer builds the indexer with whichever optional collaborators are
// wired.
func (a *App) newIndexer(deps *Dependencies) *pipeline.Indexer {
	var opts []pipeline.IndexerOption
	if deps.MarketCache != nil {
		opts = append(opts, pipeline.WithMarketCache(deps.MarketCache))
	}
	if deps.SignalBus != nil {
		opts = append(opts, pipeline.WithPublisher(deps.SignalBus))
	}
	if deps.Notifier != nil {
		opts = append(opts, pipeline.WithNotifier(deps.Notifier))
	}

	return pipeline.NewIndexer(
		deps.Decoder,
		a.newProjector(),
		deps.UoW,
		pipeline.IndexerConfig{
			Checkpoint:       a.cfg.Indexer.Checkpoint,
			UnitTimeout:      a.cfg.Indexer.UnitTimeout.Duration,
			RetryInitial:     a.cfg.Indexer.RetryInitial.Duration,
			RetryMaxInterval: a.cfg.Indexer.RetryMax.Duration,
			RetryMaxElapsed:  a.cfg.Indexer.RetryElapsed.Duration,
		},
		a.logger,
		opts...,
	)
}

// startPipeline adds the runner and the optional archiver to g.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, indexer *pipeline.Indexer) {
	runner := pipeline.NewRunner(
		deps.Source,
		indexer,
		deps.Stores.Checkpoints,
		deps.LockManager,
		pipeline.RunnerConfig{
			BatchSize:    a.cfg.Indexer.BatchSize,
			PollInterval: a.cfg.Indexer.PollInterval.Duration,
			LockKey:      a.cfg.Indexer.LockKey,
			LockTTL:      a.cfg.Indexer.LockTTL.Duration,
		},
		a.logger,
	)

	var archiver *pipeline.Archiver
	if deps.EventArchiver != nil {
		archiver = pipeline.NewArchiver(deps.EventArchiver, deps.Stores.Checkpoints, a.logger)
	}

	orchestrator := pipeline.NewOrchestrator(runner, archiver, a.cfg.Archive.Cron, a.logger)
	g.Go(func() error {
		return orchestrator.Run(ctx)
	})
}

// startHTTPServer adds the API server, its shutdown watcher and the stream
// hub to g. indexer is nil when the consumer runs in another process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, indexer *pipeline.Indexer) {
	queries := service.NewQueryService(deps.Stores, deps.MarketCache, a.logger)
	display := handler.Display{Decimals: int32(a.cfg.Server.TokenDecimals)}

	var live handler.IndexerStatus
	if indexer != nil {
		live = indexer
	}
	status := handler.NewStatusHandler(handler.StatusConfig{
		Mode:       a.cfg.Mode,
		StartedAt:  a.startedAt,
		Checkpoint: a.cfg.Indexer.Checkpoint,
	}, live, deps.Stores.Checkpoints, a.logger)
	if deps.Head != nil {
		status.WithHead(deps.Head)
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Status:     status,
		Markets:    handler.NewMarketHandler(queries, display, a.logger),
		Trades:     handler.NewTradeHandler(queries, display, a.logger),
		Portfolios: handler.NewPortfolioHandler(queries, display, a.logger),
		Events:     handler.NewEventHandler(queries, a.logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, ws.Config{
			Channel:        pipeline.EventsChannel,
			Stream:         pipeline.EventsStream,
			Backfill:       a.cfg.Server.WSBackfill,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		}, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
