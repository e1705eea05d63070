package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// ArchiveCheckpoint is the checkpoint name the archiver resumes from.
const ArchiveCheckpoint = "archive"

// Archiver copies newly appended raw events to cold storage. It never deletes
// from the raw store.
type Archiver struct {
	blobArchiver domain.EventArchiver
	checkpoints  domain.CheckpointStore
	logger       *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.EventArchiver, checkpoints domain.CheckpointStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver: blobArchiver,
		checkpoints:  checkpoints,
		logger:       logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run starting after the last archived
// position.
func (a *Archiver) Run(ctx context.Context) error {
	from, err := a.checkpoints.Get(ctx, ArchiveCheckpoint)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("reading archive checkpoint: %w", err)
	}
	a.logger.Info("starting archive run", slog.String("after", from.String()))

	last, n, err := a.blobArchiver.ArchiveAfter(ctx, from)
	if err != nil {
		return fmt.Errorf("archiving events after %s: %w", from, err)
	}
	if n == 0 {
		a.logger.Info("no new events to archive")
		return nil
	}

	if err := a.checkpoints.Put(ctx, ArchiveCheckpoint, last); err != nil {
		return fmt.Errorf("saving archive checkpoint: %w", err)
	}
	a.logger.Info("archive run complete",
		slog.Int64("events_archived", n),
		slog.String("last_position", last.String()),
	)
	return nil
}

// RunCron runs the archiver on a standard 5-field cron schedule until the
// context is cancelled.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(cronExpr, func() {
		if err := a.Run(ctx); err != nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}

	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))
	c.Start()

	<-ctx.Done()
	// Wait for an in-flight run to observe cancellation.
	<-c.Stop().Done()
	a.logger.Info("archiver cron stopped")
	return ctx.Err()
}
