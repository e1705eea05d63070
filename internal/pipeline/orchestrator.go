package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the pipeline goroutines: the indexing runner and the
// cold-storage archiver.
type Orchestrator struct {
	runner      *Runner
	archiver    *Archiver
	archiveCron string
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archiver may be nil when cold
// storage is disabled.
func NewOrchestrator(runner *Runner, archiver *Archiver, archiveCron string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runner:      runner,
		archiver:    archiver,
		archiveCron: archiveCron,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every sub-pipeline under an errgroup. Each goroutine respects ctx
// cancellation. If any goroutine returns a non-context error, the errgroup
// cancels the shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("poll_interval", o.runner.cfg.PollInterval),
		slog.Bool("archiver", o.archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.runner.RunLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("runner: %w", err)
	})

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
