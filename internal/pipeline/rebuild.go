package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/pmindexer/internal/decoder"
	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/projector"
)

// RebuildStats summarizes a replay.
type RebuildStats struct {
	Replayed int64
	Warnings int64
	Failed   int64
}

// Rebuilder recomputes every aggregate from the raw event ledger. It must not
// run concurrently with a Runner writing to the same stores.
type Rebuilder struct {
	events    domain.EventStore
	resetter  domain.AggregateResetter
	uow       domain.UnitOfWork
	decoder   *decoder.Decoder
	projector *projector.Projector
	logger    *slog.Logger
}

// NewRebuilder creates a Rebuilder.
func NewRebuilder(
	events domain.EventStore,
	resetter domain.AggregateResetter,
	uow domain.UnitOfWork,
	dec *decoder.Decoder,
	proj *projector.Projector,
	logger *slog.Logger,
) *Rebuilder {
	return &Rebuilder{
		events:    events,
		resetter:  resetter,
		uow:       uow,
		decoder:   dec,
		projector: proj,
		logger:    logger.With(slog.String("component", "rebuilder")),
	}
}

// Run clears the aggregates and replays every stored event in ascending
// order. Raw events and checkpoints are left untouched.
func (r *Rebuilder) Run(ctx context.Context) (RebuildStats, error) {
	var stats RebuildStats

	if err := r.resetter.ResetAggregates(ctx); err != nil {
		return stats, fmt.Errorf("resetting aggregates: %w", err)
	}
	r.logger.InfoContext(ctx, "aggregates cleared, replaying raw events")

	for rec, err := range r.events.Range(ctx, domain.EventFilter{}, domain.Ascending) {
		if err != nil {
			return stats, fmt.Errorf("reading raw events: %w", err)
		}

		evt, err := r.decoder.FromRecord(rec)
		if err != nil {
			stats.Failed++
			r.logger.WarnContext(ctx, "stored event could not be rebuilt",
				slog.String("id", rec.ID.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}

		err = r.uow.Do(ctx, func(ctx context.Context, s domain.Stores) error {
			res, err := r.projector.Apply(ctx, s, evt)
			if err != nil {
				return err
			}
			stats.Warnings += int64(len(res.Warnings))
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("replaying %s at %s: %w", evt.Kind, rec.Provenance.Position(), err)
		}
		stats.Replayed++
	}

	r.logger.InfoContext(ctx, "rebuild complete",
		slog.Int64("replayed", stats.Replayed),
		slog.Int64("warnings", stats.Warnings),
		slog.Int64("failed", stats.Failed),
	)
	return stats, nil
}
