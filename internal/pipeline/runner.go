package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// Source yields raw logs in emission order.
type Source interface {
	// Fetch returns up to limit logs strictly after the given position, or
	// from the start of the feed when after is nil.
	Fetch(ctx context.Context, after *domain.Position, limit int) ([]domain.RawLog, error)
}

// RunnerConfig controls polling and the consumer lease.
type RunnerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// LockKey names the distributed lease. Empty disables locking.
	LockKey string
	LockTTL time.Duration
}

// Runner is the single sequential consumer of a Source. It resumes from the
// indexer's checkpoint and never skips a log: a batch stops at the first
// failed unit and the next tick starts again from the checkpoint.
type Runner struct {
	source      Source
	indexer     *Indexer
	checkpoints domain.CheckpointStore
	locks       domain.LockManager
	cfg         RunnerConfig
	logger      *slog.Logger

	lease domain.Lease
}

// NewRunner creates a Runner. locks may be nil for a single-process setup.
func NewRunner(
	source Source,
	indexer *Indexer,
	checkpoints domain.CheckpointStore,
	locks domain.LockManager,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Runner{
		source:      source,
		indexer:     indexer,
		checkpoints: checkpoints,
		locks:       locks,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "runner")),
	}
}

// Tick fetches and processes one batch. It returns the number of logs handed
// to the indexer.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	held, err := r.holdLease(ctx)
	if err != nil || !held {
		return 0, err
	}

	after, err := r.position(ctx)
	if err != nil {
		return 0, err
	}

	logs, err := r.source.Fetch(ctx, after, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetching logs: %w", err)
	}

	n := 0
	for _, raw := range logs {
		pos := raw.Provenance.Position()
		if after != nil && !after.Less(pos) {
			continue
		}
		if _, err := r.indexer.Process(ctx, raw); err != nil {
			return n, fmt.Errorf("processing log at %s: %w", pos, err)
		}
		after = &pos
		n++
	}
	return n, nil
}

// position reads the resume point. A consumer without a checkpoint starts at
// the beginning of the feed.
func (r *Runner) position(ctx context.Context) (*domain.Position, error) {
	name := r.indexer.cfg.Checkpoint
	if name == "" {
		return nil, nil
	}
	pos, err := r.checkpoints.Get(ctx, name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading checkpoint %q: %w", name, err)
	}
	return &pos, nil
}

// holdLease acquires or refreshes the consumer lease. It reports false when
// another process holds it.
func (r *Runner) holdLease(ctx context.Context) (bool, error) {
	if r.locks == nil || r.cfg.LockKey == "" {
		return true, nil
	}
	if r.lease != nil {
		err := r.lease.Refresh(ctx, r.cfg.LockTTL)
		if err == nil {
			return true, nil
		}
		r.logger.Warn("lost consumer lease", slog.String("error", err.Error()))
		r.lease = nil
	}

	lease, err := r.locks.Acquire(ctx, r.cfg.LockKey, r.cfg.LockTTL)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		r.logger.Debug("consumer lease held elsewhere, standing by", slog.String("key", r.cfg.LockKey))
		return false, nil
	case err != nil:
		return false, fmt.Errorf("acquiring consumer lease: %w", err)
	}
	r.logger.Info("acquired consumer lease", slog.String("key", r.cfg.LockKey))
	r.lease = lease
	return true, nil
}

// drain runs ticks back to back while the source keeps returning full
// batches.
func (r *Runner) drain(ctx context.Context) error {
	for {
		n, err := r.Tick(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			r.logger.Info("indexed batch",
				slog.Int("count", n),
				slog.String("last_position", r.indexer.Status().Last.String()),
			)
		}
		if n < r.cfg.BatchSize || ctx.Err() != nil {
			return nil
		}
	}
}

// RunLoop polls the source until the context is cancelled. Failed ticks are
// logged and retried on the next interval.
func (r *Runner) RunLoop(ctx context.Context) error {
	defer r.release()

	if err := r.drain(ctx); err != nil {
		r.logger.Error("indexing tick failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				r.logger.Error("indexing tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runner) release() {
	if r.lease != nil {
		r.lease.Release()
		r.lease = nil
	}
}
