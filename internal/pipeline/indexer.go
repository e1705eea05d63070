package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alanyoungcy/pmindexer/internal/decoder"
	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/notify"
	"github.com/alanyoungcy/pmindexer/internal/projector"
)

const (
	// EventsChannel is the bus channel applied events are published on.
	EventsChannel = "pmindex:events"
	// EventsStream keeps a bounded replayable copy of EventsChannel.
	EventsStream = "pmindex:events:log"
)

// Publisher is the part of domain.SignalBus the indexer needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Notifier alerts operators about events that need reconciliation.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// IndexerConfig controls unit-of-work timeouts and retries.
type IndexerConfig struct {
	// Checkpoint is the consumer name whose position advances with every
	// unit. Empty disables checkpointing.
	Checkpoint       string
	UnitTimeout      time.Duration
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration
	RetryMaxElapsed  time.Duration
}

// Outcome classifies what Process did with a log.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	// OutcomeRejected means the database refused the event's values and
	// nothing but the audit row and the checkpoint was written.
	OutcomeRejected Outcome = "rejected"
)

// Report describes the processing of one log.
type Report struct {
	Outcome  Outcome
	ID       domain.EventID
	Kind     domain.Kind
	Position domain.Position
	Warnings []error
	// Reason is set for skipped logs.
	Reason error
}

// Status is a snapshot of indexer counters.
type Status struct {
	Applied    int64           `json:"applied"`
	Duplicates int64           `json:"duplicates"`
	Skipped    int64           `json:"skipped"`
	Warnings   int64           `json:"warnings"`
	Last       domain.Position `json:"last_position"`
	LastError  string          `json:"last_error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Indexer runs the decode, store and project steps for one log at a time.
// Each log is one atomic unit of work against the UnitOfWork.
type Indexer struct {
	decoder   *decoder.Decoder
	projector *projector.Projector
	uow       domain.UnitOfWork
	cache     domain.MarketCache
	bus       Publisher
	notifier  Notifier
	cfg       IndexerConfig
	logger    *slog.Logger

	applied    atomic.Int64
	duplicates atomic.Int64
	skipped    atomic.Int64
	warnings   atomic.Int64

	mu        sync.Mutex
	last      domain.Position
	lastError string
	updatedAt time.Time
}

// IndexerOption configures optional collaborators.
type IndexerOption func(*Indexer)

// WithMarketCache invalidates cached markets after each commit.
func WithMarketCache(c domain.MarketCache) IndexerOption {
	return func(ix *Indexer) { ix.cache = c }
}

// WithPublisher publishes every applied event.
func WithPublisher(p Publisher) IndexerOption {
	return func(ix *Indexer) { ix.bus = p }
}

// WithNotifier alerts on skipped logs and projector warnings.
func WithNotifier(n Notifier) IndexerOption {
	return func(ix *Indexer) { ix.notifier = n }
}

// NewIndexer creates an Indexer. Zero durations in cfg fall back to
// defaults.
func NewIndexer(
	dec *decoder.Decoder,
	proj *projector.Projector,
	uow domain.UnitOfWork,
	cfg IndexerConfig,
	logger *slog.Logger,
	opts ...IndexerOption,
) *Indexer {
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = 10 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = 10 * time.Second
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 2 * time.Minute
	}
	ix := &Indexer{
		decoder:   dec,
		projector: proj,
		uow:       uow,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "indexer")),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Process decodes raw, appends it to the raw store, applies the projector
// rule and advances the checkpoint, all in one unit of work.
//
// Decode failures and content mismatches are skipped and reported. Projector
// warnings are audited. The only error returned is a storage failure that
// outlived every retry, in which case nothing was committed and the caller
// must process the same log again.
func (ix *Indexer) Process(ctx context.Context, raw domain.RawLog) (Report, error) {
	pos := raw.Provenance.Position()

	evt, err := ix.decoder.Decode(raw)
	if err != nil {
		if !domain.IsDecodeError(err) {
			return Report{}, err
		}
		return ix.skip(ctx, raw, err)
	}

	rep := Report{ID: evt.ID, Kind: evt.Kind, Position: pos}
	err = ix.retry(ctx, func(ctx context.Context, s domain.Stores) error {
		rep.Outcome, rep.Warnings, rep.Reason = "", nil, nil

		inserted, err := s.Events.Append(ctx, evt.Record())
		switch {
		case errors.Is(err, domain.ErrDuplicateEvent):
			rep.Outcome, rep.Reason = OutcomeSkipped, err
			if err := s.Audit.Log(ctx, "duplicate_event", auditDetail(evt.ID, evt.Kind, pos, err)); err != nil {
				return err
			}
			return ix.advance(ctx, s, pos)
		case err != nil:
			return err
		case !inserted:
			rep.Outcome = OutcomeDuplicate
			return ix.advance(ctx, s, pos)
		}

		res, err := ix.projector.Apply(ctx, s, evt)
		if err != nil {
			if transient(err) || errors.Is(err, domain.ErrDataRejected) {
				return err
			}
			// The raw record is kept; only the aggregate mutation is lost.
			res.Warnings = append(res.Warnings, err)
		}
		for _, w := range res.Warnings {
			if err := s.Audit.Log(ctx, "projector_warning", auditDetail(evt.ID, evt.Kind, pos, w)); err != nil {
				return err
			}
		}
		rep.Outcome, rep.Warnings = OutcomeApplied, res.Warnings
		return ix.advance(ctx, s, pos)
	})
	if errors.Is(err, domain.ErrDataRejected) {
		rep, err = ix.reject(ctx, evt, pos, err)
	}
	if err != nil {
		ix.recordError(err)
		return Report{}, err
	}

	ix.afterCommit(ctx, evt, rep)
	return rep, nil
}

// reject handles a unit whose values the database refused. The raw record
// is kept without projection when it is storable on its own, otherwise only
// the audit row is written. Either way the checkpoint moves past the log.
func (ix *Indexer) reject(ctx context.Context, evt domain.Event, pos domain.Position, reason error) (Report, error) {
	rep := Report{ID: evt.ID, Kind: evt.Kind, Position: pos}
	err := ix.retry(ctx, func(ctx context.Context, s domain.Stores) error {
		inserted, err := s.Events.Append(ctx, evt.Record())
		if err != nil {
			return err
		}
		if err := s.Audit.Log(ctx, "rejected_event", auditDetail(evt.ID, evt.Kind, pos, reason)); err != nil {
			return err
		}
		rep.Outcome, rep.Warnings = OutcomeApplied, []error{reason}
		if !inserted {
			rep.Outcome, rep.Warnings = OutcomeDuplicate, nil
		}
		return ix.advance(ctx, s, pos)
	})
	if !errors.Is(err, domain.ErrDataRejected) {
		return rep, err
	}

	rep = Report{Outcome: OutcomeRejected, ID: evt.ID, Kind: evt.Kind, Position: pos, Reason: reason}
	err = ix.retry(ctx, func(ctx context.Context, s domain.Stores) error {
		if err := s.Audit.Log(ctx, "rejected_event", auditDetail(evt.ID, evt.Kind, pos, reason)); err != nil {
			return err
		}
		return ix.advance(ctx, s, pos)
	})
	return rep, err
}

// skip stores an audit row for an undecodable log and moves past it.
func (ix *Indexer) skip(ctx context.Context, raw domain.RawLog, reason error) (Report, error) {
	pos := raw.Provenance.Position()
	err := ix.retry(ctx, func(ctx context.Context, s domain.Stores) error {
		detail := map[string]any{
			"name":         raw.Name,
			"tx_hash":      raw.Provenance.TxHash.Hex(),
			"block_number": raw.Provenance.BlockNumber,
			"log_index":    raw.Provenance.LogIndex,
			"error":        reason.Error(),
		}
		if err := s.Audit.Log(ctx, "undecodable_event", detail); err != nil {
			return err
		}
		return ix.advance(ctx, s, pos)
	})
	if err != nil {
		ix.recordError(err)
		return Report{}, err
	}

	ix.skipped.Add(1)
	ix.setLast(pos)
	ix.logger.WarnContext(ctx, "skipped undecodable log",
		slog.String("name", raw.Name),
		slog.String("position", pos.String()),
		slog.String("error", reason.Error()),
	)
	ix.notify(ctx, notify.EventUnknown, "Undecodable log skipped",
		fmt.Sprintf("%s at %s: %v", raw.Name, pos, reason))
	return Report{Outcome: OutcomeSkipped, Position: pos, Reason: reason}, nil
}

func (ix *Indexer) advance(ctx context.Context, s domain.Stores, pos domain.Position) error {
	if ix.cfg.Checkpoint == "" {
		return nil
	}
	return s.Checkpoints.Put(ctx, ix.cfg.Checkpoint, pos)
}

// retry runs fn as a unit of work, retrying transient storage failures with
// exponential backoff. Each attempt gets its own timeout.
func (ix *Indexer) retry(ctx context.Context, fn func(ctx context.Context, s domain.Stores) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ix.cfg.RetryInitial
	b.MaxInterval = ix.cfg.RetryMaxInterval

	op := func() (struct{}, error) {
		unitCtx, cancel := context.WithTimeout(ctx, ix.cfg.UnitTimeout)
		defer cancel()

		err := ix.uow.Do(unitCtx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: unit timed out after %s: %w", domain.ErrStorageUnavailable, ix.cfg.UnitTimeout, err)
		}
		if !transient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(ix.cfg.RetryMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			ix.logger.WarnContext(ctx, "unit of work failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("next_attempt", next),
			)
		}),
	)
	return err
}

func transient(err error) bool {
	return errors.Is(err, domain.ErrStorageUnavailable)
}

// afterCommit runs side effects that must only follow a committed unit.
func (ix *Indexer) afterCommit(ctx context.Context, evt domain.Event, rep Report) {
	ix.setLast(rep.Position)

	switch rep.Outcome {
	case OutcomeDuplicate:
		ix.duplicates.Add(1)
		ix.logger.DebugContext(ctx, "re-delivered log ignored",
			slog.String("id", evt.ID.Hex()),
			slog.String("kind", string(evt.Kind)),
		)
		return
	case OutcomeSkipped:
		ix.skipped.Add(1)
		ix.logger.ErrorContext(ctx, "event id reused with different contents",
			slog.String("id", evt.ID.Hex()),
			slog.String("kind", string(evt.Kind)),
		)
		ix.notify(ctx, notify.EventDuplicate, "Conflicting event contents",
			fmt.Sprintf("%s %s at %s", evt.Kind, evt.ID.Hex(), rep.Position))
		return
	case OutcomeRejected:
		ix.skipped.Add(1)
		ix.logger.ErrorContext(ctx, "event rejected by storage",
			slog.String("id", evt.ID.Hex()),
			slog.String("kind", string(evt.Kind)),
			slog.String("error", rep.Reason.Error()),
		)
		ix.notify(ctx, notify.EventRejected, "Event rejected by storage",
			fmt.Sprintf("%s %s at %s: %v", evt.Kind, evt.ID.Hex(), rep.Position, rep.Reason))
		return
	}

	ix.applied.Add(1)
	for _, w := range rep.Warnings {
		ix.warnings.Add(1)
		ix.logger.WarnContext(ctx, "projector warning",
			slog.String("id", evt.ID.Hex()),
			slog.String("kind", string(evt.Kind)),
			slog.String("warning", w.Error()),
		)
		ix.notify(ctx, notify.EventProjectorWarning, "Event needs reconciliation",
			fmt.Sprintf("%s %s: %v", evt.Kind, evt.ID.Hex(), w))
	}

	if marketID := evt.MarketID(); marketID != "" && ix.cache != nil {
		if err := ix.cache.Invalidate(ctx, marketID); err != nil {
			ix.logger.WarnContext(ctx, "market cache invalidation failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}

	if ix.bus != nil {
		payload, err := json.Marshal(newEventMessage(evt, rep))
		if err == nil {
			err = ix.bus.Publish(ctx, EventsChannel, payload)
		}
		if err != nil {
			ix.logger.WarnContext(ctx, "publish applied event failed", slog.String("error", err.Error()))
		}
	}
}

func (ix *Indexer) notify(ctx context.Context, event, title, message string) {
	if ix.notifier == nil {
		return
	}
	if err := ix.notifier.Notify(ctx, event, title, message); err != nil {
		ix.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
}

func (ix *Indexer) setLast(pos domain.Position) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.last = pos
	ix.lastError = ""
	ix.updatedAt = time.Now().UTC()
}

func (ix *Indexer) recordError(err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.lastError = err.Error()
	ix.updatedAt = time.Now().UTC()
}

// Status returns the current counters.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return Status{
		Applied:    ix.applied.Load(),
		Duplicates: ix.duplicates.Load(),
		Skipped:    ix.skipped.Load(),
		Warnings:   ix.warnings.Load(),
		Last:       ix.last,
		LastError:  ix.lastError,
		UpdatedAt:  ix.updatedAt,
	}
}

// EventMessage is the bus representation of an applied event.
type EventMessage struct {
	ID             string         `json:"id"`
	Kind           domain.Kind    `json:"kind"`
	MarketID       string         `json:"market_id,omitempty"`
	User           string         `json:"user,omitempty"`
	BlockNumber    uint64         `json:"block_number"`
	LogIndex       uint64         `json:"log_index"`
	BlockTimestamp time.Time      `json:"block_timestamp"`
	TxHash         string         `json:"tx_hash"`
	Fields         []domain.Field `json:"fields"`
	Warnings       []string       `json:"warnings,omitempty"`
}

func newEventMessage(evt domain.Event, rep Report) EventMessage {
	msg := EventMessage{
		ID:             evt.ID.Hex(),
		Kind:           evt.Kind,
		MarketID:       evt.MarketID(),
		User:           evt.User(),
		BlockNumber:    evt.Provenance.BlockNumber,
		LogIndex:       evt.Provenance.LogIndex,
		BlockTimestamp: evt.Provenance.BlockTimestamp,
		TxHash:         evt.Provenance.TxHash.Hex(),
		Fields:         evt.Fields,
	}
	for _, w := range rep.Warnings {
		msg.Warnings = append(msg.Warnings, w.Error())
	}
	return msg
}

func auditDetail(id domain.EventID, kind domain.Kind, pos domain.Position, err error) map[string]any {
	return map[string]any{
		"id":           id.Hex(),
		"kind":         string(kind),
		"block_number": pos.BlockNumber,
		"log_index":    pos.LogIndex,
		"error":        err.Error(),
	}
}
