package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/pipeline"
)

// IndexerStatus exposes the live counters of an in-process indexer.
type IndexerStatus interface {
	Status() pipeline.Status
}

// FeedHead reports the newest block the feed can serve.
type FeedHead interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// StatusConfig describes the process the status endpoint reports on.
type StatusConfig struct {
	Mode       string
	StartedAt  time.Time
	Checkpoint string
}

// StatusHandler reports the indexing progress. The stored checkpoints are
// always read; live counters are only present when the indexer runs in this
// process.
type StatusHandler struct {
	cfg         StatusConfig
	indexer     IndexerStatus
	checkpoints domain.CheckpointStore
	head        FeedHead
	logger      *slog.Logger
}

// NewStatusHandler creates a StatusHandler. indexer may be nil.
func NewStatusHandler(cfg StatusConfig, indexer IndexerStatus, checkpoints domain.CheckpointStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{cfg: cfg, indexer: indexer, checkpoints: checkpoints, logger: logger}
}

// WithHead adds the feed head and the indexing lag behind it to the
// response.
func (h *StatusHandler) WithHead(head FeedHead) *StatusHandler {
	h.head = head
	return h
}

// GetStatus responds with the mode, stored checkpoints and, when available,
// the indexer counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.cfg.Mode,
		"uptime_seconds": int64(time.Since(h.cfg.StartedAt).Seconds()),
	}

	checkpoints := make(map[string]*domain.Position, 2)
	for _, name := range []string{h.cfg.Checkpoint, pipeline.ArchiveCheckpoint} {
		pos, err := h.checkpoint(r.Context(), name)
		if err != nil {
			writeQueryError(w, r, h.logger, "checkpoint", err)
			return
		}
		checkpoints[name] = pos
	}
	resp["checkpoints"] = checkpoints

	if h.indexer != nil {
		resp["indexer"] = h.indexer.Status()
	}
	if h.head != nil {
		resp["feed"] = h.feed(r.Context(), checkpoints[h.cfg.Checkpoint])
	}
	writeJSON(w, http.StatusOK, resp)
}

// feed reports the head block and how far the last applied position trails
// it. A failing head lookup is reported in the body, not as a 5xx.
func (h *StatusHandler) feed(ctx context.Context, applied *domain.Position) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	head, err := h.head.LatestBlock(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "feed head lookup failed", slog.String("error", err.Error()))
		return map[string]any{"error": err.Error()}
	}
	out := map[string]any{"head_block": head}
	lag := head
	if applied != nil {
		lag = 0
		if head > applied.BlockNumber {
			lag = head - applied.BlockNumber
		}
	}
	out["lag_blocks"] = lag
	return out
}

// checkpoint returns nil for a consumer that has not stored a position yet.
func (h *StatusHandler) checkpoint(ctx context.Context, name string) (*domain.Position, error) {
	pos, err := h.checkpoints.Get(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}
