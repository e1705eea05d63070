package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// EventQueries reads the raw event store.
type EventQueries interface {
	ListEvents(ctx context.Context, filter domain.EventFilter, order domain.Order) ([]domain.EventRecord, error)
	GetEvent(ctx context.Context, hexID string) (domain.EventRecord, error)
}

// EventHandler serves raw event ranges.
type EventHandler struct {
	events EventQueries
	logger *slog.Logger
}

func NewEventHandler(events EventQueries, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

// ListEvents returns raw events matching the query filter. kind may repeat or
// hold a comma separated list.
// Pages continue from the "next" cursor passed back as after.
// GET /api/events?kind=&market=&user=&from_block=&to_block=&order=asc&after=&limit=100
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EventFilter{
		MarketID: q.Get("market"),
		User:     q.Get("user"),
	}

	for _, v := range q["kind"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			kind, err := domain.ParseKind(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}

	var err error
	if filter.FromBlock, err = parseUint(q.Get("from_block")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from_block")
		return
	}
	if filter.ToBlock, err = parseUint(q.Get("to_block")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to_block")
		return
	}
	if v := q.Get("after"); v != "" {
		var pos domain.Position
		if _, err := fmt.Sscanf(v, "%d:%d", &pos.BlockNumber, &pos.LogIndex); err != nil {
			writeError(w, http.StatusBadRequest, "after must be block:logIndex")
			return
		}
		filter.After = &pos
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	order := domain.ParseOrder(q.Get("order"))
	records, err := h.events.ListEvents(r.Context(), filter, order)
	if err != nil {
		writeQueryError(w, r, h.logger, "events", err)
		return
	}

	resp := map[string]any{"events": records}
	if n := len(records); n > 0 {
		resp["next"] = records[n-1].Provenance.Position().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEvent returns one raw event by its hex id.
// GET /api/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.events.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueryError(w, r, h.logger, "event", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
