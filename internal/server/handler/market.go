package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// MarketQueries is the part of the query service the market endpoints use.
type MarketQueries interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	CountMarkets(ctx context.Context) (int64, error)
	GetTradesForMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error)
	GetPriceHistory(ctx context.Context, marketID string, optionID int64, tr domain.TimeRange) ([]domain.PricePoint, error)
	GetFreeMarketConfig(ctx context.Context, marketID string) (domain.FreeMarketConfig, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketQueries
	display Display
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketQueries, display Display, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		display: display,
		logger:  logger,
	}
}

type marketView struct {
	domain.Market
	TotalVolumeDisplay string `json:"total_volume_display"`
}

func (h *MarketHandler) view(m domain.Market) marketView {
	return marketView{Market: m, TotalVolumeDisplay: h.display.Amount(m.TotalVolume)}
}

type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns markets, newest first.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeQueryError(w, r, h.logger, "markets", err)
		return
	}
	total, err := h.markets.CountMarkets(r.Context())
	if err != nil {
		writeQueryError(w, r, h.logger, "markets", err)
		return
	}

	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, h.view(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := h.markets.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueryError(w, r, h.logger, "market", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(market))
}

// ListTrades returns the trades of a market, newest first.
// GET /api/markets/{id}/trades?limit=50&offset=0
func (h *MarketHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.markets.GetTradesForMarket(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeQueryError(w, r, h.logger, "market", err)
		return
	}
	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, newTradeView(t, h.display))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": views})
}

type pricePointView struct {
	domain.PricePoint
	PriceDisplay string `json:"price_display"`
}

// PriceHistory returns the price points of one option.
// GET /api/markets/{id}/prices?option=0&from=&to=
func (h *MarketHandler) PriceHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	optionID, err := strconv.ParseInt(q.Get("option"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "option must be an integer")
		return
	}
	var tr domain.TimeRange
	if tr.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	if tr.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}

	points, err := h.markets.GetPriceHistory(r.Context(), r.PathValue("id"), optionID, tr)
	if err != nil {
		writeQueryError(w, r, h.logger, "market", err)
		return
	}
	views := make([]pricePointView, 0, len(points))
	for _, p := range points {
		views = append(views, pricePointView{PricePoint: p, PriceDisplay: h.display.Amount(p.Price)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"option_id": optionID, "points": views})
}

type freeMarketView struct {
	domain.FreeMarketConfig
	TokensPerParticipantDisplay string `json:"tokens_per_participant_display"`
	TotalPrizePoolDisplay       string `json:"total_prize_pool_display"`
	Full                        bool   `json:"full"`
}

// FreeMarket returns the free-token configuration of a market.
// GET /api/markets/{id}/free-market
func (h *MarketHandler) FreeMarket(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.markets.GetFreeMarketConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueryError(w, r, h.logger, "free market config", err)
		return
	}
	writeJSON(w, http.StatusOK, freeMarketView{
		FreeMarketConfig:            cfg,
		TokensPerParticipantDisplay: h.display.Amount(cfg.TokensPerParticipant),
		TotalPrizePoolDisplay:       h.display.Amount(cfg.TotalPrizePool),
		Full:                        cfg.Full(),
	})
}
