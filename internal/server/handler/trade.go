package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// TradeQueries looks up single trades.
type TradeQueries interface {
	GetTrade(ctx context.Context, id string) (domain.Trade, error)
}

// TradeHandler serves trade lookups.
type TradeHandler struct {
	trades  TradeQueries
	display Display
	logger  *slog.Logger
}

func NewTradeHandler(trades TradeQueries, display Display, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, display: display, logger: logger}
}

type tradeView struct {
	domain.Trade
	PriceDisplay    string `json:"price_display"`
	NotionalDisplay string `json:"notional_display"`
}

func newTradeView(t domain.Trade, d Display) tradeView {
	notional := new(big.Int)
	if t.Price != nil && t.Quantity != nil {
		notional.Mul(t.Price, t.Quantity)
	}
	return tradeView{
		Trade:           t,
		PriceDisplay:    d.Amount(t.Price),
		NotionalDisplay: d.Amount(notional),
	}
}

// GetTrade returns one trade by its on-chain id.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.trades.GetTrade(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueryError(w, r, h.logger, "trade", err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(t, h.display))
}
