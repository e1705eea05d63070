package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// PortfolioQueries is the part of the query service the portfolio endpoints
// use.
type PortfolioQueries interface {
	GetUserPortfolio(ctx context.Context, address string) (domain.UserPortfolio, error)
	Leaderboard(ctx context.Context, opts domain.ListOpts) ([]domain.UserPortfolio, error)
}

// PortfolioHandler serves user portfolios and the winnings leaderboard.
type PortfolioHandler struct {
	portfolios PortfolioQueries
	display    Display
	logger     *slog.Logger
}

func NewPortfolioHandler(portfolios PortfolioQueries, display Display, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{portfolios: portfolios, display: display, logger: logger}
}

type portfolioView struct {
	domain.UserPortfolio
	TotalInvestedDisplay string `json:"total_invested_display"`
	TotalWinningsDisplay string `json:"total_winnings_display"`
	UnrealizedPnLDisplay string `json:"unrealized_pnl_display"`
	RealizedPnLDisplay   string `json:"realized_pnl_display"`
}

func (h *PortfolioHandler) view(p domain.UserPortfolio) portfolioView {
	return portfolioView{
		UserPortfolio:        p,
		TotalInvestedDisplay: h.display.Amount(p.TotalInvested),
		TotalWinningsDisplay: h.display.Amount(p.TotalWinnings),
		UnrealizedPnLDisplay: h.display.Amount(p.UnrealizedPnL),
		RealizedPnLDisplay:   h.display.Amount(p.RealizedPnL),
	}
}

// GetPortfolio returns one user's portfolio.
// GET /api/portfolios/{address}
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.portfolios.GetUserPortfolio(r.Context(), r.PathValue("address"))
	if err != nil {
		writeQueryError(w, r, h.logger, "portfolio", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(p))
}

// Leaderboard returns portfolios ranked by total winnings.
// GET /api/leaderboard?limit=50&offset=0
func (h *PortfolioHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	top, err := h.portfolios.Leaderboard(r.Context(), opts)
	if err != nil {
		writeQueryError(w, r, h.logger, "leaderboard", err)
		return
	}

	type entry struct {
		Rank int `json:"rank"`
		portfolioView
	}
	entries := make([]entry, 0, len(top))
	for i, p := range top {
		entries = append(entries, entry{Rank: opts.Offset + i + 1, portfolioView: h.view(p)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}
