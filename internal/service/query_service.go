package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/identity"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// QueryService is the read-only surface over the materialized aggregates and
// the raw event store. Absent aggregates surface as domain.ErrNotFound.
type QueryService struct {
	stores domain.Stores
	cache  domain.MarketCache
	logger *slog.Logger
}

// NewQueryService creates a QueryService. cache may be nil, in which case
// every market read goes to the store.
func NewQueryService(stores domain.Stores, cache domain.MarketCache, logger *slog.Logger) *QueryService {
	return &QueryService{
		stores: stores,
		cache:  cache,
		logger: logger.With(slog.String("component", "query_service")),
	}
}

// GetMarket reads through the market cache. The fill carries the generation
// taken before the store read, so a market invalidated by a commit in
// between is never cached.
func (s *QueryService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	fill := s.cache != nil
	var gen int64
	if s.cache != nil {
		m, err := s.cache.Get(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.cacheWarn(ctx, "market cache read failed", id, err)
		}
		if gen, err = s.cache.Generation(ctx, id); err != nil {
			s.cacheWarn(ctx, "market cache generation read failed", id, err)
			fill = false
		}
	}

	m, err := s.stores.Markets.Get(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("query: get market %q: %w", id, err)
	}

	if fill {
		stored, err := s.cache.Fill(ctx, m, gen)
		switch {
		case err != nil:
			s.cacheWarn(ctx, "market cache fill failed", id, err)
		case !stored:
			s.logger.DebugContext(ctx, "market changed during read, not cached", slog.String("market_id", id))
		}
	}
	return m, nil
}

func (s *QueryService) cacheWarn(ctx context.Context, msg, id string, err error) {
	s.logger.WarnContext(ctx, msg,
		slog.String("market_id", id),
		slog.String("error", err.Error()),
	)
}

// ListMarkets returns markets, newest first.
func (s *QueryService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.stores.Markets.List(ctx, clampPage(opts))
	if err != nil {
		return nil, fmt.Errorf("query: list markets: %w", err)
	}
	return markets, nil
}

// CountMarkets returns the number of indexed markets.
func (s *QueryService) CountMarkets(ctx context.Context) (int64, error) {
	n, err := s.stores.Markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("query: count markets: %w", err)
	}
	return n, nil
}

// GetUserPortfolio looks up a portfolio by address. Addresses are matched
// case-insensitively.
func (s *QueryService) GetUserPortfolio(ctx context.Context, address string) (domain.UserPortfolio, error) {
	user, err := normalizeAddress(address)
	if err != nil {
		return domain.UserPortfolio{}, err
	}
	p, err := s.stores.Portfolios.Get(ctx, user)
	if err != nil {
		return domain.UserPortfolio{}, fmt.Errorf("query: get portfolio %s: %w", user, err)
	}
	return p, nil
}

// Leaderboard returns portfolios sorted by total winnings, highest first.
func (s *QueryService) Leaderboard(ctx context.Context, opts domain.ListOpts) ([]domain.UserPortfolio, error) {
	out, err := s.stores.Portfolios.TopByWinnings(ctx, clampPage(opts))
	if err != nil {
		return nil, fmt.Errorf("query: leaderboard: %w", err)
	}
	return out, nil
}

// GetTradesForMarket returns the trades of a market, newest first. A market
// with neither a row nor stored trades yields domain.ErrNotFound rather than
// an empty page.
func (s *QueryService) GetTradesForMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.stores.Trades.ListByMarket(ctx, marketID, clampPage(opts))
	if err != nil {
		return nil, fmt.Errorf("query: trades for market %q: %w", marketID, err)
	}
	if len(trades) == 0 {
		if err := s.requireMarket(ctx, marketID); err != nil {
			return nil, fmt.Errorf("query: trades for market %q: %w", marketID, err)
		}
	}
	return trades, nil
}

// requireMarket fails with domain.ErrNotFound when marketID has no market
// row. Trades and prices of an orphan market are served without one.
func (s *QueryService) requireMarket(ctx context.Context, marketID string) error {
	_, err := s.stores.Markets.Get(ctx, marketID)
	return err
}

// GetTrade looks up a trade by its on-chain trade id.
func (s *QueryService) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	t, err := s.stores.Trades.Get(ctx, id)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("query: get trade %q: %w", id, err)
	}
	return t, nil
}

// GetPriceHistory returns the price points of one market option inside tr,
// oldest first.
func (s *QueryService) GetPriceHistory(ctx context.Context, marketID string, optionID int64, tr domain.TimeRange) ([]domain.PricePoint, error) {
	if tr.From != nil && tr.To != nil && tr.To.Before(*tr.From) {
		return nil, fmt.Errorf("query: price history: %w: range ends before it starts", domain.ErrInvalidInput)
	}
	points, err := s.stores.Prices.Range(ctx, marketID, optionID, tr)
	if err != nil {
		return nil, fmt.Errorf("query: price history %q: %w", marketID, err)
	}
	if len(points) == 0 {
		if err := s.requireMarket(ctx, marketID); err != nil {
			return nil, fmt.Errorf("query: price history %q: %w", marketID, err)
		}
	}
	return points, nil
}

// GetFreeMarketConfig returns the free-token configuration of a market.
func (s *QueryService) GetFreeMarketConfig(ctx context.Context, marketID string) (domain.FreeMarketConfig, error) {
	c, err := s.stores.FreeMarkets.Get(ctx, marketID)
	if err != nil {
		return domain.FreeMarketConfig{}, fmt.Errorf("query: free market %q: %w", marketID, err)
	}
	return c, nil
}

// ListEvents returns raw event records matching filter in the given order.
// The filter limit is clamped to the page bounds.
func (s *QueryService) ListEvents(ctx context.Context, filter domain.EventFilter, order domain.Order) ([]domain.EventRecord, error) {
	if filter.FromBlock != nil && filter.ToBlock != nil && *filter.ToBlock < *filter.FromBlock {
		return nil, fmt.Errorf("query: list events: %w: to_block before from_block", domain.ErrInvalidInput)
	}
	if filter.User != "" {
		user, err := normalizeAddress(filter.User)
		if err != nil {
			return nil, err
		}
		filter.User = user
	}
	filter.Limit = clampLimit(filter.Limit)

	out := make([]domain.EventRecord, 0, filter.Limit)
	for rec, err := range s.stores.Events.Range(ctx, filter, order) {
		if err != nil {
			return nil, fmt.Errorf("query: list events: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetEvent looks up a raw event by its hex id.
func (s *QueryService) GetEvent(ctx context.Context, hexID string) (domain.EventRecord, error) {
	id, err := identity.Parse(hexID)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("query: get event: %w: %w", domain.ErrInvalidInput, err)
	}
	rec, err := s.stores.Events.Get(ctx, id)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("query: get event %s: %w", id, err)
	}
	return rec, nil
}

func normalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("query: %w: %q is not an address", domain.ErrInvalidInput, address)
	}
	return domain.AddressKey(common.HexToAddress(address)), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

func clampPage(opts domain.ListOpts) domain.ListOpts {
	opts.Limit = clampLimit(opts.Limit)
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}
