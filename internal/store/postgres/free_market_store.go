package postgres

import (
	"context"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// FreeMarketStore implements domain.FreeMarketStore using PostgreSQL.
type FreeMarketStore struct {
	db DBTX
}

// Get retrieves the free market config of a market.
func (s *FreeMarketStore) Get(ctx context.Context, marketID string) (domain.FreeMarketConfig, error) {
	const query = `
		SELECT market_id, max_free_participants::text, tokens_per_participant::text,
			total_prize_pool::text, current_free_participants, is_active, updated_at
		FROM free_market_configs WHERE market_id = $1`

	var (
		c       domain.FreeMarketConfig
		current int64
		nums    numScanner
	)
	err := s.db.QueryRow(ctx, query, marketID).Scan(&c.MarketID,
		nums.dest(&c.MaxFreeParticipants), nums.dest(&c.TokensPerParticipant), nums.dest(&c.TotalPrizePool),
		&current, &c.IsActive, &c.UpdatedAt,
	)
	if err == nil {
		err = nums.parse()
	}
	if err != nil {
		return domain.FreeMarketConfig{}, storageErr("get free market config "+marketID, err)
	}
	c.CurrentFreeParticipants = uint64(current)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// Put inserts or replaces a free market config.
func (s *FreeMarketStore) Put(ctx context.Context, c domain.FreeMarketConfig) error {
	const query = `
		INSERT INTO free_market_configs (
			market_id, max_free_participants, tokens_per_participant,
			total_prize_pool, current_free_participants, is_active, updated_at
		) VALUES ($1, $2::text::numeric, $3::text::numeric, $4::text::numeric, $5, $6, $7)
		ON CONFLICT (market_id) DO UPDATE SET
			max_free_participants     = EXCLUDED.max_free_participants,
			tokens_per_participant    = EXCLUDED.tokens_per_participant,
			total_prize_pool          = EXCLUDED.total_prize_pool,
			current_free_participants = EXCLUDED.current_free_participants,
			is_active                 = EXCLUDED.is_active,
			updated_at                = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, query,
		c.MarketID, numText(c.MaxFreeParticipants), numText(c.TokensPerParticipant),
		numText(c.TotalPrizePool), int64(c.CurrentFreeParticipants), c.IsActive, c.UpdatedAt,
	)
	if err != nil {
		return storageErr("put free market config "+c.MarketID, err)
	}
	return nil
}
