package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	db DBTX
}

const marketCols = `id, question, options, end_time, category, market_type, creator,
	status, resolved, winning_option_id, invalidated, total_volume::text,
	free_market_config_id, created_at, updated_at`

// Put inserts or replaces a market.
func (s *MarketStore) Put(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, options, end_time, category, market_type, creator,
			status, resolved, winning_option_id, invalidated, total_volume,
			free_market_config_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12::text::numeric,
			$13, $14, $15
		)
		ON CONFLICT (id) DO UPDATE SET
			question              = EXCLUDED.question,
			options               = EXCLUDED.options,
			end_time              = EXCLUDED.end_time,
			category              = EXCLUDED.category,
			market_type           = EXCLUDED.market_type,
			creator               = EXCLUDED.creator,
			status                = EXCLUDED.status,
			resolved              = EXCLUDED.resolved,
			winning_option_id     = EXCLUDED.winning_option_id,
			invalidated           = EXCLUDED.invalidated,
			total_volume          = EXCLUDED.total_volume,
			free_market_config_id = EXCLUDED.free_market_config_id,
			updated_at            = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, query,
		m.ID, m.Question, m.Options, m.EndTime, m.Category, int16(m.MarketType), m.Creator,
		string(m.Status), m.Resolved, m.WinningOptionID, m.Invalidated, numText(m.TotalVolume),
		m.FreeMarketConfigID, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return storageErr("put market "+m.ID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m          domain.Market
		marketType int16
		status     string
		nums       numScanner
	)
	err := row.Scan(
		&m.ID, &m.Question, &m.Options, &m.EndTime, &m.Category, &marketType, &m.Creator,
		&status, &m.Resolved, &m.WinningOptionID, &m.Invalidated, nums.dest(&m.TotalVolume),
		&m.FreeMarketConfigID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if err := nums.parse(); err != nil {
		return domain.Market{}, err
	}
	m.MarketType = uint8(marketType)
	m.Status = domain.MarketStatus(status)
	m.EndTime = m.EndTime.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

// Get retrieves a market by id.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	row := s.db.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return domain.Market{}, storageErr("get market "+id, err)
	}
	return m, nil
}

// List returns markets newest first with pagination and optional creation
// time filtering.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list markets", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, storageErr("scan market", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list markets rows", err)
	}
	return markets, nil
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count); err != nil {
		return 0, storageErr("count markets", err)
	}
	return count, nil
}
