package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	db DBTX
}

const tradeCols = `id, market_id, option_id, buyer, seller, price::text, quantity::text,
	ts, event_id, block_number`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		t       domain.Trade
		eventID []byte
		block   int64
		nums    numScanner
	)
	err := row.Scan(
		&t.ID, &t.MarketID, &t.OptionID, &t.Buyer, &t.Seller,
		nums.dest(&t.Price), nums.dest(&t.Quantity),
		&t.Timestamp, &eventID, &block,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	if err := nums.parse(); err != nil {
		return domain.Trade{}, err
	}
	copy(t.EventID[:], eventID)
	t.Block = uint64(block)
	t.Timestamp = t.Timestamp.UTC()
	return t, nil
}

// Put inserts a trade. Trades are write-once.
func (s *TradeStore) Put(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, market_id, option_id, buyer, seller, price, quantity,
			ts, event_id, block_number
		) VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8, $9, $10)`

	_, err := s.db.Exec(ctx, query,
		t.ID, t.MarketID, t.OptionID, t.Buyer, t.Seller,
		numText(t.Price), numText(t.Quantity),
		t.Timestamp, t.EventID[:], int64(t.Block),
	)
	if err != nil {
		return storageErr("put trade "+t.ID, err)
	}
	return nil
}

// Get retrieves a trade by id.
func (s *TradeStore) Get(ctx context.Context, id string) (domain.Trade, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		return domain.Trade{}, storageErr("get trade "+id, err)
	}
	return t, nil
}

// ListByMarket returns a market's trades, newest block first.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND ts <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY block_number DESC, event_id DESC"

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
		return nil, storageErr("list trades of market "+marketID, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, storageErr("scan trade", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list trades rows", err)
	}
	return trades, nil
}
