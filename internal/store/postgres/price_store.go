package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// PriceStore implements domain.PriceHistoryStore using PostgreSQL.
type PriceStore struct {
	db DBTX
}

const priceCols = `market_id, option_id, ts, price::text, volume::text`

func scanPrice(row pgx.Row) (domain.PricePoint, error) {
	var (
		p    domain.PricePoint
		nums numScanner
	)
	if err := row.Scan(&p.MarketID, &p.OptionID, &p.Timestamp, nums.dest(&p.Price), nums.dest(&p.Volume)); err != nil {
		return domain.PricePoint{}, err
	}
	if err := nums.parse(); err != nil {
		return domain.PricePoint{}, err
	}
	p.Timestamp = p.Timestamp.UTC()
	return p, nil
}

// Get retrieves one price point.
func (s *PriceStore) Get(ctx context.Context, key domain.PricePointKey) (domain.PricePoint, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+priceCols+` FROM price_history WHERE market_id = $1 AND option_id = $2 AND ts = $3`,
		key.MarketID, key.OptionID, time.Unix(key.Timestamp, 0).UTC())
	p, err := scanPrice(row)
	if err != nil {
		return domain.PricePoint{}, storageErr(fmt.Sprintf("get price %s/%d@%d", key.MarketID, key.OptionID, key.Timestamp), err)
	}
	return p, nil
}

// Put inserts or replaces a price point.
func (s *PriceStore) Put(ctx context.Context, p domain.PricePoint) error {
	const query = `
		INSERT INTO price_history (market_id, option_id, ts, price, volume)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric)
		ON CONFLICT (market_id, option_id, ts) DO UPDATE SET
			price  = EXCLUDED.price,
			volume = EXCLUDED.volume`

	_, err := s.db.Exec(ctx, query, p.MarketID, p.OptionID, p.Timestamp, numText(p.Price), numText(p.Volume))
	if err != nil {
		return storageErr(fmt.Sprintf("put price %s/%d", p.MarketID, p.OptionID), err)
	}
	return nil
}

// Range returns the price points of one option in ascending time order.
func (s *PriceStore) Range(ctx context.Context, marketID string, optionID int64, tr domain.TimeRange) ([]domain.PricePoint, error) {
	query := `SELECT ` + priceCols + ` FROM price_history WHERE market_id = $1 AND option_id = $2`
	args := []any{marketID, optionID}
	if tr.From != nil {
		args = append(args, *tr.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if tr.To != nil {
		args = append(args, *tr.To)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	query += " ORDER BY ts ASC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("range prices", err)
	}
	defer rows.Close()

	var out []domain.PricePoint
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, storageErr("scan price", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("range prices rows", err)
	}
	return out, nil
}
