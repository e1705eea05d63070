package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// PortfolioStore implements domain.PortfolioStore using PostgreSQL.
type PortfolioStore struct {
	db DBTX
}

const portfolioCols = `user_address, total_invested::text, total_winnings::text,
	unrealized_pnl::text, realized_pnl::text, trade_count::text, updated_at`

func scanPortfolio(row pgx.Row) (domain.UserPortfolio, error) {
	var (
		p    domain.UserPortfolio
		nums numScanner
	)
	err := row.Scan(&p.User,
		nums.dest(&p.TotalInvested), nums.dest(&p.TotalWinnings),
		nums.dest(&p.UnrealizedPnL), nums.dest(&p.RealizedPnL), nums.dest(&p.TradeCount),
		&p.UpdatedAt,
	)
	if err != nil {
		return domain.UserPortfolio{}, err
	}
	if err := nums.parse(); err != nil {
		return domain.UserPortfolio{}, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// Get retrieves a portfolio by lowercase address.
func (s *PortfolioStore) Get(ctx context.Context, user string) (domain.UserPortfolio, error) {
	row := s.db.QueryRow(ctx, `SELECT `+portfolioCols+` FROM user_portfolios WHERE user_address = $1`, user)
	p, err := scanPortfolio(row)
	if err != nil {
		return domain.UserPortfolio{}, storageErr("get portfolio "+user, err)
	}
	return p, nil
}

// Put inserts or replaces a portfolio.
func (s *PortfolioStore) Put(ctx context.Context, p domain.UserPortfolio) error {
	const query = `
		INSERT INTO user_portfolios (
			user_address, total_invested, total_winnings,
			unrealized_pnl, realized_pnl, trade_count, updated_at
		) VALUES (
			$1, $2::text::numeric, $3::text::numeric,
			$4::text::numeric, $5::text::numeric, $6::text::numeric, $7
		)
		ON CONFLICT (user_address) DO UPDATE SET
			total_invested = EXCLUDED.total_invested,
			total_winnings = EXCLUDED.total_winnings,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl   = EXCLUDED.realized_pnl,
			trade_count    = EXCLUDED.trade_count,
			updated_at     = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, query,
		p.User, numText(p.TotalInvested), numText(p.TotalWinnings),
		numText(p.UnrealizedPnL), numText(p.RealizedPnL), numText(p.TradeCount), p.UpdatedAt,
	)
	if err != nil {
		return storageErr("put portfolio "+p.User, err)
	}
	return nil
}

// TopByWinnings returns portfolios ordered by total winnings.
func (s *PortfolioStore) TopByWinnings(ctx context.Context, opts domain.ListOpts) ([]domain.UserPortfolio, error) {
	query := `SELECT ` + portfolioCols + ` FROM user_portfolios ORDER BY total_winnings DESC, user_address ASC`
	args := []any{}
	argIdx := 1
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
		return nil, storageErr("top portfolios", err)
	}
	defer rows.Close()

	var out []domain.UserPortfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, storageErr("scan portfolio", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("top portfolios rows", err)
	}
	return out, nil
}
