package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so every store works
// inside or outside a unit of work.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func storesFor(db DBTX) domain.Stores {
	return domain.Stores{
		Events:      &EventStore{db: db},
		Markets:     &MarketStore{db: db},
		Trades:      &TradeStore{db: db},
		Portfolios:  &PortfolioStore{db: db},
		FreeMarkets: &FreeMarketStore{db: db},
		Prices:      &PriceStore{db: db},
		Checkpoints: &CheckpointStore{db: db},
		Audit:       &AuditStore{db: db},
	}
}

// Stores returns auto-committing stores backed by the pool.
func (c *Client) Stores() domain.Stores {
	return storesFor(c.pool)
}

// Do implements domain.UnitOfWork with one read-committed transaction.
func (c *Client) Do(ctx context.Context, fn func(ctx context.Context, s domain.Stores) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin unit", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, storesFor(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit unit", err)
	}
	return nil
}

// ResetAggregates implements domain.AggregateResetter. Raw events,
// checkpoints and the audit log survive.
func (c *Client) ResetAggregates(ctx context.Context) error {
	const query = `TRUNCATE markets, trades, user_portfolios, free_market_configs, price_history`
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return storageErr("reset aggregates", err)
	}
	return nil
}

// storageErr maps driver errors onto domain sentinels. Data exceptions
// (SQLSTATE class 22) and integrity violations (class 23) other than a key
// conflict are permanent. Everything else is treated as transient.
func storageErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("postgres: %s: %w", op, domain.ErrAlreadyExists)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("postgres: %s: %w: %w", op, domain.ErrDataRejected, err)
		}
	}
	return fmt.Errorf("postgres: %s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

// NUMERIC columns travel as text to keep full uint256 precision.

func numText(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func parseNum(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return n, nil
}

// numScanner collects several NUMERIC::text columns and parses them after
// the row scan.
type numScanner struct {
	texts []*string
	dsts  []**big.Int
}

func (n *numScanner) dest(dst **big.Int) *string {
	s := new(string)
	n.texts = append(n.texts, s)
	n.dsts = append(n.dsts, dst)
	return s
}

func (n *numScanner) parse() error {
	for i, s := range n.texts {
		v, err := parseNum(*s)
		if err != nil {
			return err
		}
		*n.dsts[i] = v
	}
	return nil
}
