package domain

import (
	"context"
	"iter"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore is the append-only raw event ledger.
type EventStore interface {
	// Append inserts rec. It returns inserted=false without error when a
	// record with the same id and identical contents already exists, and
	// ErrDuplicateEvent when the contents differ.
	Append(ctx context.Context, rec EventRecord) (inserted bool, err error)
	Get(ctx context.Context, id EventID) (EventRecord, error)
	// Range yields matching records ordered by (blockNumber, logIndex). The
	// sequence is lazy and can be ranged over more than once.
	Range(ctx context.Context, filter EventFilter, order Order) iter.Seq2[EventRecord, error]
}

// MarketStore persists Market aggregates.
type MarketStore interface {
	Get(ctx context.Context, id string) (Market, error)
	Put(ctx context.Context, m Market) error
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// TradeStore persists write-once trades.
type TradeStore interface {
	Get(ctx context.Context, id string) (Trade, error)
	// Put fails with ErrAlreadyExists if the trade id is taken.
	Put(ctx context.Context, t Trade) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
}

// PortfolioStore persists user portfolios.
type PortfolioStore interface {
	Get(ctx context.Context, user string) (UserPortfolio, error)
	Put(ctx context.Context, p UserPortfolio) error
	// TopByWinnings returns portfolios sorted by TotalWinnings descending.
	TopByWinnings(ctx context.Context, opts ListOpts) ([]UserPortfolio, error)
}

// FreeMarketStore persists free market configs.
type FreeMarketStore interface {
	Get(ctx context.Context, marketID string) (FreeMarketConfig, error)
	Put(ctx context.Context, c FreeMarketConfig) error
}

// PriceHistoryStore persists price points.
type PriceHistoryStore interface {
	Get(ctx context.Context, key PricePointKey) (PricePoint, error)
	Put(ctx context.Context, p PricePoint) error
	Range(ctx context.Context, marketID string, optionID int64, tr TimeRange) ([]PricePoint, error)
}

// CheckpointStore remembers the last applied position per consumer.
type CheckpointStore interface {
	Get(ctx context.Context, name string) (Position, error)
	Put(ctx context.Context, name string, pos Position) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Stores groups every store touched by one unit of work.
type Stores struct {
	Events      EventStore
	Markets     MarketStore
	Trades      TradeStore
	Portfolios  PortfolioStore
	FreeMarkets FreeMarketStore
	Prices      PriceHistoryStore
	Checkpoints CheckpointStore
	Audit       AuditStore
}

// UnitOfWork runs fn atomically: every write made through the given Stores
// commits together or not at all.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// AggregateResetter clears every derived aggregate, leaving raw events and
// checkpoints intact.
type AggregateResetter interface {
	ResetAggregates(ctx context.Context) error
}
