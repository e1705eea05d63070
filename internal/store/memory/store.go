// Package memory implements the domain stores in process memory. It backs the
// test suites and the "memory" storage backend used for local runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

type state struct {
	events      map[domain.EventID]domain.EventRecord
	ordered     []domain.EventRecord
	markets     map[string]domain.Market
	trades      map[string]domain.Trade
	portfolios  map[string]domain.UserPortfolio
	freeMarkets map[string]domain.FreeMarketConfig
	prices      map[domain.PricePointKey]domain.PricePoint
	checkpoints map[string]domain.Position
	audit       []domain.AuditEntry
}

func newState() *state {
	return &state{
		events:      make(map[domain.EventID]domain.EventRecord),
		markets:     make(map[string]domain.Market),
		trades:      make(map[string]domain.Trade),
		portfolios:  make(map[string]domain.UserPortfolio),
		freeMarkets: make(map[string]domain.FreeMarketConfig),
		prices:      make(map[domain.PricePointKey]domain.PricePoint),
		checkpoints: make(map[string]domain.Position),
	}
}

// Store holds every aggregate and the raw event ledger. Writes made inside
// Do are rolled back when the callback fails.
type Store struct {
	mu sync.RWMutex
	st *state
	// now stamps audit rows. Tests may override it.
	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// txn collects undo steps for one unit of work.
type txn struct {
	undo []func()
}

// view binds store implementations either to the shared lock (tx == nil) or
// to a unit of work that already holds it.
type view struct {
	s  *Store
	tx *txn
}

func (v view) read(fn func(st *state)) {
	if v.tx == nil {
		v.s.mu.RLock()
		defer v.s.mu.RUnlock()
	}
	fn(v.s.st)
}

func (v view) write(fn func(st *state)) {
	if v.tx == nil {
		v.s.mu.Lock()
		defer v.s.mu.Unlock()
	}
	fn(v.s.st)
}

func (v view) onRollback(fn func()) {
	if v.tx != nil {
		v.tx.undo = append(v.tx.undo, fn)
	}
}

func (v view) stores() domain.Stores {
	return domain.Stores{
		Events:      eventStore{v},
		Markets:     marketStore{v},
		Trades:      tradeStore{v},
		Portfolios:  portfolioStore{v},
		FreeMarkets: freeMarketStore{v},
		Prices:      priceStore{v},
		Checkpoints: checkpointStore{v},
		Audit:       auditStore{v},
	}
}

// Stores returns auto-committing stores for reads and single writes.
func (s *Store) Stores() domain.Stores {
	return view{s: s}.stores()
}

// Do implements domain.UnitOfWork. Units are serialized.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, st domain.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{}
	if err := fn(ctx, view{s: s, tx: tx}.stores()); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// ResetAggregates implements domain.AggregateResetter.
func (s *Store) ResetAggregates(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.markets = make(map[string]domain.Market)
	s.st.trades = make(map[string]domain.Trade)
	s.st.portfolios = make(map[string]domain.UserPortfolio)
	s.st.freeMarkets = make(map[string]domain.FreeMarketConfig)
	s.st.prices = make(map[domain.PricePointKey]domain.PricePoint)
	return nil
}

// page applies offset and limit to an already sorted slice.
func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

var (
	_ domain.UnitOfWork        = (*Store)(nil)
	_ domain.AggregateResetter = (*Store)(nil)
)
