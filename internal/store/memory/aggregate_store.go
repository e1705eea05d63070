package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

type marketStore struct{ view }

func (s marketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	var (
		m  domain.Market
		ok bool
	)
	s.read(func(st *state) { m, ok = st.markets[id] })
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m.Clone(), nil
}

func (s marketStore) Put(ctx context.Context, m domain.Market) error {
	s.write(func(st *state) {
		prev, had := st.markets[m.ID]
		st.markets[m.ID] = m.Clone()
		s.onRollback(func() {
			if had {
				st.markets[m.ID] = prev
			} else {
				delete(st.markets, m.ID)
			}
		})
	})
	return nil
}

func (s marketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	s.read(func(st *state) {
		for _, m := range st.markets {
			if inWindow(m.CreatedAt, opts) {
				out = append(out, m.Clone())
			}
		}
	})
	slices.SortFunc(out, func(a, b domain.Market) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return page(out, opts), nil
}

func (s marketStore) Count(ctx context.Context) (int64, error) {
	var n int
	s.read(func(st *state) { n = len(st.markets) })
	return int64(n), nil
}

type tradeStore struct{ view }

func (s tradeStore) Get(ctx context.Context, id string) (domain.Trade, error) {
	var (
		t  domain.Trade
		ok bool
	)
	s.read(func(st *state) { t, ok = st.trades[id] })
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (s tradeStore) Put(ctx context.Context, t domain.Trade) error {
	var err error
	s.write(func(st *state) {
		if _, ok := st.trades[t.ID]; ok {
			err = fmt.Errorf("memory: put trade %s: %w", t.ID, domain.ErrAlreadyExists)
			return
		}
		st.trades[t.ID] = t.Clone()
		s.onRollback(func() { delete(st.trades, t.ID) })
	})
	return err
}

func (s tradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	var out []domain.Trade
	s.read(func(st *state) {
		for _, t := range st.trades {
			if t.MarketID == marketID && inWindow(t.Timestamp, opts) {
				out = append(out, t.Clone())
			}
		}
	})
	slices.SortFunc(out, func(a, b domain.Trade) int {
		if a.Block != b.Block {
			if a.Block > b.Block {
				return -1
			}
			return 1
		}
		return strings.Compare(b.EventID.Hex(), a.EventID.Hex())
	})
	return page(out, opts), nil
}

type portfolioStore struct{ view }

func (s portfolioStore) Get(ctx context.Context, user string) (domain.UserPortfolio, error) {
	var (
		p  domain.UserPortfolio
		ok bool
	)
	s.read(func(st *state) { p, ok = st.portfolios[user] })
	if !ok {
		return domain.UserPortfolio{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s portfolioStore) Put(ctx context.Context, p domain.UserPortfolio) error {
	s.write(func(st *state) {
		prev, had := st.portfolios[p.User]
		st.portfolios[p.User] = p.Clone()
		s.onRollback(func() {
			if had {
				st.portfolios[p.User] = prev
			} else {
				delete(st.portfolios, p.User)
			}
		})
	})
	return nil
}

func (s portfolioStore) TopByWinnings(ctx context.Context, opts domain.ListOpts) ([]domain.UserPortfolio, error) {
	var out []domain.UserPortfolio
	s.read(func(st *state) {
		for _, p := range st.portfolios {
			out = append(out, p.Clone())
		}
	})
	slices.SortFunc(out, func(a, b domain.UserPortfolio) int {
		if c := b.TotalWinnings.Cmp(a.TotalWinnings); c != 0 {
			return c
		}
		return strings.Compare(a.User, b.User)
	})
	return page(out, opts), nil
}

type freeMarketStore struct{ view }

func (s freeMarketStore) Get(ctx context.Context, marketID string) (domain.FreeMarketConfig, error) {
	var (
		c  domain.FreeMarketConfig
		ok bool
	)
	s.read(func(st *state) { c, ok = st.freeMarkets[marketID] })
	if !ok {
		return domain.FreeMarketConfig{}, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (s freeMarketStore) Put(ctx context.Context, c domain.FreeMarketConfig) error {
	s.write(func(st *state) {
		prev, had := st.freeMarkets[c.MarketID]
		st.freeMarkets[c.MarketID] = c.Clone()
		s.onRollback(func() {
			if had {
				st.freeMarkets[c.MarketID] = prev
			} else {
				delete(st.freeMarkets, c.MarketID)
			}
		})
	})
	return nil
}

type priceStore struct{ view }

func (s priceStore) Get(ctx context.Context, key domain.PricePointKey) (domain.PricePoint, error) {
	var (
		p  domain.PricePoint
		ok bool
	)
	s.read(func(st *state) { p, ok = st.prices[key] })
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s priceStore) Put(ctx context.Context, p domain.PricePoint) error {
	key := p.Key()
	s.write(func(st *state) {
		prev, had := st.prices[key]
		st.prices[key] = p.Clone()
		s.onRollback(func() {
			if had {
				st.prices[key] = prev
			} else {
				delete(st.prices, key)
			}
		})
	})
	return nil
}

func (s priceStore) Range(ctx context.Context, marketID string, optionID int64, tr domain.TimeRange) ([]domain.PricePoint, error) {
	var out []domain.PricePoint
	s.read(func(st *state) {
		for k, p := range st.prices {
			if k.MarketID == marketID && k.OptionID == optionID && tr.Contains(p.Timestamp) {
				out = append(out, p.Clone())
			}
		}
	})
	slices.SortFunc(out, func(a, b domain.PricePoint) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

type checkpointStore struct{ view }

func (s checkpointStore) Get(ctx context.Context, name string) (domain.Position, error) {
	var (
		pos domain.Position
		ok  bool
	)
	s.read(func(st *state) { pos, ok = st.checkpoints[name] })
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s checkpointStore) Put(ctx context.Context, name string, pos domain.Position) error {
	s.write(func(st *state) {
		prev, had := st.checkpoints[name]
		st.checkpoints[name] = pos
		s.onRollback(func() {
			if had {
				st.checkpoints[name] = prev
			} else {
				delete(st.checkpoints, name)
			}
		})
	})
	return nil
}

type auditStore struct{ view }

func (s auditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.write(func(st *state) {
		entry := domain.AuditEntry{
			ID:        int64(len(st.audit) + 1),
			Event:     event,
			Detail:    detail,
			CreatedAt: s.s.now(),
		}
		st.audit = append(st.audit, entry)
		s.onRollback(func() { st.audit = st.audit[:len(st.audit)-1] })
	})
	return nil
}

func (s auditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	s.read(func(st *state) {
		for i := len(st.audit) - 1; i >= 0; i-- {
			if inWindow(st.audit[i].CreatedAt, opts) {
				out = append(out, st.audit[i])
			}
		}
	})
	return page(out, opts), nil
}
