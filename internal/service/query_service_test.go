package service

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/identity"
	"github.com/alanyoungcy/pmindexer/internal/store/memory"
)

type mapCache struct {
	markets map[string]domain.Market
	gens    map[string]int64
	hits    int
	sets    int
	getErr  error
}

func newMapCache() *mapCache {
	return &mapCache{markets: make(map[string]domain.Market), gens: make(map[string]int64)}
}

func (c *mapCache) Generation(_ context.Context, id string) (int64, error) {
	return c.gens[id], nil
}

func (c *mapCache) Fill(_ context.Context, m domain.Market, gen int64) (bool, error) {
	if c.gens[m.ID] != gen {
		return false, nil
	}
	c.markets[m.ID] = m
	c.sets++
	return true, nil
}

func (c *mapCache) Get(_ context.Context, id string) (domain.Market, error) {
	if c.getErr != nil {
		return domain.Market{}, c.getErr
	}
	m, ok := c.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	c.hits++
	return m, nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	delete(c.markets, id)
	c.gens[id]++
	return nil
}

// committingMarkets lets a writer commit and invalidate right after the
// reader's store read, before its cache fill.
type committingMarkets struct {
	domain.MarketStore
	commit func()
}

func (m *committingMarkets) Get(ctx context.Context, id string) (domain.Market, error) {
	got, err := m.MarketStore.Get(ctx, id)
	if commit := m.commit; commit != nil {
		m.commit = nil
		commit()
	}
	return got, err
}

const alice = "0x00000000000000000000000000000000000000aa"

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	s := st.Stores()
	base := time.Unix(1_700_000_000, 0).UTC()

	if err := s.Markets.Put(ctx, domain.Market{
		ID: "7", Question: "Rain?", Options: []string{"Yes", "No"},
		Status: domain.StatusOpen, TotalVolume: big.NewInt(10), CreatedAt: base,
	}); err != nil {
		t.Fatalf("put market: %v", err)
	}
	if err := s.Trades.Put(ctx, domain.Trade{
		ID: "42", MarketID: "7", OptionID: 0, Buyer: alice,
		Price: big.NewInt(2), Quantity: big.NewInt(5), Timestamp: base, Block: 2,
	}); err != nil {
		t.Fatalf("put trade: %v", err)
	}
	p := domain.NewUserPortfolio(alice)
	p.TotalWinnings = big.NewInt(30)
	if err := s.Portfolios.Put(ctx, p); err != nil {
		t.Fatalf("put portfolio: %v", err)
	}
	for i := range 3 {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := s.Prices.Put(ctx, domain.PricePoint{
			MarketID: "7", OptionID: 0, Price: big.NewInt(int64(i + 1)), Volume: big.NewInt(1), Timestamp: at,
		}); err != nil {
			t.Fatalf("put price: %v", err)
		}
	}
	for i := range 4 {
		tx := common.BigToHash(big.NewInt(int64(100 + i)))
		rec := domain.EventRecord{
			ID:         identity.New(tx, 0),
			Kind:       domain.KindTradeExecuted,
			Provenance: domain.Provenance{BlockNumber: uint64(i + 1), TxHash: tx, BlockTimestamp: base},
			MarketID:   "7",
			User:       alice,
		}
		if _, err := s.Events.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return st
}

func newQuery(t *testing.T, cache domain.MarketCache) *QueryService {
	t.Helper()
	return NewQueryService(seed(t).Stores(), cache, slog.New(slog.DiscardHandler))
}

func TestGetMarketReadThrough(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	q := newQuery(t, cache)

	m, err := q.GetMarket(ctx, "7")
	if err != nil || m.TotalVolume.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("GetMarket m=%+v err=%v", m, err)
	}
	if cache.sets != 1 || cache.hits != 0 {
		t.Fatalf("after miss sets=%d hits=%d", cache.sets, cache.hits)
	}
	if _, err := q.GetMarket(ctx, "7"); err != nil {
		t.Fatalf("second GetMarket: %v", err)
	}
	if cache.hits != 1 {
		t.Fatalf("hits=%d", cache.hits)
	}

	if _, err := q.GetMarket(ctx, "8"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing market err=%v", err)
	}
}

func TestGetMarketSkipsFillAfterConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	st := seed(t)
	stores := st.Stores()
	underlying := stores.Markets
	markets := &committingMarkets{MarketStore: underlying}
	markets.commit = func() {
		m, err := underlying.Get(ctx, "7")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		m.TotalVolume = big.NewInt(999)
		if err := underlying.Put(ctx, m); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := cache.Invalidate(ctx, "7"); err != nil {
			t.Fatalf("invalidate: %v", err)
		}
	}
	stores.Markets = markets
	q := NewQueryService(stores, cache, slog.New(slog.DiscardHandler))

	if _, err := q.GetMarket(ctx, "7"); err != nil {
		t.Fatalf("first GetMarket: %v", err)
	}
	if cache.sets != 0 {
		t.Fatalf("pre-commit market was cached")
	}
	m, err := q.GetMarket(ctx, "7")
	if err != nil {
		t.Fatalf("second GetMarket: %v", err)
	}
	if m.TotalVolume.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("volume=%s want 999", m.TotalVolume)
	}
}

func TestGetMarketCacheDown(t *testing.T) {
	cache := newMapCache()
	cache.getErr = errors.New("connection refused")
	q := newQuery(t, cache)
	if _, err := q.GetMarket(context.Background(), "7"); err != nil {
		t.Fatalf("GetMarket with broken cache: %v", err)
	}
}

func TestGetUserPortfolio(t *testing.T) {
	q := newQuery(t, nil)
	ctx := context.Background()

	p, err := q.GetUserPortfolio(ctx, "0x00000000000000000000000000000000000000AA")
	if err != nil || p.TotalWinnings.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("mixed case p=%+v err=%v", p, err)
	}
	if _, err := q.GetUserPortfolio(ctx, "0x00000000000000000000000000000000000000bb"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("absent err=%v", err)
	}
	if _, err := q.GetUserPortfolio(ctx, "bob"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("bad address err=%v", err)
	}
}

func TestGetTradesForMarket(t *testing.T) {
	q := newQuery(t, nil)
	ctx := context.Background()

	trades, err := q.GetTradesForMarket(ctx, "7", domain.ListOpts{})
	if err != nil || len(trades) != 1 || trades[0].Quantity.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("trades=%+v err=%v", trades, err)
	}
	if _, err := q.GetTradesForMarket(ctx, "9", domain.ListOpts{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown market err=%v", err)
	}
	if _, err := q.GetTrade(ctx, "42"); err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
}

func TestOrphanMarketRowsAreServed(t *testing.T) {
	st := seed(t)
	s := st.Stores()
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0).UTC()
	if err := s.Trades.Put(ctx, domain.Trade{
		ID: "43", MarketID: "5", Buyer: alice, Price: big.NewInt(1), Quantity: big.NewInt(2), Timestamp: at,
	}); err != nil {
		t.Fatalf("put trade: %v", err)
	}
	if err := s.Prices.Put(ctx, domain.PricePoint{
		MarketID: "5", Price: big.NewInt(1), Volume: big.NewInt(2), Timestamp: at,
	}); err != nil {
		t.Fatalf("put price: %v", err)
	}
	q := NewQueryService(s, nil, slog.New(slog.DiscardHandler))

	trades, err := q.GetTradesForMarket(ctx, "5", domain.ListOpts{})
	if err != nil || len(trades) != 1 || trades[0].ID != "43" {
		t.Fatalf("trades=%+v err=%v", trades, err)
	}
	points, err := q.GetPriceHistory(ctx, "5", 0, domain.TimeRange{})
	if err != nil || len(points) != 1 {
		t.Fatalf("points=%+v err=%v", points, err)
	}
	if _, err := q.GetMarket(ctx, "5"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("market err=%v", err)
	}
}

func TestGetPriceHistory(t *testing.T) {
	q := newQuery(t, nil)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	from := base.Add(time.Minute)

	points, err := q.GetPriceHistory(ctx, "7", 0, domain.TimeRange{From: &from})
	if err != nil {
		t.Fatalf("GetPriceHistory: %v", err)
	}
	if len(points) != 2 || points[0].Price.Int64() != 2 || points[1].Price.Int64() != 3 {
		t.Fatalf("points=%+v", points)
	}

	if _, err := q.GetPriceHistory(ctx, "7", 0, domain.TimeRange{From: &from, To: &base}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("inverted range err=%v", err)
	}
	if _, err := q.GetPriceHistory(ctx, "9", 0, domain.TimeRange{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown market err=%v", err)
	}
}

func TestListEvents(t *testing.T) {
	q := newQuery(t, nil)
	ctx := context.Background()

	recs, err := q.ListEvents(ctx, domain.EventFilter{Limit: 2}, domain.Descending)
	if err != nil || len(recs) != 2 || recs[0].Provenance.BlockNumber != 4 {
		t.Fatalf("recs=%+v err=%v", recs, err)
	}

	recs, err = q.ListEvents(ctx, domain.EventFilter{User: "0x00000000000000000000000000000000000000AA"}, domain.Ascending)
	if err != nil || len(recs) != 4 {
		t.Fatalf("by user n=%d err=%v", len(recs), err)
	}

	lo, hi := uint64(3), uint64(2)
	if _, err := q.ListEvents(ctx, domain.EventFilter{FromBlock: &lo, ToBlock: &hi}, domain.Ascending); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("inverted blocks err=%v", err)
	}

	got, err := q.GetEvent(ctx, recs[0].ID.Hex())
	if err != nil || got.ID != recs[0].ID {
		t.Fatalf("GetEvent got=%v err=%v", got.ID, err)
	}
	if _, err := q.GetEvent(ctx, "0xzz"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("bad id err=%v", err)
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{-1: defaultPageSize, 0: defaultPageSize, 10: 10, 10_000: maxPageSize}
	for in, want := range cases {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d)=%d want %d", in, got, want)
		}
	}
}
