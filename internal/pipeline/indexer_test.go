package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/decoder"
	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/identity"
	"github.com/alanyoungcy/pmindexer/internal/projector"
	"github.com/alanyoungcy/pmindexer/internal/store/memory"
)

const (
	userU   = "0x00000000000000000000000000000000000000aa"
	userV   = "0x00000000000000000000000000000000000000bb"
	testCP  = "test"
	endTime = "1800000000"
)

var baseTS = time.Unix(1_700_000_000, 0).UTC()

func rawLog(block, logIndex uint64, name string, params map[string]any) domain.RawLog {
	return domain.RawLog{
		Name:   name,
		Params: params,
		Provenance: domain.Provenance{
			BlockNumber:    block,
			BlockTimestamp: baseTS.Add(time.Duration(block) * time.Second),
			TxHash:         common.BigToHash(new(big.Int).SetUint64(block)),
			LogIndex:       logIndex,
		},
	}
}

func marketCreated(block uint64, id string) domain.RawLog {
	return rawLog(block, 0, "MarketCreated", map[string]any{
		"marketId":   id,
		"creator":    userV,
		"question":   "Will it rain?",
		"options":    []any{"Yes", "No"},
		"endTime":    endTime,
		"category":   "weather",
		"marketType": "0",
	})
}

func tradeExecuted(block uint64, market, option, price, qty, tradeID string) domain.RawLog {
	return rawLog(block, 0, "TradeExecuted", map[string]any{
		"marketId": market,
		"optionId": option,
		"buyer":    userU,
		"seller":   userV,
		"price":    price,
		"quantity": qty,
		"tradeId":  tradeID,
	})
}

func portfolioUpdated(block uint64, user, invested string) domain.RawLog {
	return rawLog(block, 0, "UserPortfolioUpdated", map[string]any{
		"user":          user,
		"totalInvested": invested,
		"totalWinnings": "0",
		"unrealizedPnL": "0",
		"realizedPnL":   "0",
		"tradeCount":    "1",
	})
}

func marketResolved(block uint64, id, winner string) domain.RawLog {
	return rawLog(block, 0, "MarketResolved", map[string]any{
		"marketId":        id,
		"winningOptionId": winner,
		"resolver":        userV,
	})
}

func claimed(block uint64, id, user, amount string) domain.RawLog {
	return rawLog(block, 0, "Claimed", map[string]any{"marketId": id, "user": user, "amount": amount})
}

type recordingBus struct {
	mu       sync.Mutex
	messages []EventMessage
}

func (b *recordingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel != EventsChannel {
		return errors.New("unexpected channel " + channel)
	}
	var msg EventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(ctx context.Context, event, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// flakyUnit fails the next `failures` units with a transient storage error.
type flakyUnit struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyUnit) Do(ctx context.Context, fn func(ctx context.Context, s domain.Stores) error) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	return f.Store.Do(ctx, func(ctx context.Context, s domain.Stores) error {
		if err := fn(ctx, s); err != nil {
			return err
		}
		if fail {
			// Fail after the writes so rollback is exercised too.
			return domain.ErrStorageUnavailable
		}
		return nil
	})
}

func (f *flakyUnit) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

type fixture struct {
	store    *memory.Store
	ix       *Indexer
	bus      *recordingBus
	notifier *recordingNotifier
}

func newFixture(t *testing.T, uow domain.UnitOfWork, store *memory.Store, popts projector.Options) *fixture {
	t.Helper()
	dec, err := decoder.New()
	if err != nil {
		t.Fatalf("decoder.New: %v", err)
	}
	if uow == nil {
		uow = store
	}
	f := &fixture{store: store, bus: &recordingBus{}, notifier: &recordingNotifier{}}
	f.ix = NewIndexer(dec, projector.New(popts), uow, IndexerConfig{
		Checkpoint:       testCP,
		UnitTimeout:      time.Second,
		RetryInitial:     time.Millisecond,
		RetryMaxInterval: 5 * time.Millisecond,
		RetryMaxElapsed:  200 * time.Millisecond,
	}, slog.New(slog.DiscardHandler), WithPublisher(f.bus), WithNotifier(f.notifier))
	return f
}

func (f *fixture) process(t *testing.T, logs ...domain.RawLog) []Report {
	t.Helper()
	var out []Report
	for _, raw := range logs {
		rep, err := f.ix.Process(context.Background(), raw)
		if err != nil {
			t.Fatalf("Process %s: %v", raw.Name, err)
		}
		out = append(out, rep)
	}
	return out
}

func (f *fixture) market(t *testing.T, id string) domain.Market {
	t.Helper()
	m, err := f.store.Stores().Markets.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("market %s: %v", id, err)
	}
	return m
}

func (f *fixture) eventCount(t *testing.T) int {
	t.Helper()
	n := 0
	for _, err := range f.store.Stores().Events.Range(context.Background(), domain.EventFilter{}, domain.Ascending) {
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		n++
	}
	return n
}

func (f *fixture) audit(t *testing.T) []string {
	t.Helper()
	entries, err := f.store.Stores().Audit.List(context.Background(), domain.ListOpts{})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out
}

func (f *fixture) checkpoint(t *testing.T) domain.Position {
	t.Helper()
	pos, err := f.store.Stores().Checkpoints.Get(context.Background(), testCP)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	return pos
}

func TestScenarioMarketCreated(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	f.process(t, marketCreated(1, "7"))

	m := f.market(t, "7")
	if m.Resolved || m.Status != domain.StatusOpen {
		t.Fatalf("status=%s resolved=%v", m.Status, m.Resolved)
	}
	if m.TotalVolume.Sign() != 0 {
		t.Fatalf("total volume=%s want 0", m.TotalVolume)
	}
	if len(m.Options) != 2 || m.Options[0] != "Yes" {
		t.Fatalf("options=%v", m.Options)
	}
}

func TestScenarioTradeAddsVolume(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	f.process(t, marketCreated(1, "7"), tradeExecuted(2, "7", "0", "2", "5", "42"))

	if got := f.market(t, "7").TotalVolume; got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("total volume=%s want 10", got)
	}
	tr, err := f.store.Stores().Trades.Get(context.Background(), "42")
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if tr.Quantity.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("quantity=%s want 5", tr.Quantity)
	}
}

func TestScenarioClaimWithoutPortfolio(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{ClaimedPolicy: projector.ClaimedSkip})
	raw := claimed(1, "7", userU, "100")
	reps := f.process(t, raw)

	if reps[0].Outcome != OutcomeApplied || len(reps[0].Warnings) != 1 {
		t.Fatalf("report=%+v", reps[0])
	}
	id := identity.New(raw.Provenance.TxHash, raw.Provenance.LogIndex)
	if _, err := f.store.Stores().Events.Get(context.Background(), id); err != nil {
		t.Fatalf("raw event missing: %v", err)
	}
	if _, err := f.store.Stores().Portfolios.Get(context.Background(), userU); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("portfolio err=%v want ErrNotFound", err)
	}
	if got := f.audit(t); len(got) != 1 || got[0] != "projector_warning" {
		t.Fatalf("audit=%v", got)
	}
}

func TestScenarioSnapshotOverwrites(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	f.process(t, portfolioUpdated(1, userU, "50"), portfolioUpdated(2, userU, "80"))

	p, err := f.store.Stores().Portfolios.Get(context.Background(), userU)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if p.TotalInvested.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("total invested=%s want 80", p.TotalInvested)
	}
}

func TestScenarioDuplicateDelivery(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	resolved := marketResolved(2, "7", "1")
	f.process(t, marketCreated(1, "7"), resolved)
	before := f.market(t, "7")

	reps := f.process(t, resolved)
	if reps[0].Outcome != OutcomeDuplicate {
		t.Fatalf("outcome=%s want duplicate", reps[0].Outcome)
	}
	after := f.market(t, "7")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || *after.WinningOptionID != 1 || !after.Resolved {
		t.Fatalf("market changed: before=%+v after=%+v", before, after)
	}
	if n := f.eventCount(t); n != 2 {
		t.Fatalf("raw events=%d want 2", n)
	}
	if st := f.ix.Status(); st.Applied != 2 || st.Duplicates != 1 {
		t.Fatalf("status=%+v", st)
	}
}

func TestContentMismatchIsSkipped(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	f.process(t, marketCreated(1, "7"))

	conflicting := marketCreated(1, "8")
	reps := f.process(t, conflicting)
	if reps[0].Outcome != OutcomeSkipped || !errors.Is(reps[0].Reason, domain.ErrDuplicateEvent) {
		t.Fatalf("report=%+v", reps[0])
	}
	if _, err := f.store.Stores().Markets.Get(context.Background(), "8"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("market 8 err=%v want ErrNotFound", err)
	}
	if got := f.audit(t); len(got) != 1 || got[0] != "duplicate_event" {
		t.Fatalf("audit=%v", got)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0] != "duplicate_event" {
		t.Fatalf("notifications=%v", f.notifier.events)
	}
}

func TestUnknownKindIsSkipped(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	raw := rawLog(3, 2, "Mystery", map[string]any{"x": "1"})

	reps := f.process(t, raw)
	if reps[0].Outcome != OutcomeSkipped || !errors.Is(reps[0].Reason, domain.ErrUnknownEventKind) {
		t.Fatalf("report=%+v", reps[0])
	}
	if n := f.eventCount(t); n != 0 {
		t.Fatalf("raw events=%d want 0", n)
	}
	if got := f.checkpoint(t); got != (domain.Position{BlockNumber: 3, LogIndex: 2}) {
		t.Fatalf("checkpoint=%v", got)
	}
	if got := f.audit(t); len(got) != 1 || got[0] != "undecodable_event" {
		t.Fatalf("audit=%v", got)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0] != "unknown_event" {
		t.Fatalf("notifications=%v", f.notifier.events)
	}
}

func history() []domain.RawLog {
	return []domain.RawLog{
		marketCreated(1, "7"),
		rawLog(2, 0, "FreeMarketConfigSet", map[string]any{
			"marketId": "7", "maxFreeParticipants": "2", "tokensPerParticipant": "10", "totalPrizePool": "20",
		}),
		tradeExecuted(3, "7", "0", "2", "5", "42"),
		tradeExecuted(4, "7", "1", "3", "4", "43"),
		portfolioUpdated(5, userU, "50"),
		rawLog(6, 0, "FreeTokensClaimed", map[string]any{"marketId": "7", "user": userU, "tokens": "10"}),
		claimed(7, "7", userU, "100"),
		tradeExecuted(8, "9", "0", "1", "1", "44"),
		marketResolved(9, "7", "0"),
		rawLog(10, 0, "MarketInvalidated", map[string]any{"marketId": "7", "reason": "late"}),
		rawLog(11, 0, "Paused", map[string]any{"account": userV}),
	}
}

// snapshot renders every aggregate as JSON so big.Int internals do not
// affect comparisons.
func snapshot(t *testing.T, s domain.Stores) string {
	t.Helper()
	ctx := context.Background()
	markets, err := s.Markets.List(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	var trades []domain.Trade
	for _, m := range []string{"7", "9"} {
		ts, err := s.Trades.ListByMarket(ctx, m, domain.ListOpts{})
		if err != nil {
			t.Fatalf("trades: %v", err)
		}
		trades = append(trades, ts...)
	}
	portfolios, err := s.Portfolios.TopByWinnings(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("portfolios: %v", err)
	}
	free, err := s.FreeMarkets.Get(ctx, "7")
	if err != nil {
		t.Fatalf("free market: %v", err)
	}
	var prices []domain.PricePoint
	for _, opt := range []int64{0, 1} {
		ps, err := s.Prices.Range(ctx, "7", opt, domain.TimeRange{})
		if err != nil {
			t.Fatalf("prices: %v", err)
		}
		prices = append(prices, ps...)
	}
	b, err := json.Marshal(map[string]any{
		"markets": markets, "trades": trades, "portfolios": portfolios, "free": free, "prices": prices,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestReprocessingIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	f.process(t, history()...)
	first := snapshot(t, f.store.Stores())

	reps := f.process(t, history()...)
	for _, rep := range reps {
		if rep.Outcome != OutcomeDuplicate {
			t.Fatalf("second pass outcome=%s for %s", rep.Outcome, rep.Kind)
		}
	}
	if second := snapshot(t, f.store.Stores()); second != first {
		t.Fatalf("aggregates changed on re-delivery:\n%s\n%s", first, second)
	}
	if n := f.eventCount(t); n != len(history()) {
		t.Fatalf("raw events=%d want %d", n, len(history()))
	}
}

func TestRebuildIsDeterministic(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{ClaimedPolicy: projector.ClaimedCreate})
	f.process(t, history()...)
	live := snapshot(t, f.store.Stores())
	auditBefore := len(f.audit(t))

	dec, err := decoder.New()
	if err != nil {
		t.Fatalf("decoder.New: %v", err)
	}
	rb := NewRebuilder(f.store.Stores().Events, f.store, f.store, dec,
		projector.New(projector.Options{ClaimedPolicy: projector.ClaimedCreate}), slog.New(slog.DiscardHandler))

	for i := range 2 {
		stats, err := rb.Run(context.Background())
		if err != nil {
			t.Fatalf("rebuild %d: %v", i, err)
		}
		if stats.Replayed != int64(len(history())) || stats.Failed != 0 {
			t.Fatalf("stats=%+v", stats)
		}
		if got := snapshot(t, f.store.Stores()); got != live {
			t.Fatalf("rebuild %d differs:\n%s\n%s", i, live, got)
		}
	}
	if got := f.checkpoint(t); got.BlockNumber != 11 {
		t.Fatalf("checkpoint moved to %v", got)
	}
	if n := len(f.audit(t)); n != auditBefore {
		t.Fatalf("rebuild wrote audit rows: %d -> %d", auditBefore, n)
	}
}

func TestVolumeNeverDecreases(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	f.process(t, marketCreated(1, "7"))

	prev := new(big.Int)
	for i := range 5 {
		block := uint64(i + 2)
		f.process(t, tradeExecuted(block, "7", "0", strconv.Itoa(i), "3", strconv.Itoa(100+i)))
		cur := f.market(t, "7").TotalVolume
		if cur.Cmp(prev) < 0 {
			t.Fatalf("volume decreased from %s to %s", prev, cur)
		}
		prev = cur
	}
	if prev.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("total volume=%s want 30", prev)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	store := memory.New()
	flaky := &flakyUnit{Store: store, failures: 2}
	f := newFixture(t, flaky, store, projector.Options{})

	f.process(t, marketCreated(1, "7"))
	if flaky.attempts != 3 {
		t.Fatalf("attempts=%d want 3", flaky.attempts)
	}
	if n := f.eventCount(t); n != 1 {
		t.Fatalf("raw events=%d want 1", n)
	}
	f.market(t, "7")
}

func TestExhaustedRetriesCommitNothing(t *testing.T) {
	store := memory.New()
	flaky := &flakyUnit{Store: store, failures: 1_000_000}
	f := newFixture(t, flaky, store, projector.Options{})

	_, err := f.ix.Process(context.Background(), marketCreated(1, "7"))
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("err=%v want ErrStorageUnavailable", err)
	}
	if n := f.eventCount(t); n != 0 {
		t.Fatalf("raw events=%d want 0", n)
	}
	if _, err := store.Stores().Checkpoints.Get(context.Background(), testCP); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("checkpoint err=%v want ErrNotFound", err)
	}
	if st := f.ix.Status(); st.LastError == "" {
		t.Fatalf("status should carry the last error")
	}
}

func TestAppliedEventsArePublished(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	created := marketCreated(1, "7")
	f.process(t, created, created)

	if len(f.bus.messages) != 1 {
		t.Fatalf("published=%d want 1", len(f.bus.messages))
	}
	msg := f.bus.messages[0]
	if msg.Kind != domain.KindMarketCreated || msg.MarketID != "7" || msg.BlockNumber != 1 {
		t.Fatalf("message=%+v", msg)
	}
	if msg.ID != identity.New(created.Provenance.TxHash, 0).Hex() {
		t.Fatalf("id=%s", msg.ID)
	}
}

// rejectingUnit refuses market writes the way postgres refuses bad text,
// and raw appends too when rejectEvents is set.
type rejectingUnit struct {
	*memory.Store
	rejectEvents bool
}

func (r *rejectingUnit) Do(ctx context.Context, fn func(ctx context.Context, s domain.Stores) error) error {
	return r.Store.Do(ctx, func(ctx context.Context, s domain.Stores) error {
		s.Markets = rejectingMarkets{s.Markets}
		if r.rejectEvents {
			s.Events = rejectingEvents{s.Events}
		}
		return fn(ctx, s)
	})
}

type rejectingMarkets struct{ domain.MarketStore }

func (rejectingMarkets) Put(ctx context.Context, m domain.Market) error {
	return fmt.Errorf("put market %s: %w", m.ID, domain.ErrDataRejected)
}

type rejectingEvents struct{ domain.EventStore }

func (rejectingEvents) Append(ctx context.Context, rec domain.EventRecord) (bool, error) {
	return false, fmt.Errorf("append event: %w", domain.ErrDataRejected)
}

func TestRejectedAggregateKeepsRawEvent(t *testing.T) {
	store := memory.New()
	f := newFixture(t, &rejectingUnit{Store: store}, store, projector.Options{})

	rep := f.process(t, marketCreated(1, "7"))[0]
	if rep.Outcome != OutcomeApplied || len(rep.Warnings) != 1 || !errors.Is(rep.Warnings[0], domain.ErrDataRejected) {
		t.Fatalf("report=%+v", rep)
	}
	if n := f.eventCount(t); n != 1 {
		t.Fatalf("raw events=%d want 1", n)
	}
	if _, err := store.Stores().Markets.Get(context.Background(), "7"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("market err=%v want ErrNotFound", err)
	}
	if got := f.audit(t); len(got) != 1 || got[0] != "rejected_event" {
		t.Fatalf("audit=%v", got)
	}
	if pos := f.checkpoint(t); pos.BlockNumber != 1 {
		t.Fatalf("checkpoint=%v", pos)
	}
}

func TestRejectedEventDoesNotHaltStream(t *testing.T) {
	store := memory.New()
	unit := &rejectingUnit{Store: store, rejectEvents: true}
	f := newFixture(t, unit, store, projector.Options{})

	rep := f.process(t, marketCreated(1, "7"))[0]
	if rep.Outcome != OutcomeRejected || !errors.Is(rep.Reason, domain.ErrDataRejected) {
		t.Fatalf("report=%+v", rep)
	}
	if n := f.eventCount(t); n != 0 {
		t.Fatalf("raw events=%d want 0", n)
	}
	if pos := f.checkpoint(t); pos.BlockNumber != 1 {
		t.Fatalf("checkpoint=%v", pos)
	}
	if st := f.ix.Status(); st.Skipped != 1 || st.LastError != "" {
		t.Fatalf("status=%+v", st)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0] != "rejected_event" {
		t.Fatalf("notified=%v", f.notifier.events)
	}

	// The next log goes through once the database accepts it again.
	unit.rejectEvents = false
	f.process(t, portfolioUpdated(2, userU, "5"))
	if pos := f.checkpoint(t); pos.BlockNumber != 2 {
		t.Fatalf("checkpoint=%v", pos)
	}
}
