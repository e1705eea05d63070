package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/identity"
	"github.com/alanyoungcy/pmindexer/internal/pipeline"
	"github.com/alanyoungcy/pmindexer/internal/server/handler"
	"github.com/alanyoungcy/pmindexer/internal/service"
	"github.com/alanyoungcy/pmindexer/internal/store/memory"
)

const bob = "0x00000000000000000000000000000000000000bb"

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type fixedStatus pipeline.Status

func (s fixedStatus) Status() pipeline.Status { return pipeline.Status(s) }

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	s := st.Stores()
	at := time.Unix(1_700_000_000, 0).UTC()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(s.Markets.Put(ctx, domain.Market{
		ID: "7", Question: "Rain?", Options: []string{"Yes", "No"},
		Status: domain.StatusOpen, TotalVolume: big.NewInt(1234), CreatedAt: at,
	}))
	must(s.Trades.Put(ctx, domain.Trade{
		ID: "42", MarketID: "7", Buyer: bob, Price: big.NewInt(2), Quantity: big.NewInt(5), Timestamp: at, Block: 3,
	}))
	p := domain.NewUserPortfolio(bob)
	p.TotalWinnings = big.NewInt(250)
	must(s.Portfolios.Put(ctx, p))
	must(s.Checkpoints.Put(ctx, "indexer", domain.Position{BlockNumber: 3, LogIndex: 1}))

	tx := common.BigToHash(big.NewInt(9))
	_, err := s.Events.Append(ctx, domain.EventRecord{
		ID:         identity.New(tx, 1),
		Kind:       domain.KindTradeExecuted,
		Provenance: domain.Provenance{BlockNumber: 3, LogIndex: 1, TxHash: tx, BlockTimestamp: at},
		MarketID:   "7",
		User:       bob,
	})
	must(err)
	return st
}

func newTestRoutes(t *testing.T, cfg Config, limiter domain.RateLimiter) http.Handler {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st := seedStore(t)
	q := service.NewQueryService(st.Stores(), nil, logger)
	display := handler.Display{Decimals: 2}

	handlers := Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"store": func(context.Context) error { return nil },
		}, logger),
		Status: handler.NewStatusHandler(handler.StatusConfig{Mode: "full", StartedAt: time.Now(), Checkpoint: "indexer"},
			fixedStatus{Applied: 4}, st.Stores().Checkpoints, logger),
		Markets:    handler.NewMarketHandler(q, display, logger),
		Trades:     handler.NewTradeHandler(q, display, logger),
		Portfolios: handler.NewPortfolioHandler(q, display, logger),
		Events:     handler.NewEventHandler(q, logger),
	}
	return Routes(cfg, handlers, nil, limiter, logger)
}

func get(t *testing.T, h http.Handler, path string, header http.Header) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	raw, _ := io.ReadAll(rec.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("%s: body %q: %v", path, raw, err)
		}
	}
	return rec.Code, body
}

func TestQueryRoutes(t *testing.T) {
	h := newTestRoutes(t, Config{}, nil)

	tests := []struct {
		path  string
		code  int
		check func(t *testing.T, body map[string]any)
	}{
		{"/api/markets/7", http.StatusOK, func(t *testing.T, b map[string]any) {
			if b["total_volume_display"] != "12.34" || b["question"] != "Rain?" {
				t.Errorf("market=%v", b)
			}
		}},
		{"/api/markets/8", http.StatusNotFound, func(t *testing.T, b map[string]any) {
			if b["error"] != "market not found" {
				t.Errorf("body=%v", b)
			}
		}},
		{"/api/markets", http.StatusOK, func(t *testing.T, b map[string]any) {
			if b["total"] != float64(1) || b["limit"] != float64(0) {
				t.Errorf("list=%v", b)
			}
		}},
		{"/api/markets/7/trades", http.StatusOK, func(t *testing.T, b map[string]any) {
			trades := b["trades"].([]any)
			if len(trades) != 1 || trades[0].(map[string]any)["notional_display"] != "0.1" {
				t.Errorf("trades=%v", trades)
			}
		}},
		{"/api/markets/7/prices?option=x", http.StatusBadRequest, nil},
		{"/api/markets/7/prices?option=0&from=2023-11-14T22:13:20Z", http.StatusOK, nil},
		{"/api/markets/7/free-market", http.StatusNotFound, nil},
		{"/api/trades/42", http.StatusOK, func(t *testing.T, b map[string]any) {
			if b["price_display"] != "0.02" {
				t.Errorf("trade=%v", b)
			}
		}},
		{"/api/portfolios/" + strings.ToUpper(bob[2:]), http.StatusOK, func(t *testing.T, b map[string]any) {
			if b["total_winnings_display"] != "2.5" {
				t.Errorf("portfolio=%v", b)
			}
		}},
		{"/api/portfolios/nobody", http.StatusBadRequest, nil},
		{"/api/leaderboard", http.StatusOK, func(t *testing.T, b map[string]any) {
			top := b["leaderboard"].([]any)
			if len(top) != 1 || top[0].(map[string]any)["rank"] != float64(1) {
				t.Errorf("leaderboard=%v", top)
			}
		}},
		{"/api/events?kind=TradeExecuted&market=7", http.StatusOK, func(t *testing.T, b map[string]any) {
			if len(b["events"].([]any)) != 1 || b["next"] != "3:1" {
				t.Errorf("events=%v", b)
			}
		}},
		{"/api/events?kind=Bogus", http.StatusBadRequest, nil},
		{"/api/events?after=3:1", http.StatusOK, func(t *testing.T, b map[string]any) {
			if len(b["events"].([]any)) != 0 {
				t.Errorf("events after cursor=%v", b)
			}
		}},
		{"/api/events/0x1234", http.StatusBadRequest, nil},
		{"/api/status", http.StatusOK, func(t *testing.T, b map[string]any) {
			cps := b["checkpoints"].(map[string]any)
			if cps["indexer"].(map[string]any)["block_number"] != float64(3) || cps[pipeline.ArchiveCheckpoint] != nil {
				t.Errorf("checkpoints=%v", cps)
			}
			if b["indexer"].(map[string]any)["applied"] != float64(4) {
				t.Errorf("indexer=%v", b["indexer"])
			}
		}},
		{"/api/health", http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := get(t, h, tt.path, nil)
			if code != tt.code {
				t.Fatalf("code=%d want %d body=%v", code, tt.code, body)
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestAuth(t *testing.T) {
	h := newTestRoutes(t, Config{APIKey: "secret"}, nil)

	if code, _ := get(t, h, "/api/markets/7", nil); code != http.StatusUnauthorized {
		t.Fatalf("no key code=%d", code)
	}
	if code, _ := get(t, h, "/api/markets/7", http.Header{"X-Api-Key": {"wrong"}}); code != http.StatusUnauthorized {
		t.Fatalf("wrong key code=%d", code)
	}
	if code, _ := get(t, h, "/api/markets/7", http.Header{"Authorization": {"Bearer secret"}}); code != http.StatusOK {
		t.Fatalf("bearer code=%d", code)
	}
	if code, _ := get(t, h, "/api/health", nil); code != http.StatusOK {
		t.Fatalf("health code=%d", code)
	}
}

func TestRateLimitAndCORS(t *testing.T) {
	h := newTestRoutes(t, Config{RateLimit: 1, RateWindow: time.Second, CORSOrigins: []string{"https://app.example"}}, denyAll{})

	code, body := get(t, h, "/api/markets", nil)
	if code != http.StatusTooManyRequests || body["error"] != "rate limit exceeded" {
		t.Fatalf("code=%d body=%v", code, body)
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("preflight code=%d headers=%v", rec.Code, rec.Header())
	}
	if rec.Header().Get("X-Request-ID") != "" {
		t.Fatalf("preflight went past CORS")
	}
}

type fixedHead struct {
	block uint64
	err   error
}

func (h fixedHead) LatestBlock(context.Context) (uint64, error) { return h.block, h.err }

func TestStatusReportsFeedLag(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	st := seedStore(t)
	cfg := handler.StatusConfig{Mode: "index", StartedAt: time.Now(), Checkpoint: "indexer"}

	tests := []struct {
		name  string
		head  fixedHead
		check func(t *testing.T, feed map[string]any)
	}{
		{"lag behind head", fixedHead{block: 10}, func(t *testing.T, feed map[string]any) {
			if feed["head_block"] != float64(10) || feed["lag_blocks"] != float64(7) {
				t.Errorf("feed=%v", feed)
			}
		}},
		{"head behind checkpoint", fixedHead{block: 2}, func(t *testing.T, feed map[string]any) {
			if feed["lag_blocks"] != float64(0) {
				t.Errorf("feed=%v", feed)
			}
		}},
		{"head unavailable", fixedHead{err: errors.New("subgraph down")}, func(t *testing.T, feed map[string]any) {
			if feed["error"] == nil {
				t.Errorf("feed=%v", feed)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handler.NewStatusHandler(cfg, nil, st.Stores().Checkpoints, logger).WithHead(tt.head)
			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/status", h.GetStatus)

			code, body := get(t, mux, "/api/status", nil)
			if code != http.StatusOK {
				t.Fatalf("code=%d", code)
			}
			if _, ok := body["indexer"]; ok {
				t.Errorf("live counters reported without an in-process indexer")
			}
			tt.check(t, body["feed"].(map[string]any))
		})
	}
}
