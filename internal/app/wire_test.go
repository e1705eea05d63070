package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/pmindexer/internal/config"
	"github.com/alanyoungcy/pmindexer/internal/platform/goldsky"
)

func TestWireMemoryWithoutRedis(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "serve"
	cfg.Storage.Backend = "memory"
	cfg.Redis.Addr = ""

	deps, cleanup, err := Wire(context.Background(), &cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Stores.Events == nil || deps.Stores.Markets == nil || deps.UoW == nil || deps.Resetter == nil {
		t.Fatalf("storage not wired: %+v", deps)
	}
	if deps.SignalBus != nil || deps.LockManager != nil || deps.MarketCache != nil || deps.RateLimiter != nil {
		t.Errorf("redis collaborators wired without an address")
	}
	if deps.Source != nil || deps.Decoder != nil || deps.Head != nil {
		t.Errorf("serve mode wired a feed")
	}
	if len(deps.Checks) != 0 {
		t.Errorf("checks=%v, want none", deps.Checks)
	}
	if deps.Notifier == nil {
		t.Errorf("notifier not wired")
	}
}

func TestWireGoldskyIndexer(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "index"
	cfg.Storage.Backend = "memory"
	cfg.Redis.Addr = ""
	cfg.Indexer.Source = "goldsky"
	cfg.Goldsky.URL = "http://127.0.0.1:1/graphql"

	deps, cleanup, err := Wire(context.Background(), &cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Decoder == nil || deps.Source == nil {
		t.Fatalf("indexer feed not wired")
	}
	if _, ok := deps.Head.(*goldsky.Client); !ok {
		t.Errorf("status head should be the goldsky client")
	}
	if deps.EventArchiver != nil {
		t.Errorf("archive wired while disabled")
	}
}
