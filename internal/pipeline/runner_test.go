package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/pmindexer/internal/domain"
	"github.com/alanyoungcy/pmindexer/internal/projector"
	"github.com/alanyoungcy/pmindexer/internal/store/memory"
)

// sliceSource serves a fixed feed and records the positions it was asked
// to resume from.
type sliceSource struct {
	logs  []domain.RawLog
	calls []*domain.Position
}

func (s *sliceSource) Fetch(ctx context.Context, after *domain.Position, limit int) ([]domain.RawLog, error) {
	s.calls = append(s.calls, after)
	var out []domain.RawLog
	for _, raw := range s.logs {
		if after != nil && !after.Less(raw.Provenance.Position()) {
			continue
		}
		out = append(out, raw)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeLease struct {
	mu       sync.Mutex
	lost     bool
	released bool
}

func (l *fakeLease) Refresh(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return domain.ErrLockHeld
	}
	return nil
}

func (l *fakeLease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
}

type fakeLocks struct {
	held     bool
	acquired int
	lease    *fakeLease
}

func (m *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if m.held {
		return nil, domain.ErrLockHeld
	}
	m.acquired++
	m.lease = &fakeLease{}
	return m.lease, nil
}

func newRunner(f *fixture, src Source, locks domain.LockManager, batch int) *Runner {
	return NewRunner(src, f.ix, f.store.Stores().Checkpoints, locks, RunnerConfig{
		BatchSize:    batch,
		PollInterval: time.Hour,
		LockKey:      "lock:indexer",
		LockTTL:      time.Second,
	}, slog.New(slog.DiscardHandler))
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	store := memory.New()
	flaky := &flakyUnit{Store: store}
	f := newFixture(t, flaky, store, projector.Options{})
	src := &sliceSource{logs: history()}
	r := newRunner(f, src, nil, 4)
	ctx := context.Background()

	n, err := r.Tick(ctx)
	if err != nil || n != 4 {
		t.Fatalf("first tick n=%d err=%v", n, err)
	}
	if got := f.checkpoint(t); got.BlockNumber != 4 {
		t.Fatalf("checkpoint=%v want block 4", got)
	}

	flaky.setFailures(1_000_000)
	if _, err := r.Tick(ctx); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("failing tick err=%v", err)
	}
	if got := f.checkpoint(t); got.BlockNumber != 4 {
		t.Fatalf("checkpoint moved on failure: %v", got)
	}

	flaky.setFailures(0)
	for {
		n, err := r.Tick(ctx)
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if n == 0 {
			break
		}
	}
	if got := f.checkpoint(t); got.BlockNumber != 11 {
		t.Fatalf("checkpoint=%v want block 11", got)
	}
	if n := f.eventCount(t); n != len(history()) {
		t.Fatalf("raw events=%d want %d", n, len(history()))
	}
	last := src.calls[len(src.calls)-1]
	if last == nil || last.BlockNumber != 11 {
		t.Fatalf("last fetch after=%v", last)
	}
}

func TestRunnerStandsByWithoutLease(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	src := &sliceSource{logs: history()}
	locks := &fakeLocks{held: true}
	r := newRunner(f, src, locks, 100)

	n, err := r.Tick(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(src.calls) != 0 {
		t.Fatalf("source fetched without lease")
	}

	locks.held = false
	if n, err := r.Tick(context.Background()); err != nil || n != len(history()) {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if locks.acquired != 1 {
		t.Fatalf("acquired=%d want 1", locks.acquired)
	}
}

func TestRunnerReacquiresLostLease(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	locks := &fakeLocks{}
	r := newRunner(f, &sliceSource{}, locks, 10)
	ctx := context.Background()

	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	first := locks.lease
	first.lost = true
	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if locks.acquired != 2 || locks.lease == first {
		t.Fatalf("lease not reacquired, acquired=%d", locks.acquired)
	}
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil, memory.New(), projector.Options{})
	locks := &fakeLocks{}
	r := newRunner(f, &sliceSource{logs: history()}, locks, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunLoop(ctx) }()

	deadline := time.After(2 * time.Second)
	for f.ix.Status().Last.BlockNumber != 11 {
		select {
		case <-deadline:
			t.Fatalf("runner did not drain the feed, status=%+v", f.ix.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunLoop err=%v want context.Canceled", err)
	}
	if !locks.lease.released {
		t.Fatalf("lease not released")
	}
}
