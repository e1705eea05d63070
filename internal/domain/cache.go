package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups in front of the MarketStore.
//
// Every Invalidate bumps a per-market generation. A reader takes the
// generation before it reads the store and passes it to Fill, which refuses
// to cache a market that was invalidated in between.
type MarketCache interface {
	Get(ctx context.Context, id string) (Market, error)
	Generation(ctx context.Context, id string) (int64, error)
	Fill(ctx context.Context, market Market, gen int64) (bool, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Lease is a held distributed lock.
type Lease interface {
	// Refresh extends the lease. It fails with ErrLockHeld if the lease was
	// lost to another holder.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
	// Recent returns the last count entries of stream, oldest first.
	Recent(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}
