package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

const (
	defaultMarketTTL = 5 * time.Minute
	// generationTTL outlives any read that took a generation.
	generationTTL = 24 * time.Hour
)

// fillLua stores ARGV[2] under KEYS[1] only while the generation in KEYS[2]
// still equals ARGV[1]. A missing generation counts as 0.
const fillLua = `
local gen = tonumber(redis.call("GET", KEYS[2]) or "0")
if gen ~= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`

// MarketCache implements domain.MarketCache as read-through storage for the
// query service. The indexer invalidates an entry after every committed
// event that touches the market.
//
// Key schema:
//
//	pmindex:market:{id}     - JSON encoded domain.Market
//	pmindex:market:gen:{id} - invalidation counter
type MarketCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	fillSc *redis.Script
}

// NewMarketCache creates a MarketCache backed by the given Client. A zero ttl
// uses five minutes.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl, fillSc: redis.NewScript(fillLua)}
}

func marketKey(id string) string     { return "pmindex:market:" + id }
func generationKey(id string) string { return "pmindex:market:gen:" + id }

// Generation returns the current invalidation counter of id.
func (mc *MarketCache) Generation(ctx context.Context, id string) (int64, error) {
	gen, err := mc.rdb.Get(ctx, generationKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: get market generation %s: %w", id, err)
	}
	return gen, nil
}

// Fill stores market with the cache TTL unless it was invalidated since gen
// was read. It reports whether the entry was written.
func (mc *MarketCache) Fill(ctx context.Context, market domain.Market, gen int64) (bool, error) {
	data, err := json.Marshal(market)
	if err != nil {
		return false, fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}
	keys := []string{marketKey(market.ID), generationKey(market.ID)}
	n, err := mc.fillSc.Run(ctx, mc.rdb, keys, gen, data, mc.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: fill market %s: %w", market.ID, err)
	}
	return n == 1, nil
}

// Get retrieves a Market by id. It returns domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.Get(ctx, marketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

// Invalidate drops the cached market and bumps its generation so that an
// in-flight fill carrying the old generation is refused.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	_, err := mc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(id))
		pipe.Expire(ctx, generationKey(id), generationTTL)
		pipe.Del(ctx, marketKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
