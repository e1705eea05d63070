package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// streamMaxLen is the approximate maximum length of mirrored streams,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus using Redis Pub/Sub for live
// fan-out and Redis Streams for a bounded replayable history.
type SignalBus struct {
	rdb *redis.Client
	// mirror maps a pub/sub channel to the stream that keeps its history.
	mirror map[string]string
}

// SignalBusOption configures a SignalBus.
type SignalBusOption func(*SignalBus)

// WithStreamMirror appends every payload published on channel to stream as
// well.
func WithStreamMirror(channel, stream string) SignalBusOption {
	return func(sb *SignalBus) { sb.mirror[channel] = stream }
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client, opts ...SignalBusOption) *SignalBus {
	sb := &SignalBus{rdb: c.Underlying(), mirror: make(map[string]string)}
	for _, opt := range opts {
		opt(sb)
	}
	return sb
}

// Publish sends payload to a Pub/Sub channel, and to its mirror stream when
// one is configured, in a single round trip.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	stream, mirrored := sb.mirror[channel]
	if !mirrored {
		if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
			return fmt.Errorf("redis: publish %s: %w", channel, err)
		}
		return nil
	}

	pipe := sb.rdb.Pipeline()
	pipe.XAdd(ctx, streamArgs(stream, payload))
	pipe.Publish(ctx, channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel. Glob
// patterns use PSUBSCRIBE. The returned channel closes when ctx is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}

	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func streamArgs(stream string, payload []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}
}

// StreamAppend appends payload to stream.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	if err := sb.rdb.XAdd(ctx, streamArgs(stream, payload)).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages after lastID ("0" reads from the
// start). An empty stream yields no messages and no error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		messages = append(messages, toMessages(s.Messages)...)
	}
	return messages, nil
}

// Recent returns the last count messages of stream, oldest first.
func (sb *SignalBus) Recent(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	msgs, err := sb.rdb.XRevRangeN(ctx, stream, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: stream recent %s: %w", stream, err)
	}
	out := toMessages(msgs)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func toMessages(msgs []redis.XMessage) []domain.StreamMessage {
	out := make([]domain.StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch v := msg.Values["payload"].(type) {
		case string:
			out = append(out, domain.StreamMessage{ID: msg.ID, Payload: []byte(v)})
		case []byte:
			out = append(out, domain.StreamMessage{ID: msg.ID, Payload: v})
		}
	}
	return out
}

var _ domain.SignalBus = (*SignalBus)(nil)
