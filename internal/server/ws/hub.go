// Package ws streams applied events to WebSocket clients. Each client gets a
// backfill of recent events from the Redis stream, then live events from the
// pub/sub channel, filtered by market, user and kind.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	defaultBackfill = 50
	maxBackfill     = sendBufferSize / 2
)

// Bus is the part of the Redis signal bus the hub reads from.
type Bus interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Recent(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error)
}

// Config selects the live channel and the backfill stream.
type Config struct {
	Channel string
	// Stream is read for the backfill. Empty disables it.
	Stream string
	// Backfill is the number of recent events sent on connect.
	Backfill       int
	AllowedOrigins []string
}

// frame is one event, decoded once and encoded for both client formats.
type frame struct {
	kind     string
	marketID string
	user     string
	json     []byte
	proto    []byte
}

func decodeFrame(payload []byte) (frame, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return frame{}, fmt.Errorf("ws: decode event: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return frame{}, fmt.Errorf("ws: event to struct: %w", err)
	}
	pb, err := proto.Marshal(st)
	if err != nil {
		return frame{}, fmt.Errorf("ws: marshal event: %w", err)
	}
	f := frame{json: payload, proto: pb}
	f.kind, _ = m["kind"].(string)
	f.marketID, _ = m["market_id"].(string)
	f.user, _ = m["user"].(string)
	return f, nil
}

// Hub fans events out to connected clients.
type Hub struct {
	bus      Bus
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan frame
	done       chan struct{}
}

// NewHub creates a Hub. Call Run before serving HandleWS.
func NewHub(bus Bus, cfg Config, logger *slog.Logger) *Hub {
	if cfg.Backfill <= 0 {
		cfg.Backfill = defaultBackfill
	}
	cfg.Backfill = min(cfg.Backfill, maxBackfill)

	h := &Hub{
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan frame, 256),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run subscribes to the event channel and dispatches until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	go h.listen(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(f) {
					continue
				}
				select {
				case c.send <- c.encode(f):
				default:
					h.logger.Warn("dropping event for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// listen forwards the channel into the broadcast queue, resubscribing with
// backoff when the subscription drops.
func (h *Hub) listen(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := backoff.Retry(ctx, func() (<-chan []byte, error) {
			return h.bus.Subscribe(ctx, h.cfg.Channel)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				h.logger.Warn("subscribe failed",
					slog.String("channel", h.cfg.Channel),
					slog.Duration("retry_in", next),
					slog.String("error", err.Error()),
				)
			}),
		)
		if err != nil {
			return
		}
		h.logger.Info("subscribed", slog.String("channel", h.cfg.Channel))

		for payload := range msgs {
			f, err := decodeFrame(payload)
			if err != nil {
				h.logger.Warn("skipping malformed event", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

// backfill returns the recent events matching c, oldest first.
func (h *Hub) backfill(ctx context.Context, c *client) [][]byte {
	if h.cfg.Stream == "" {
		return nil
	}
	recent, err := h.bus.Recent(ctx, h.cfg.Stream, h.cfg.Backfill)
	if err != nil {
		h.logger.Warn("backfill failed", slog.String("error", err.Error()))
		return nil
	}
	var out [][]byte
	for _, msg := range recent {
		f, err := decodeFrame(msg.Payload)
		if err != nil || !c.wants(f) {
			continue
		}
		out = append(out, c.encode(f))
	}
	return out
}

// HandleWS upgrades the request and registers the client. Query parameters
// market, user and kind (comma separated) set the initial filter, and
// format=json selects JSON text frames instead of protobuf binary frames.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := newClient(h, q.Get("format") == "json")
	c.apply(subscribeMsg{
		Action:  "subscribe",
		Markets: splitList(q.Get("market")),
		Users:   splitList(q.Get("user")),
		Kinds:   splitList(q.Get("kind")),
	})

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c.conn = conn

	for _, b := range h.backfill(r.Context(), c) {
		c.send <- b
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
