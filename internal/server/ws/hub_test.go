package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

type fakeBus struct {
	live   chan []byte
	recent []domain.StreamMessage
}

func (b *fakeBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	return b.live, nil
}

func (b *fakeBus) Recent(_ context.Context, _ string, count int) ([]domain.StreamMessage, error) {
	if len(b.recent) > count {
		return b.recent[len(b.recent)-count:], nil
	}
	return b.recent, nil
}

func event(kind, market string, block int) []byte {
	b, _ := json.Marshal(map[string]any{"kind": kind, "market_id": market, "block_number": block})
	return b
}

func startHub(t *testing.T, bus *fakeBus) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(bus, Config{Channel: "events", Stream: "events:log", Backfill: 10}, slog.New(slog.DiscardHandler))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.TextMessage {
		t.Fatalf("frame type=%d", typ)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestBackfillThenLiveFiltered(t *testing.T) {
	bus := &fakeBus{
		live: make(chan []byte, 8),
		recent: []domain.StreamMessage{
			{ID: "1-0", Payload: event("MarketCreated", "7", 1)},
			{ID: "2-0", Payload: event("MarketCreated", "8", 2)},
			{ID: "3-0", Payload: event("TradeExecuted", "7", 3)},
		},
	}
	srv := startHub(t, bus)
	conn := dial(t, srv, "format=json&market=7")

	if m := readJSON(t, conn); m["block_number"] != float64(1) {
		t.Fatalf("first backfill=%v", m)
	}
	if m := readJSON(t, conn); m["block_number"] != float64(3) {
		t.Fatalf("second backfill=%v", m)
	}

	// The client registers before its pumps start, so it sees live events
	// from here on.
	bus.live <- event("TradeExecuted", "8", 4)
	bus.live <- []byte("not json")
	bus.live <- event("MarketResolved", "7", 5)
	if m := readJSON(t, conn); m["block_number"] != float64(5) || m["kind"] != "MarketResolved" {
		t.Fatalf("live=%v", m)
	}

	sub, _ := json.Marshal(subscribeMsg{Action: "subscribe", Kinds: []string{"Claimed"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	bus.live <- event("TradeExecuted", "7", 6)
	bus.live <- event("Claimed", "7", 7)
	if m := readJSON(t, conn); m["block_number"] != float64(7) {
		t.Fatalf("after kind filter=%v", m)
	}
}

func TestProtobufFrames(t *testing.T) {
	bus := &fakeBus{live: make(chan []byte, 1)}
	srv := startHub(t, bus)
	conn := dial(t, srv, "")

	time.Sleep(50 * time.Millisecond)
	bus.live <- event("Paused", "", 9)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	if err != nil || typ != websocket.BinaryMessage {
		t.Fatalf("typ=%d err=%v", typ, err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		t.Fatalf("proto: %v", err)
	}
	m := st.AsMap()
	if m["kind"] != "Paused" || m["block_number"] != float64(9) {
		t.Fatalf("decoded=%v", m)
	}
}

func TestClientFilter(t *testing.T) {
	c := newClient(nil, true)
	all := frame{kind: "Claimed", marketID: "7", user: "0xab"}
	if !c.wants(all) {
		t.Fatalf("empty filter rejected frame")
	}
	c.apply(subscribeMsg{Action: "subscribe", Users: []string{"0xAB"}})
	if !c.wants(all) || c.wants(frame{user: "0xcd"}) {
		t.Fatalf("user filter wrong")
	}
	c.apply(subscribeMsg{Action: "unsubscribe", Users: []string{"0xab"}})
	if !c.wants(frame{user: "0xcd"}) {
		t.Fatalf("unsubscribe did not clear filter")
	}
}
