package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// subscribeMsg is sent by clients to change their filter. Empty lists match
// everything.
//
//	{"action":"subscribe","markets":["7"],"kinds":["TradeExecuted"]}
//	{"action":"unsubscribe","markets":["7"]}
type subscribeMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
	Users   []string `json:"users"`
	Kinds   []string `json:"kinds"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	json bool

	mu      sync.RWMutex
	markets map[string]struct{}
	users   map[string]struct{}
	kinds   map[string]struct{}
}

func newClient(h *Hub, jsonFrames bool) *client {
	return &client{
		hub:     h,
		send:    make(chan []byte, sendBufferSize),
		json:    jsonFrames,
		markets: make(map[string]struct{}),
		users:   make(map[string]struct{}),
		kinds:   make(map[string]struct{}),
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update := func(set map[string]struct{}, vals []string, norm func(string) string) {
		for _, v := range vals {
			switch msg.Action {
			case "subscribe":
				set[norm(v)] = struct{}{}
			case "unsubscribe":
				delete(set, norm(v))
			}
		}
	}
	same := func(v string) string { return v }
	update(c.markets, msg.Markets, same)
	update(c.users, msg.Users, strings.ToLower)
	update(c.kinds, msg.Kinds, same)
}

func matches(set map[string]struct{}, v string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[v]
	return ok
}

func (c *client) wants(f frame) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return matches(c.markets, f.marketID) && matches(c.users, f.user) && matches(c.kinds, f.kind)
}

func (c *client) encode(f frame) []byte {
	if c.json {
		return f.json
	}
	return f.proto
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err == nil {
			c.apply(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.BinaryMessage
	if c.json {
		msgType = websocket.TextMessage
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
