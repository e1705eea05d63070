package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordingSender struct {
	name  string
	err   error
	sends []string
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.sends = append(s.sends, title+": "+message)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func TestNotifierFilterAndJoin(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, []string{EventDuplicate, " "}, 0, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	if err := n.Notify(ctx, EventProjectorWarning, "t", "m"); err != nil || len(ok.sends) != 0 {
		t.Fatalf("filtered event err=%v sends=%v", err, ok.sends)
	}
	err := n.Notify(ctx, EventDuplicate, "Conflict", "id 0x01")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v", err)
	}
	if len(ok.sends) != 1 || ok.sends[0] != "Conflict: id 0x01" {
		t.Fatalf("good sender missed the alert: %v", ok.sends)
	}
}

func TestNotifierCooldown(t *testing.T) {
	s := &recordingSender{name: "s"}
	n := NewNotifier([]Sender{s}, nil, time.Minute, slog.New(slog.DiscardHandler))
	now := time.Unix(0, 0)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	_ = n.Notify(ctx, EventUnknown, "Undecodable", "a")
	_ = n.Notify(ctx, EventUnknown, "Undecodable", "b")
	_ = n.Notify(ctx, EventProjectorWarning, "Undecodable", "c")
	now = now.Add(2 * time.Minute)
	_ = n.Notify(ctx, EventUnknown, "Undecodable", "d")

	if len(s.sends) != 3 || s.sends[1] != "Undecodable: c" || s.sends[2] != "Undecodable: d" {
		t.Fatalf("sends=%v", s.sends)
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	if err := s.Send(context.Background(), "Title", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "*Title*\nbody" {
		t.Fatalf("payload=%v", got)
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err=%v", err)
	}
}
