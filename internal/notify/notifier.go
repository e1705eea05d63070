// Package notify alerts operators about events the indexer could not apply
// cleanly. Alerts go to every configured sender (Telegram, Discord) and can
// be filtered by event type and throttled per alert.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event types raised by the indexer.
const (
	EventUnknown          = "unknown_event"
	EventDuplicate        = "duplicate_event"
	EventProjectorWarning = "projector_warning"
	EventRejected         = "rejected_event"
)

// Sender delivers one alert to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to its senders. Only event types in the allowed
// set are forwarded; an empty set allows everything. An alert with the same
// event and title as one sent within the cooldown is dropped.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewNotifier creates a Notifier. A zero cooldown disables throttling.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Notify sends an alert to every sender. A failing sender does not stop
// delivery to the others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.throttled(event + "|" + title) {
		n.logger.DebugContext(ctx, "alert throttled", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) throttled(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.cooldown {
		return true
	}
	n.last[key] = now
	return false
}

// postJSON posts payload and treats any non-2xx answer as an error carrying
// the start of the response body.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
