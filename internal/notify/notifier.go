// Package notify delivers operator notifications for every state change the
// agent makes. Each notification is logged and then fanned out to the
// configured senders (Telegram, Discord, the agent bus), filtered by event.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// EventSender is implemented by senders that forward the event name too.
type EventSender interface {
	SendEvent(ctx context.Context, event, title, message string) error
}

// Notifier implements domain.Notifier. A notification is always logged;
// senders only receive events in the allowed set, or every event when the
// set is empty.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	sent map[string]int
}

// NewNotifier creates a Notifier for senders. Empty events allows all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		timeout: 15 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
		sent:    make(map[string]int),
	}
}

// Notify records and delivers one notification. Sender failures are
// collected into the returned error; every sender is still tried.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	n.logger.InfoContext(ctx, "notification",
		slog.String("event", event),
		slog.String("title", title),
	)
	n.mu.Lock()
	n.sent[event]++
	n.mu.Unlock()

	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	return n.dispatch(ctx, event, title, message)
}

// Counts returns how many notifications were raised per event.
func (n *Notifier) Counts() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int, len(n.sent))
	for k, v := range n.sent {
		out[k] = v
	}
	return out
}

func (n *Notifier) dispatch(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var errs []string
	for _, s := range n.senders {
		var err error
		if es, ok := s.(EventSender); ok {
			err = es.SendEvent(ctx, event, title, message)
		} else {
			err = s.Send(ctx, title, message)
		}
		if err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
