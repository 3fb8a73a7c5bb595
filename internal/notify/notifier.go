// Package notify is the fire-and-forget alerting sink of the engine. After a
// status transition has been persisted, the event is formatted and dispatched
// to all configured channels (Telegram, Discord). Delivery failures are
// logged and swallowed; they never block or fail a tick.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trailstop/internal/domain"
)

// sendTimeout bounds one delivery attempt so a slow channel cannot hold up
// the caller's goroutine for long.
const sendTimeout = 10 * time.Second

// Sender is the interface each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier formats position lifecycle events and dispatches them to all
// registered senders.
type Notifier struct {
	senders []Sender
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that delivers to the given senders. With no
// senders configured it degrades to a no-op.
func NewNotifier(senders []Sender, logger *slog.Logger) *Notifier {
	return &Notifier{
		senders: senders,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// PositionEvent delivers a status-transition notification to every sender.
// It never returns an error: a notification is best-effort by contract.
func (n *Notifier) PositionEvent(ctx context.Context, evt domain.StatusEvent) {
	if len(n.senders) == 0 {
		return
	}

	title, message := formatEvent(evt)

	// Detach from the tick's context deadline but still bound the delivery.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	for _, s := range n.senders {
		if err := s.Send(sendCtx, title, message); err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("state_key", evt.StateKey),
				slog.String("error", err.Error()),
			)
		}
	}
}

// formatEvent renders a transition as a short human-readable alert.
func formatEvent(evt domain.StatusEvent) (title, message string) {
	switch evt.NewStatus {
	case domain.StatusActive:
		title = fmt.Sprintf("Trailing stop activated: %s", evt.Symbol)
	case domain.StatusTriggered:
		title = fmt.Sprintf("Trailing stop TRIGGERED: %s", evt.Symbol)
	case domain.StatusCancelled:
		title = fmt.Sprintf("Trailing stop cancelled: %s", evt.Symbol)
	case domain.StatusError:
		title = fmt.Sprintf("Trailing stop error: %s", evt.Symbol)
	default:
		title = fmt.Sprintf("Trailing stop update: %s", evt.Symbol)
	}

	message = fmt.Sprintf("key %s: %s -> %s", evt.StateKey, evt.OldStatus, evt.NewStatus)
	if evt.Price > 0 {
		message += fmt.Sprintf(" at %.8g", evt.Price)
	}
	return title, message
}
