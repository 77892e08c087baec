// Package notify fans out new-order announcements to the registered
// masters. Delivery is best-effort per recipient: a failed send is
// logged and skipped, and never affects the already-committed order.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/remfix/dispatchd/internal/category"
	"github.com/remfix/dispatchd/internal/store"
)

// Button is a labeled action attached to a pushed message. Data is the
// callback payload the transport routes back when pressed.
type Button struct {
	Label string
	Data  string
}

// Message is an out-of-band push to a single recipient.
type Message struct {
	Text    string
	Buttons []Button
}

// Sender delivers a message to one chat identity. Implemented by the
// transport adapter.
type Sender interface {
	Send(ctx context.Context, chatID int64, msg Message) error
}

// Notifier announces new orders to every master. The first id in
// masters is the admin and receives the richer message.
type Notifier struct {
	sender  Sender
	masters []int64
	logger  *slog.Logger
}

// New creates a Notifier. If logger is nil, slog.Default() is used.
func New(sender Sender, masters []int64, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, masters: masters, logger: logger}
}

// NewOrder pushes the announcement for a freshly created order to all
// masters.
func (n *Notifier) NewOrder(ctx context.Context, o store.Order) {
	buttons := []Button{
		{Label: "🚀 Open order", Data: fmt.Sprintf("admin_show_order_%d", o.ID)},
		{Label: "📋 All orders", Data: "admin_show_categories"},
	}

	masterMsg := Message{
		Text: fmt.Sprintf(
			"🎯 New order!\n\nOrder #%d\nCategory: %s\nDescription: %s\n\nTap below to open it.",
			o.ID, category.Label(o.Category), truncate(o.Description, 100),
		),
		Buttons: buttons,
	}
	adminMsg := Message{
		Text: fmt.Sprintf(
			"👑 New order (admin copy)\n\nOrder #%d\nCategory: %s\nDescription: %s\n\n💵 Collect the commission once it is done.",
			o.ID, category.Label(o.Category), o.Description,
		),
		Buttons: buttons,
	}

	for i, chatID := range n.masters {
		msg := masterMsg
		if i == 0 {
			msg = adminMsg
		}
		if err := n.sender.Send(ctx, chatID, msg); err != nil {
			n.logger.Warn("new-order notification failed", "order_id", o.ID, "chat_id", chatID, "error", err)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary so a multi-byte character is never split.
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
