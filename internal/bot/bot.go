// Package bot adapts the Telegram transport to the lifecycle
// coordinator: long-polled updates become typed coordinator calls, and
// replies become messages with inline keyboards. No lifecycle logic
// lives here.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/remfix/dispatchd/internal/dispatch"
	"github.com/remfix/dispatchd/internal/notify"
)

// Bot drives a Telegram bot connection. It also implements
// notify.Sender so the fan-out can push through the same connection.
type Bot struct {
	api    *tgbotapi.BotAPI
	coord  *dispatch.Coordinator
	logger *slog.Logger
}

// New authenticates against the Telegram API. The coordinator is wired
// afterwards via SetCoordinator.
func New(token string, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connecting to Telegram: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Bot{api: api, logger: logger}, nil
}

// SetCoordinator wires the coordinator after construction. The
// notifier that feeds the coordinator sends through this same
// connection, so the two cannot be built in one pass. Must be called
// before Run.
func (b *Bot) SetCoordinator(coord *dispatch.Coordinator) {
	b.coord = coord
}

// Run long-polls for updates until ctx is cancelled. Each update is
// handled to completion before the next one is read, which preserves
// per-chat event ordering.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// Send implements notify.Sender.
func (b *Bot) Send(ctx context.Context, chatID int64, msg notify.Message) error {
	out := tgbotapi.NewMessage(chatID, msg.Text)
	if len(msg.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, btn := range msg.Buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data),
			))
		}
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	_, err := b.api.Send(out)
	return err
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	actor := actorFrom(msg.From)

	var reply dispatch.Reply
	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			reply = b.coord.BeginIntake(ctx, actor)
		case "admin":
			reply = b.coord.OpenPanel(ctx, actor)
		case "complete":
			reply = b.coord.CompleteMenu(ctx, actor)
		case "finance":
			reply = b.coord.Finance(ctx, actor)
		default:
			reply = dispatch.Reply{Text: "Unknown command. Use /start to submit a repair request."}
		}
	} else {
		reply = b.coord.FreeText(ctx, actor, msg.Text)
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, reply.Text)
	if markup, ok := keyboard(reply.Actions); ok {
		out.ReplyMarkup = markup
	}
	if _, err := b.api.Send(out); err != nil {
		b.logger.Warn("sending reply failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	actor := actorFrom(cq.From)
	reply, ok := b.routeCallback(ctx, actor, cq.Data)
	if !ok {
		b.logger.Debug("unrecognized callback", "data", cq.Data, "from", actor.ID)
		b.answer(tgbotapi.NewCallback(cq.ID, "Unknown action"))
		return
	}

	if reply.Alert {
		// Keep the current view on screen; the notice is transient.
		b.answer(tgbotapi.NewCallbackWithAlert(cq.ID, reply.Text))
		return
	}
	b.answer(tgbotapi.NewCallback(cq.ID, ""))

	if cq.Message == nil {
		return
	}
	chatID := cq.Message.Chat.ID
	msgID := cq.Message.MessageID

	var err error
	if markup, hasButtons := keyboard(reply.Actions); hasButtons {
		_, err = b.api.Send(tgbotapi.NewEditMessageTextAndMarkup(chatID, msgID, reply.Text, markup))
	} else {
		_, err = b.api.Send(tgbotapi.NewEditMessageText(chatID, msgID, reply.Text))
	}
	if err != nil {
		// Editing fails when the message is too old; fall back to a new one.
		b.logger.Debug("edit failed, sending new message", "chat_id", chatID, "error", err)
		out := tgbotapi.NewMessage(chatID, reply.Text)
		if markup, hasButtons := keyboard(reply.Actions); hasButtons {
			out.ReplyMarkup = markup
		}
		if _, err := b.api.Send(out); err != nil {
			b.logger.Warn("sending callback reply failed", "chat_id", chatID, "error", err)
		}
	}
}

// routeCallback maps a callback payload to a coordinator call. The
// grammar matches what the coordinator and notifier emit. Category
// keys may contain underscores, so suffixes are split with SplitN
// rather than positionally.
func (b *Bot) routeCallback(ctx context.Context, actor dispatch.Actor, data string) (dispatch.Reply, bool) {
	switch data {
	case "admin_show_categories":
		return b.coord.ShowCategories(ctx, actor), true
	case "admin_refresh", "admin_back":
		return b.coord.OpenPanel(ctx, actor), true
	case "admin_close":
		return b.coord.ClosePanel(ctx, actor), true
	case "admin_all_orders":
		return b.coord.Browse(ctx, actor, "all"), true
	}

	if key, ok := strings.CutPrefix(data, "category_"); ok {
		return b.coord.CategoryChosen(ctx, actor, key), true
	}
	if key, ok := strings.CutPrefix(data, "admin_category_"); ok {
		return b.coord.Browse(ctx, actor, key), true
	}
	if key, ok := strings.CutPrefix(data, "admin_back_to_"); ok {
		return b.coord.Browse(ctx, actor, key), true
	}
	if rest, ok := strings.CutPrefix(data, "admin_show_order_"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return b.coord.ShowOrder(ctx, actor, id), true
		}
		return dispatch.Reply{}, false
	}
	if rest, ok := strings.CutPrefix(data, "show_my_order_"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return b.coord.MyActiveOrder(ctx, actor, id), true
		}
		return dispatch.Reply{}, false
	}
	if rest, ok := strings.CutPrefix(data, "take_"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return b.coord.Claim(ctx, actor, id), true
		}
		return dispatch.Reply{}, false
	}
	if rest, ok := strings.CutPrefix(data, "complete_"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return b.coord.Complete(ctx, actor, id), true
		}
		return dispatch.Reply{}, false
	}
	if rest, ok := strings.CutPrefix(data, "next_"); ok {
		if key, ok := navKey(rest); ok {
			return b.coord.Navigate(ctx, actor, +1, key), true
		}
		return dispatch.Reply{}, false
	}
	if rest, ok := strings.CutPrefix(data, "prev_"); ok {
		if key, ok := navKey(rest); ok {
			return b.coord.Navigate(ctx, actor, -1, key), true
		}
		return dispatch.Reply{}, false
	}
	return dispatch.Reply{}, false
}

// navKey parses the "<orderID>_<categoryKey>" suffix of a navigation
// callback. The order id is only there to make the payload unique per
// rendered view; navigation itself works off the saved cursor.
func navKey(rest string) (string, bool) {
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return "", false
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		return "", false
	}
	return parts[1], true
}

func (b *Bot) answer(cb tgbotapi.CallbackConfig) {
	if _, err := b.api.Request(cb); err != nil {
		b.logger.Debug("answering callback failed", "error", err)
	}
}

func keyboard(actions [][]dispatch.Action) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(actions) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, row := range actions {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, a := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

func actorFrom(u *tgbotapi.User) dispatch.Actor {
	return dispatch.Actor{
		ID:       u.ID,
		Name:     u.FirstName,
		Username: u.UserName,
	}
}
