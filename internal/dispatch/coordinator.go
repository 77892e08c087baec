// Package dispatch is the lifecycle coordinator: the intake dialogue
// that turns a chat conversation into an order, and the assignment
// workflow that lets masters browse, claim, and complete orders. All
// durable state lives in the order store; everything here is either a
// pure function of it or private per-identity session state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/remfix/dispatchd/internal/category"
	"github.com/remfix/dispatchd/internal/session"
	"github.com/remfix/dispatchd/internal/store"
)

// OrderStore is the slice of the order store the coordinator uses.
type OrderStore interface {
	Create(o store.NewOrder) (int64, error)
	Get(id int64) (store.Order, error)
	ListNew(categoryKey category.Key) ([]store.Order, error)
	CountNew(categoryKey category.Key) (int, error)
	Stats() (store.Stats, error)
	Claim(id, masterID int64, masterName string) error
	Complete(id, masterID int64) (time.Time, error)
	ActiveOrdersForMaster(masterID int64) ([]store.Order, error)
	CompletedOrders(limit int) ([]store.Order, error)
	MasterCompletionTallies() ([]store.MasterTally, error)
}

// Notifier fans out new-order announcements. Failures are the
// notifier's problem; the coordinator never hears about them.
type Notifier interface {
	NewOrder(ctx context.Context, o store.Order)
}

const (
	msgDenied      = "⛔ Access denied. This action is for masters only."
	msgStoreFault  = "⚠️ Something went wrong on our side. Please try again in a minute."
	msgStartAgain  = "To submit a new repair request, send /start."
	msgOrderTaken  = "❌ This order was already taken by another master."
	msgHasActive   = "⛔ You already have an active order. Complete it before taking a new one."
	msgAlreadyDone = "This order is already completed."
)

// Coordinator wires the intake and assignment state machines to the
// order store, the session store, and the notification fan-out.
type Coordinator struct {
	store      OrderStore
	sessions   *session.Store
	notifier   Notifier
	masters    []int64
	commission int
	logger     *slog.Logger
}

// Config carries the Coordinator dependencies.
type Config struct {
	Store    OrderStore
	Sessions *session.Store
	Notifier Notifier

	// Masters is the static allow-list of privileged identities; the
	// first entry is the admin who receives the finance report.
	Masters []int64

	// Commission is the per-completed-order fee shown in the finance
	// report.
	Commission int

	Logger *slog.Logger
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      cfg.Store,
		sessions:   cfg.Sessions,
		notifier:   cfg.Notifier,
		masters:    cfg.Masters,
		commission: cfg.Commission,
		logger:     logger,
	}
}

func (c *Coordinator) isMaster(id int64) bool {
	for _, m := range c.masters {
		if m == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) isAdmin(id int64) bool {
	return len(c.masters) > 0 && c.masters[0] == id
}

func (c *Coordinator) storeFault(op string, err error) Reply {
	c.logger.Error("store operation failed", "op", op, "error", err)
	return textReply(msgStoreFault)
}

// --- Intake ---

// BeginIntake handles /start: it (re)initializes the requester's
// session, discarding any half-completed intake, and shows the
// category menu.
func (c *Coordinator) BeginIntake(ctx context.Context, actor Actor) Reply {
	c.sessions.SetIntake(actor.ID, session.Intake{Stage: session.StageCategory})

	var rows [][]Action
	for _, k := range category.All() {
		rows = append(rows, []Action{{Label: category.Label(k), Data: "category_" + string(k)}})
	}
	return Reply{
		Text: fmt.Sprintf(
			"Hi, %s! 👋\nSomething broke? No problem — I'll find you a vetted master.\nPick a category:",
			actor.Name,
		),
		Actions: rows,
	}
}

// CategoryChosen handles a category button press during intake. An
// unknown key resets the session to idle and asks the user to start
// over.
func (c *Coordinator) CategoryChosen(ctx context.Context, actor Actor, key string) Reply {
	k, err := category.Parse(key)
	if err != nil {
		c.sessions.ResetIntake(actor.ID)
		return textReply("Category not found. " + msgStartAgain)
	}

	in := c.sessions.Intake(actor.ID)
	if in.Stage != session.StageCategory {
		// Stale button from a previous conversation.
		c.sessions.ResetIntake(actor.ID)
		return textReply(msgStartAgain)
	}

	in.Category = k
	in.Stage = session.StageDescription
	c.sessions.SetIntake(actor.ID, in)

	return textReply(fmt.Sprintf(
		"You picked: %s\n\nNow describe the problem in detail:",
		category.Label(k),
	))
}

// FreeText handles a plain text message from a requester, advancing
// whatever intake stage they are in. Text outside the flow answers
// with a restart prompt and mutates nothing.
func (c *Coordinator) FreeText(ctx context.Context, actor Actor, text string) Reply {
	text = strings.TrimSpace(text)
	in := c.sessions.Intake(actor.ID)

	switch in.Stage {
	case session.StageDescription:
		if text == "" {
			return textReply("Please describe the problem in a few words:")
		}
		in.Description = text
		in.Stage = session.StageContacts
		c.sessions.SetIntake(actor.ID, in)
		return textReply(
			"Thanks! 📝\n\nNow send your contact details:\n" +
				"• phone number\n• address for the master\n\n" +
				"For example:\n+7 900 123-45-67\nLenina 10, apt 25",
		)

	case session.StageContacts:
		if text == "" {
			return textReply("Please send a phone number and address:")
		}
		id, err := c.store.Create(store.NewOrder{
			RequesterID:   actor.ID,
			RequesterName: actor.DisplayName(),
			Category:      in.Category,
			Description:   in.Description,
			Contacts:      text,
		})
		if err != nil {
			// Session stays at the contacts stage so the user can retry.
			return c.storeFault("create", err)
		}
		c.sessions.ResetIntake(actor.ID)

		order, err := c.store.Get(id)
		if err != nil {
			c.logger.Error("reloading created order for fan-out", "order_id", id, "error", err)
		} else {
			c.notifier.NewOrder(ctx, order)
		}

		return textReply(fmt.Sprintf(
			"✅ Request created!\n\nOrder #%d\nCategory: %s\nDescription: %s\nContacts: %s\n\n"+
				"A master will reach out shortly, usually within 10–30 minutes. ⏰",
			id, category.Label(in.Category), in.Description, text,
		))

	default:
		// Idle or awaiting a button press: out-of-flow text.
		return textReply(msgStartAgain)
	}
}

// --- Master panel ---

// OpenPanel handles /admin: aggregate stats plus the master's current
// active order, if any.
func (c *Coordinator) OpenPanel(ctx context.Context, actor Actor) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	stats, err := c.store.Stats()
	if err != nil {
		return c.storeFault("stats", err)
	}
	active, err := c.store.ActiveOrdersForMaster(actor.ID)
	if err != nil {
		return c.storeFault("active_orders", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👨‍🔧 Master panel\n\n📊 Orders:\n• Total: %d\n• New: %d\n• In progress: %d\n• Completed: %d\n\n",
		stats.Total, stats.New, stats.InProgress, stats.Completed)

	rows := [][]Action{
		{{Label: "📂 Browse orders", Data: "admin_show_categories"}},
	}
	if len(active) > 0 {
		o := active[0]
		fmt.Fprintf(&b, "📋 Your current order:\n%s\n", orderSummary(o))
		rows = append(rows, []Action{{Label: "📋 My active order", Data: fmt.Sprintf("show_my_order_%d", o.ID)}})
	}
	b.WriteString("Choose an action:")

	rows = append(rows,
		[]Action{{Label: "🔄 Refresh stats", Data: "admin_refresh"}},
		[]Action{{Label: "❌ Close panel", Data: "admin_close"}},
	)
	return Reply{Text: b.String(), Actions: rows}
}

// ShowCategories renders the browse menu with new-order counts per
// category.
func (c *Coordinator) ShowCategories(ctx context.Context, actor Actor) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	var rows [][]Action
	for _, k := range category.All() {
		count, err := c.store.CountNew(k)
		if err != nil {
			return c.storeFault("count_new", err)
		}
		rows = append(rows, []Action{{
			Label: fmt.Sprintf("%s (%d)", category.Label(k), count),
			Data:  "admin_category_" + string(k),
		}})
	}
	total, err := c.store.CountNew("")
	if err != nil {
		return c.storeFault("count_new", err)
	}
	rows = append(rows,
		[]Action{{Label: fmt.Sprintf("📋 All orders (%d)", total), Data: "admin_all_orders"}},
		[]Action{{Label: "🔙 Back", Data: "admin_back"}},
	)
	return Reply{
		Text:    "📂 Pick a category to browse:\n(new-order count in brackets)",
		Actions: rows,
	}
}

// Browse enters a category (or "all") and snapshots its new orders
// into the master's cursor. The snapshot is only refreshed here, not
// on every navigation step; stale entries fail gracefully on claim.
func (c *Coordinator) Browse(ctx context.Context, actor Actor, key string) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	var filter category.Key
	if key != "all" && key != "" {
		k, err := category.Parse(key)
		if err != nil {
			return textReply("Unknown category. " + msgStartAgain)
		}
		filter = k
	}

	orders, err := c.store.ListNew(filter)
	if err != nil {
		return c.storeFault("list_new", err)
	}
	cur := session.Cursor{Orders: orders, Index: 0, Category: filter}
	c.sessions.SetCursor(actor.ID, cur)
	return c.renderCursor(cur)
}

// Navigate moves the browse cursor by delta (+1 next, -1 previous),
// wrapping cyclically. Without a live cursor it falls back to
// re-entering the category.
func (c *Coordinator) Navigate(ctx context.Context, actor Actor, delta int, key string) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	cur, ok := c.sessions.Cursor(actor.ID)
	if !ok {
		if key == "" {
			key = "all"
		}
		return c.Browse(ctx, actor, key)
	}
	cur.Step(delta)
	c.sessions.SetCursor(actor.ID, cur)
	return c.renderCursor(cur)
}

func (c *Coordinator) renderCursor(cur session.Cursor) Reply {
	name := "All orders"
	key := "all"
	if cur.Category != "" {
		name = category.Label(cur.Category)
		key = string(cur.Category)
	}

	o, ok := cur.Current()
	if !ok {
		return Reply{
			Text: fmt.Sprintf("📭 No new orders in '%s'.\n\nCheck back later.", name),
			Actions: [][]Action{
				{{Label: "🔙 Back to categories", Data: "admin_show_categories"}},
			},
		}
	}

	text := fmt.Sprintf("🎯 Order #%d (%s)\n%d of %d\n\n%s\nChoose an action:",
		o.ID, name, cur.Index+1, len(cur.Orders), orderSummary(o))

	rows := [][]Action{
		{{Label: "✅ Take this order", Data: fmt.Sprintf("take_%d", o.ID)}},
	}
	if len(cur.Orders) > 1 {
		rows = append(rows, []Action{
			{Label: "⬅️ Previous", Data: fmt.Sprintf("prev_%d_%s", o.ID, key)},
			{Label: "Next ➡️", Data: fmt.Sprintf("next_%d_%s", o.ID, key)},
		})
	}
	rows = append(rows, []Action{{Label: "🔙 Back to categories", Data: "admin_show_categories"}})
	return Reply{Text: text, Actions: rows}
}

// ShowOrder renders one order by id with status-appropriate actions.
// Reached from the new-order notification push.
func (c *Coordinator) ShowOrder(ctx context.Context, actor Actor, orderID int64) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	o, err := c.store.Get(orderID)
	if errors.Is(err, store.ErrNotFound) {
		return textReply("❌ Order not found.")
	}
	if err != nil {
		return c.storeFault("get", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎯 Order #%d\n\nStatus: %s\n%s", o.ID, o.Status, orderSummary(o))

	var rows [][]Action
	switch o.Status {
	case store.StatusNew:
		b.WriteString("Waiting for a master.")
		rows = append(rows, []Action{{Label: "✅ Take this order", Data: fmt.Sprintf("take_%d", o.ID)}})
	case store.StatusInProgress:
		fmt.Fprintf(&b, "Master: %s\nIn progress.", o.MasterName)
		if o.MasterID == actor.ID {
			rows = append(rows, []Action{{Label: "✅ Complete order", Data: fmt.Sprintf("complete_%d", o.ID)}})
		}
	default:
		fmt.Fprintf(&b, "Master: %s\nCompleted.", o.MasterName)
	}
	rows = append(rows,
		[]Action{{Label: "📋 All orders", Data: "admin_show_categories"}},
		[]Action{{Label: "🔙 Back", Data: "admin_back"}},
	)
	return Reply{Text: b.String(), Actions: rows}
}

// MyActiveOrder shows the master their claimed order with a completion
// action.
func (c *Coordinator) MyActiveOrder(ctx context.Context, actor Actor, orderID int64) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	o, err := c.store.Get(orderID)
	if errors.Is(err, store.ErrNotFound) {
		return textReply("❌ Order not found.")
	}
	if err != nil {
		return c.storeFault("get", err)
	}

	return Reply{
		Text: fmt.Sprintf("📋 Your active order\n\n%sStatus: in progress\n\nChoose an action:", orderSummary(o)),
		Actions: [][]Action{
			{{Label: "✅ Complete order", Data: fmt.Sprintf("complete_%d", o.ID)}},
			{{Label: "🔙 Back", Data: "admin_back"}},
		},
	}
}

// --- Claim and completion ---

// Claim attempts to bind an order to the acting master. The
// active-order check is a UX short-circuit; the store's conditional
// update is what actually guarantees a single winner and one active
// order per master.
func (c *Coordinator) Claim(ctx context.Context, actor Actor, orderID int64) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	active, err := c.store.ActiveOrdersForMaster(actor.ID)
	if err != nil {
		return c.storeFault("active_orders", err)
	}
	if len(active) > 0 {
		return alertReply(msgHasActive)
	}

	err = c.store.Claim(orderID, actor.ID, actor.Name)
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed):
		return alertReply(msgOrderTaken)
	case errors.Is(err, store.ErrMasterBusy):
		// The pre-check above raced with another claim by this master.
		return alertReply(msgHasActive)
	case errors.Is(err, store.ErrNotFound):
		return textReply("❌ Order not found.")
	case err != nil:
		return c.storeFault("claim", err)
	}

	backKey := "all"
	if cur, ok := c.sessions.Cursor(actor.ID); ok && cur.Category != "" {
		backKey = string(cur.Category)
	}
	return Reply{
		Text: fmt.Sprintf(
			"✅ Order #%d is yours!\n\nMaster: %s\nContact the client as soon as you can.\n\n"+
				"When you are done, use /complete.",
			orderID, actor.Name,
		),
		Actions: [][]Action{
			{{Label: "🔙 Back to orders", Data: "admin_back_to_" + backKey}},
		},
	}
}

// CompleteMenu handles /complete: it lists the master's active orders
// as completion buttons.
func (c *Coordinator) CompleteMenu(ctx context.Context, actor Actor) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	active, err := c.store.ActiveOrdersForMaster(actor.ID)
	if err != nil {
		return c.storeFault("active_orders", err)
	}
	if len(active) == 0 {
		return textReply("You have no active orders to complete.\nUse /admin to browse new ones.")
	}

	var rows [][]Action
	for _, o := range active {
		rows = append(rows, []Action{{
			Label: fmt.Sprintf("Order #%d — %s", o.ID, category.Label(o.Category)),
			Data:  fmt.Sprintf("complete_%d", o.ID),
		}})
	}
	return Reply{Text: "Pick the order to complete:", Actions: rows}
}

// Complete marks an order done. The store verifies, atomically, that
// the actor is the assignee and the order is still in progress; a
// duplicate tap reports "already done" rather than an error.
func (c *Coordinator) Complete(ctx context.Context, actor Actor, orderID int64) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}

	_, err := c.store.Complete(orderID, actor.ID)
	switch {
	case errors.Is(err, store.ErrAlreadyCompleted):
		return alertReply(msgAlreadyDone)
	case errors.Is(err, store.ErrNotAssignee):
		return alertReply("⛔ This order is not assigned to you.")
	case errors.Is(err, store.ErrNotFound):
		return textReply("❌ Order not found.")
	case err != nil:
		return c.storeFault("complete", err)
	}

	return textReply(fmt.Sprintf(
		"✅ Order #%d completed!\n\nYou can take new orders via /admin.", orderID,
	))
}

// --- Finance ---

// Finance handles /finance: a read-only revenue tally for the admin.
func (c *Coordinator) Finance(ctx context.Context, actor Actor) Reply {
	if !c.isAdmin(actor.ID) {
		return textReply(msgDenied)
	}

	completed, err := c.store.CompletedOrders(0)
	if err != nil {
		return c.storeFault("completed_orders", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "💰 Finance report\n\n• Completed orders: %d\n• Commission due: %d\n\n",
		len(completed), len(completed)*c.commission)

	if len(completed) == 0 {
		b.WriteString("📭 No completed orders yet.")
		return textReply(b.String())
	}

	b.WriteString("📊 Recent orders:\n")
	recent := completed
	if len(recent) > 5 {
		recent = recent[:5]
	}
	for _, o := range recent {
		fmt.Fprintf(&b, "• Order #%d — %s\n  Master: %s\n  Completed: %s\n",
			o.ID, category.Label(o.Category), o.MasterName, o.CompletedAt.Format("2006-01-02 15:04"))
	}

	tallies, err := c.store.MasterCompletionTallies()
	if err != nil {
		return c.storeFault("tallies", err)
	}
	b.WriteString("\n👨‍🔧 Per master:\n")
	for _, t := range tallies {
		name := t.MasterName
		if name == "" {
			name = fmt.Sprintf("id %d", t.MasterID)
		}
		fmt.Fprintf(&b, "• %s: %d orders\n", name, t.Completed)
	}
	return textReply(b.String())
}

// ClosePanel handles the close button on the master panel.
func (c *Coordinator) ClosePanel(ctx context.Context, actor Actor) Reply {
	if !c.isMaster(actor.ID) {
		return textReply(msgDenied)
	}
	c.sessions.ClearCursor(actor.ID)
	return textReply("Panel closed.")
}

func orderSummary(o store.Order) string {
	return fmt.Sprintf(
		"• Category: %s\n• Client: %s\n• Description: %s\n• Contacts: %s\n• Created: %s\n\n",
		category.Label(o.Category), o.RequesterName, o.Description, o.Contacts,
		o.CreatedAt.Format("2006-01-02 15:04"),
	)
}
