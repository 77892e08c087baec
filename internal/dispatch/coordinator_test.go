package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/remfix/dispatchd/internal/category"
	"github.com/remfix/dispatchd/internal/session"
	"github.com/remfix/dispatchd/internal/store"
)

type fakeNotifier struct {
	orders []store.Order
}

func (f *fakeNotifier) NewOrder(_ context.Context, o store.Order) {
	f.orders = append(f.orders, o)
}

type fixture struct {
	coord    *Coordinator
	store    *store.Store
	sessions *session.Store
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sessions := session.NewStore()
	notifier := &fakeNotifier{}
	coord := New(Config{
		Store:      s,
		Sessions:   sessions,
		Notifier:   notifier,
		Masters:    []int64{42, 43},
		Commission: 500,
	})
	return &fixture{coord: coord, store: s, sessions: sessions, notifier: notifier}
}

var (
	requester = Actor{ID: 100, Name: "Alice", Username: "alice"}
	admin     = Actor{ID: 42, Name: "Ivan"}
	master    = Actor{ID: 43, Name: "Petr"}
	stranger  = Actor{ID: 9000, Name: "Mallory"}
)

func (f *fixture) submitIntake(t *testing.T, actor Actor, cat category.Key, desc, contacts string) int64 {
	t.Helper()
	ctx := context.Background()
	f.coord.BeginIntake(ctx, actor)
	f.coord.CategoryChosen(ctx, actor, string(cat))
	f.coord.FreeText(ctx, actor, desc)
	reply := f.coord.FreeText(ctx, actor, contacts)
	if !strings.Contains(reply.Text, "Request created") {
		t.Fatalf("intake did not finish: %q", reply.Text)
	}
	orders, err := f.store.ListNew("")
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	return orders[len(orders)-1].ID
}

func TestIntakeHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.coord.BeginIntake(ctx, requester)
	if len(reply.Actions) != len(category.All()) {
		t.Fatalf("category menu has %d rows, want %d", len(reply.Actions), len(category.All()))
	}

	reply = f.coord.CategoryChosen(ctx, requester, "plumbing")
	if !strings.Contains(reply.Text, "describe the problem") {
		t.Fatalf("unexpected category reply: %q", reply.Text)
	}

	reply = f.coord.FreeText(ctx, requester, "leak")
	if !strings.Contains(reply.Text, "contact details") {
		t.Fatalf("unexpected description reply: %q", reply.Text)
	}

	reply = f.coord.FreeText(ctx, requester, "+7 900 000-00-00")
	if !strings.Contains(reply.Text, "Order #1") {
		t.Fatalf("confirmation missing order id: %q", reply.Text)
	}

	o, err := f.store.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.Status != store.StatusNew || o.Category != category.Plumbing || o.Description != "leak" {
		t.Errorf("stored order = %+v", o)
	}
	if o.RequesterName != "alice" {
		t.Errorf("requester name = %q, want username", o.RequesterName)
	}

	if len(f.notifier.orders) != 1 || f.notifier.orders[0].ID != 1 {
		t.Errorf("notifier calls = %+v, want order 1", f.notifier.orders)
	}

	// Session folded back to idle: further text is out of flow.
	reply = f.coord.FreeText(ctx, requester, "hello again")
	if !strings.Contains(reply.Text, "/start") {
		t.Errorf("post-intake text reply = %q, want restart prompt", reply.Text)
	}
}

func TestOutOfFlowTextCreatesNothing(t *testing.T) {
	f := newFixture(t)

	reply := f.coord.FreeText(context.Background(), requester, "my sink is broken")
	if !strings.Contains(reply.Text, "/start") {
		t.Errorf("reply = %q, want restart prompt", reply.Text)
	}

	stats, err := f.store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("out-of-flow text created %d orders", stats.Total)
	}
}

func TestInvalidCategoryResetsToIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.coord.BeginIntake(ctx, requester)
	reply := f.coord.CategoryChosen(ctx, requester, "roofing")
	if !strings.Contains(reply.Text, "not found") {
		t.Fatalf("reply = %q", reply.Text)
	}

	// The session was reset, so the next text is out of flow.
	reply = f.coord.FreeText(ctx, requester, "still broken")
	if !strings.Contains(reply.Text, "/start") {
		t.Errorf("after invalid category, text reply = %q", reply.Text)
	}
}

func TestEmptyDescriptionReprompts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.coord.BeginIntake(ctx, requester)
	f.coord.CategoryChosen(ctx, requester, "electrical")

	f.coord.FreeText(ctx, requester, "   ")
	// Still awaiting the description; a real one is accepted.
	reply := f.coord.FreeText(ctx, requester, "socket sparks")
	if !strings.Contains(reply.Text, "contact details") {
		t.Errorf("reply after re-prompt = %q", reply.Text)
	}
}

func TestIntakeRestartDiscardsProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.coord.BeginIntake(ctx, requester)
	f.coord.CategoryChosen(ctx, requester, "plumbing")
	f.coord.FreeText(ctx, requester, "leak")

	// /start mid-intake throws the draft away.
	f.coord.BeginIntake(ctx, requester)
	reply := f.coord.FreeText(ctx, requester, "actually a door problem")
	if !strings.Contains(reply.Text, "describe") && !strings.Contains(reply.Text, "/start") {
		t.Fatalf("reply = %q", reply.Text)
	}
	stats, _ := f.store.Stats()
	if stats.Total != 0 {
		t.Errorf("discarded draft still produced %d orders", stats.Total)
	}
}

func TestClaimGateSingleActiveOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.submitIntake(t, requester, category.Plumbing, "leak", "+7 900")
	second := f.submitIntake(t, requester, category.Electrical, "sparks", "+7 901")

	reply := f.coord.Claim(ctx, master, first)
	if !strings.Contains(reply.Text, "is yours") {
		t.Fatalf("claim reply = %q", reply.Text)
	}

	// Scenario C: a second claim is rejected before reaching the store.
	reply = f.coord.Claim(ctx, master, second)
	if !strings.Contains(reply.Text, "already have an active order") || !reply.Alert {
		t.Fatalf("gated claim reply = %+v", reply)
	}

	o, err := f.store.Get(second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.Status != store.StatusNew || o.MasterID != 0 {
		t.Errorf("gated claim mutated order: %+v", o)
	}
}

func TestClaimConflictReportedAsTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.submitIntake(t, requester, category.Plumbing, "leak", "+7 900")
	f.coord.Claim(ctx, admin, id)

	reply := f.coord.Claim(ctx, master, id)
	if !strings.Contains(reply.Text, "already taken") || !reply.Alert {
		t.Fatalf("conflict reply = %+v", reply)
	}
}

func TestBrowseNavigationWraps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Scenario B: orders 2 and 3 in "electrical" (order 1 is plumbing).
	f.submitIntake(t, requester, category.Plumbing, "leak", "+7 900")
	f.submitIntake(t, requester, category.Electrical, "sparks", "+7 901")
	f.submitIntake(t, requester, category.Electrical, "dead outlet", "+7 902")

	reply := f.coord.Browse(ctx, master, "electrical")
	if !strings.Contains(reply.Text, "Order #2") || !strings.Contains(reply.Text, "1 of 2") {
		t.Fatalf("browse reply = %q", reply.Text)
	}

	reply = f.coord.Navigate(ctx, master, +1, "electrical")
	if !strings.Contains(reply.Text, "Order #3") || !strings.Contains(reply.Text, "2 of 2") {
		t.Fatalf("after next: %q", reply.Text)
	}

	// Next again wraps to the first order.
	reply = f.coord.Navigate(ctx, master, +1, "electrical")
	if !strings.Contains(reply.Text, "Order #2") || !strings.Contains(reply.Text, "1 of 2") {
		t.Fatalf("after wrap: %q", reply.Text)
	}

	// Previous from the first wraps to the last.
	reply = f.coord.Navigate(ctx, master, -1, "electrical")
	if !strings.Contains(reply.Text, "Order #3") {
		t.Fatalf("after prev wrap: %q", reply.Text)
	}
}

func TestBrowseSnapshotIsStaleUntilReentered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.submitIntake(t, requester, category.Plumbing, "leak", "+7 900")
	f.submitIntake(t, requester, category.Plumbing, "drip", "+7 901")

	f.coord.Browse(ctx, master, "plumbing")

	// Another master claims the first order mid-browse.
	f.coord.Claim(ctx, admin, id)

	// The snapshot still shows it; claiming fails gracefully.
	reply := f.coord.Claim(ctx, master, id)
	if !strings.Contains(reply.Text, "already taken") {
		t.Fatalf("stale claim reply = %q", reply.Text)
	}

	// Re-entering the category refreshes the snapshot.
	reply = f.coord.Browse(ctx, master, "plumbing")
	if strings.Contains(reply.Text, "1 of 2") {
		t.Errorf("snapshot not refreshed: %q", reply.Text)
	}
}

func TestBrowseEmptyCategory(t *testing.T) {
	f := newFixture(t)
	reply := f.coord.Browse(context.Background(), master, "furniture")
	if !strings.Contains(reply.Text, "No new orders") {
		t.Errorf("empty browse reply = %q", reply.Text)
	}
}

func TestBrowseUnknownCategoryFailsLoudly(t *testing.T) {
	f := newFixture(t)
	reply := f.coord.Browse(context.Background(), master, "roofing")
	if !strings.Contains(reply.Text, "Unknown category") {
		t.Errorf("reply = %q, want loud rejection", reply.Text)
	}
}

func TestCompleteLifecycleAndIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.submitIntake(t, requester, category.DoorsWindows, "stuck door", "+7 900")
	f.coord.Claim(ctx, master, id)

	reply := f.coord.Complete(ctx, master, id)
	if !strings.Contains(reply.Text, "completed") {
		t.Fatalf("complete reply = %q", reply.Text)
	}

	// Duplicate tap: "already done", not an error.
	reply = f.coord.Complete(ctx, master, id)
	if !strings.Contains(reply.Text, "already completed") || !reply.Alert {
		t.Fatalf("duplicate complete reply = %+v", reply)
	}

	// A different master cannot complete someone else's order.
	id2 := f.submitIntake(t, requester, category.Plumbing, "leak", "+7 901")
	f.coord.Claim(ctx, admin, id2)
	reply = f.coord.Complete(ctx, master, id2)
	if !strings.Contains(reply.Text, "not assigned to you") {
		t.Fatalf("foreign complete reply = %q", reply.Text)
	}
}

func TestCompleteMenuListsActiveOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.coord.CompleteMenu(ctx, master)
	if !strings.Contains(reply.Text, "no active orders") {
		t.Fatalf("empty complete menu = %q", reply.Text)
	}

	id := f.submitIntake(t, requester, category.Plumbing, "leak", "+7 900")
	f.coord.Claim(ctx, master, id)

	reply = f.coord.CompleteMenu(ctx, master)
	if len(reply.Actions) != 1 || !strings.Contains(reply.Actions[0][0].Label, "Order #1") {
		t.Fatalf("complete menu = %+v", reply.Actions)
	}
}

func TestPanelShowsActiveOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.coord.OpenPanel(ctx, master)
	if strings.Contains(reply.Text, "Your current order") {
		t.Fatalf("panel shows an active order before any claim: %q", reply.Text)
	}

	id := f.submitIntake(t, requester, category.Plumbing, "leak", "+7 900")
	f.coord.Claim(ctx, master, id)

	reply = f.coord.OpenPanel(ctx, master)
	if !strings.Contains(reply.Text, "Your current order") {
		t.Fatalf("panel missing active order: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "In progress: 1") {
		t.Errorf("panel stats wrong: %q", reply.Text)
	}
}

func TestUnauthorizedActorsAreDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, reply := range map[string]Reply{
		"panel":    f.coord.OpenPanel(ctx, stranger),
		"browse":   f.coord.Browse(ctx, stranger, "all"),
		"claim":    f.coord.Claim(ctx, stranger, 1),
		"complete": f.coord.Complete(ctx, stranger, 1),
		"finance":  f.coord.Finance(ctx, stranger),
	} {
		if !strings.Contains(reply.Text, "Access denied") {
			t.Errorf("%s reply = %q, want denial", name, reply.Text)
		}
	}
}

func TestFinanceAdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A regular master is not the admin.
	reply := f.coord.Finance(ctx, master)
	if !strings.Contains(reply.Text, "Access denied") {
		t.Fatalf("master finance reply = %q", reply.Text)
	}

	id := f.submitIntake(t, requester, category.Plumbing, "leak", "+7 900")
	f.coord.Claim(ctx, master, id)
	f.coord.Complete(ctx, master, id)

	reply = f.coord.Finance(ctx, admin)
	if !strings.Contains(reply.Text, "Completed orders: 1") {
		t.Errorf("finance report = %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "Commission due: 500") {
		t.Errorf("finance commission wrong: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "Petr: 1") {
		t.Errorf("finance per-master tally missing: %q", reply.Text)
	}
}

// busyClaim simulates losing the workload race inside the store: the
// session-level pre-check saw no active order, but the store's own
// guard rejected the claim.
type busyClaim struct {
	OrderStore
}

func (busyClaim) Claim(int64, int64, string) error {
	return store.ErrMasterBusy
}

func TestClaimStoreBusyReportedAsHasActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	coord := New(Config{
		Store:      busyClaim{OrderStore: f.store},
		Sessions:   f.sessions,
		Notifier:   f.notifier,
		Masters:    []int64{42, 43},
		Commission: 500,
	})
	reply := coord.Claim(ctx, master, 1)
	if !reply.Alert {
		t.Error("busy-master rejection should be an alert")
	}
	if !strings.Contains(reply.Text, "active order") {
		t.Errorf("reply = %q, want active-order notice", reply.Text)
	}
}

// faultyCreate simulates a storage outage on order creation.
type faultyCreate struct {
	OrderStore
}

func (faultyCreate) Create(store.NewOrder) (int64, error) {
	return 0, errors.New("disk full")
}

func TestStoreFaultKeepsSessionIntact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.coord.BeginIntake(ctx, requester)
	f.coord.CategoryChosen(ctx, requester, "plumbing")
	f.coord.FreeText(ctx, requester, "leak")

	broken := New(Config{
		Store:      faultyCreate{OrderStore: f.store},
		Sessions:   f.sessions,
		Notifier:   f.notifier,
		Masters:    []int64{42},
		Commission: 500,
	})
	reply := broken.FreeText(ctx, requester, "+7 900")
	if !strings.Contains(reply.Text, "try again") {
		t.Fatalf("fault reply = %q", reply.Text)
	}
	if len(f.notifier.orders) != 0 {
		t.Error("notification sent for a failed create")
	}

	// Session is still awaiting contacts; a retry on the healthy store
	// succeeds without redoing the whole intake.
	reply = f.coord.FreeText(ctx, requester, "+7 900")
	if !strings.Contains(reply.Text, "Request created") {
		t.Errorf("retry after fault = %q", reply.Text)
	}
}
