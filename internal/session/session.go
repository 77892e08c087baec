// Package session holds the ephemeral per-identity conversation state:
// where a requester is in the intake dialogue and where a master is in
// a browsed list of orders. Nothing here is durable; evicting a
// session only means the next interaction starts from scratch.
package session

import (
	"sync"
	"time"

	"github.com/remfix/dispatchd/internal/category"
	"github.com/remfix/dispatchd/internal/store"
)

// IntakeStage is a requester's position in the intake dialogue.
type IntakeStage int

const (
	StageIdle IntakeStage = iota
	StageCategory
	StageDescription
	StageContacts
)

// Intake accumulates the fields collected so far.
type Intake struct {
	Stage       IntakeStage
	Category    category.Key
	Description string
}

// Cursor is a master's position within a snapshotted list of new
// orders. The snapshot is only refreshed when the master re-enters a
// category, so entries may be stale; claiming a stale entry simply
// fails with "already taken".
type Cursor struct {
	Orders   []store.Order
	Index    int
	Category category.Key // empty means all categories
}

// Step moves the cursor by delta, wrapping cyclically. Wrapping keeps
// navigation responsive even when the snapshot shrank underneath the
// saved index.
func (c *Cursor) Step(delta int) {
	n := len(c.Orders)
	if n == 0 {
		c.Index = 0
		return
	}
	c.Index = ((c.Index+delta)%n + n) % n
}

// Current returns the order under the cursor.
func (c *Cursor) Current() (store.Order, bool) {
	if len(c.Orders) == 0 {
		return store.Order{}, false
	}
	if c.Index < 0 || c.Index >= len(c.Orders) {
		c.Index = 0
	}
	return c.Orders[c.Index], true
}

type intakeEntry struct {
	intake   Intake
	lastSeen time.Time
}

type cursorEntry struct {
	cursor   Cursor
	lastSeen time.Time
}

// Store keeps all live sessions, keyed by chat identity. Each
// identity's events arrive one at a time, but identities are handled
// concurrently, so the maps are mutex-guarded.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	intakes map[int64]*intakeEntry
	cursors map[int64]*cursorEntry
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		now:     time.Now,
		intakes: make(map[int64]*intakeEntry),
		cursors: make(map[int64]*cursorEntry),
	}
}

// Intake returns the requester's current intake state. Unknown
// identities are idle.
func (s *Store) Intake(userID int64) Intake {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.intakes[userID]
	if !ok {
		return Intake{Stage: StageIdle}
	}
	e.lastSeen = s.now()
	return e.intake
}

// SetIntake replaces the requester's intake state.
func (s *Store) SetIntake(userID int64, in Intake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intakes[userID] = &intakeEntry{intake: in, lastSeen: s.now()}
}

// ResetIntake drops the requester back to idle, discarding any
// half-collected order.
func (s *Store) ResetIntake(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intakes, userID)
}

// Cursor returns the master's browse cursor, if one exists.
func (s *Store) Cursor(masterID int64) (Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cursors[masterID]
	if !ok {
		return Cursor{}, false
	}
	e.lastSeen = s.now()
	return e.cursor, true
}

// SetCursor replaces the master's browse cursor.
func (s *Store) SetCursor(masterID int64, c Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[masterID] = &cursorEntry{cursor: c, lastSeen: s.now()}
}

// ClearCursor drops the master's browse cursor.
func (s *Store) ClearCursor(masterID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, masterID)
}

// PurgeIdle evicts sessions untouched for longer than maxIdle and
// returns how many were dropped.
func (s *Store) PurgeIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxIdle)
	purged := 0
	for id, e := range s.intakes {
		if e.lastSeen.Before(cutoff) {
			delete(s.intakes, id)
			purged++
		}
	}
	for id, e := range s.cursors {
		if e.lastSeen.Before(cutoff) {
			delete(s.cursors, id)
			purged++
		}
	}
	return purged
}
