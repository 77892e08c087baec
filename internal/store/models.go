package store

import (
	"errors"
	"time"

	"github.com/remfix/dispatchd/internal/category"
)

// Sentinel errors for expected business conditions. I/O faults are
// returned wrapped and are never one of these.
var (
	// ErrNotFound is returned when a requested order does not exist.
	ErrNotFound = errors.New("order not found")

	// ErrAlreadyClaimed is returned when a claim loses the race: the
	// order exists but is no longer in status "new".
	ErrAlreadyClaimed = errors.New("order already claimed")

	// ErrMasterBusy is returned when the claiming master already has an
	// order in progress.
	ErrMasterBusy = errors.New("master already has an active order")

	// ErrAlreadyCompleted is returned when completing an order that is
	// already completed. Callers treat it as "already done", not as a
	// failure.
	ErrAlreadyCompleted = errors.New("order already completed")

	// ErrNotAssignee is returned when a master tries to complete an
	// order that is not assigned to them.
	ErrNotAssignee = errors.New("order not assigned to this master")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Order is a single repair request.
//
// MasterID and MasterName are zero until the order is claimed;
// CompletedAt is zero until it is completed. Every other field is
// immutable after creation.
type Order struct {
	ID            int64
	RequesterID   int64
	RequesterName string
	Category      category.Key
	Description   string
	Contacts      string
	Status        Status
	MasterID      int64
	MasterName    string
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// NewOrder carries the fields collected by the intake flow.
type NewOrder struct {
	RequesterID   int64
	RequesterName string
	Category      category.Key
	Description   string
	Contacts      string
}

// Stats are aggregate order counts for the master panel.
type Stats struct {
	Total      int
	New        int
	InProgress int
	Completed  int
}

// MasterTally is the number of completed orders per master, used by
// the finance report.
type MasterTally struct {
	MasterID   int64
	MasterName string
	Completed  int
}
