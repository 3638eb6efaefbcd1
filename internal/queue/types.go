package queue

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for an order id.
	ErrNotFound = errors.New("queue entry not found")
	// ErrAlreadyQueued is returned when the order already has a queue entry.
	ErrAlreadyQueued = errors.New("order already queued")
	// ErrPositionContention is returned when a position could not be claimed
	// after repeated conflicting adds.
	ErrPositionContention = errors.New("position assignment contention")
	// ErrUpdateConflict is returned when a status update kept losing to
	// concurrent status updates of the same entry.
	ErrUpdateConflict = errors.New("concurrent status update conflict")
)

// Item is a snapshot of an order line taken when the order is queued.
type Item struct {
	ProductID string  `json:"product_id" dynamodbav:"product_id"`
	Name      string  `json:"name" dynamodbav:"name"`
	Quantity  int     `json:"quantity" dynamodbav:"quantity"`
	UnitPrice float64 `json:"unit_price" dynamodbav:"unit_price"`
}

// Entry is a single order waiting in, or moving through, the production queue.
type Entry struct {
	ID           string     `json:"id" dynamodbav:"id"`
	OrderID      string     `json:"order_id" dynamodbav:"order_id"` // PK
	CustomerName string     `json:"customer_name" dynamodbav:"customer_name"`
	Position     int        `json:"position" dynamodbav:"position"`
	Status       Status     `json:"status" dynamodbav:"status"`
	Items        []Item     `json:"items" dynamodbav:"items"`
	Notes        *string    `json:"notes" dynamodbav:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at" dynamodbav:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" dynamodbav:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" dynamodbav:"completed_at,omitempty"`
}

// Repository is the durable store behind the queue. Implementations must make
// Enqueue's position assignment atomic with respect to concurrent Enqueue calls.
type Repository interface {
	// Enqueue sets e.Position to max(active positions)+1 (1 when none) and
	// persists e. Returns ErrAlreadyQueued if an entry exists for e.OrderID.
	Enqueue(ctx context.Context, e *Entry) error
	// Get returns (nil, nil) when the order has no entry.
	Get(ctx context.Context, orderID string) (*Entry, error)
	// UpdateStatus applies ApplyStatus to the stored entry atomically and
	// writes only status, notes and the lifecycle timestamps. It returns the
	// status it replaced and the entry as written. Returns ErrNotFound if absent.
	UpdateStatus(ctx context.Context, orderID string, status Status, notes *string, now time.Time) (Status, *Entry, error)
	// SetPosition writes only the position. Returns ErrNotFound if absent.
	SetPosition(ctx context.Context, orderID string, position int) (*Entry, error)
	// Delete reports whether an entry was removed.
	Delete(ctx context.Context, orderID string) (bool, error)
	// List returns entries ascending by position, optionally restricted to the given statuses.
	List(ctx context.Context, statuses ...Status) ([]Entry, error)
}

// Metrics counts queue activity.
type Metrics interface {
	Incr(ctx context.Context, name string)
}

// NextPosition returns max(position over active entries)+1, or 1 when no entry is active.
// Moved entries may hold non-positive positions, so the maximum can be below zero.
func NextPosition(entries []Entry) int {
	highest, seen := 0, false
	for _, e := range entries {
		if !e.Status.IsActive() {
			continue
		}
		if !seen || e.Position > highest {
			highest, seen = e.Position, true
		}
	}
	if !seen {
		return 1
	}
	return highest + 1
}

// SortByPosition orders entries by position, oldest first on ties.
func SortByPosition(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Position != entries[j].Position {
			return entries[i].Position < entries[j].Position
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
