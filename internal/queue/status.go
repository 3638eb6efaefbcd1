package queue

import (
	"fmt"
	"strings"
	"time"
)

// Status is the preparation state of a queue entry.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusQueued, StatusInProgress, StatusCompleted, StatusCancelled}

// ActiveStatuses are the statuses whose entries compete for positions.
var ActiveStatuses = []Status{StatusQueued, StatusInProgress}

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(s string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == candidate {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown queue status %q", s)
}

func (s Status) String() string { return string(s) }

func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusInProgress
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// OrderStatus maps a queue status to the order lifecycle status other
// services understand.
func (s Status) OrderStatus() string {
	switch s {
	case StatusQueued:
		return "ACCEPTED"
	case StatusInProgress:
		return "IN_PRODUCTION"
	case StatusCompleted:
		return "READY_FOR_DELIVERY"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "PENDING"
	}
}

// stamp names the timestamp a transition sets.
type stamp int

const (
	stampNone stamp = iota
	stampStarted
	stampCompleted
)

// canonical holds the transitions the kitchen flow is designed around.
// The generic status update does not enforce it.
var canonical = map[Status][]Status{
	StatusQueued:     {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

// IsCanonicalTransition reports whether from -> to is part of the designed flow.
func IsCanonicalTransition(from, to Status) bool {
	for _, next := range canonical[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stampFor depends only on the target status.
func stampFor(_, to Status) stamp {
	switch to {
	case StatusInProgress:
		return stampStarted
	case StatusCompleted:
		return stampCompleted
	default:
		return stampNone
	}
}

// ApplyStatus sets status and notes on e and stamps startedAt or completedAt
// the first time e enters IN_PROGRESS or COMPLETED. It returns the previous status.
func ApplyStatus(e *Entry, status Status, notes *string, now time.Time) Status {
	previous := e.Status
	e.Status = status
	e.Notes = notes
	applyStamp(e, stampFor(previous, status), now)
	return previous
}

// applyStamp sets each timestamp at most once and keeps startedAt <= completedAt.
func applyStamp(e *Entry, s stamp, now time.Time) {
	switch s {
	case stampStarted:
		if e.StartedAt == nil && e.CompletedAt == nil {
			e.StartedAt = &now
		}
	case stampCompleted:
		if e.CompletedAt != nil {
			return
		}
		if e.StartedAt != nil && now.Before(*e.StartedAt) {
			now = *e.StartedAt
		}
		e.CompletedAt = &now
	}
}
