package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-production-queue/internal/events"
)

// Metric names reported by the Manager.
const (
	MetricEntriesAdded    = "EntriesAdded"
	MetricStatusChanges   = "StatusChanges"
	MetricEntriesMoved    = "EntriesMoved"
	MetricEntriesRemoved  = "EntriesRemoved"
	MetricPublishFailures = "EventPublishFailures"
)

// Notes written by the convenience transitions.
const (
	NoteProductionStarted   = "Production started"
	NoteProductionCompleted = "Production completed"
	NoteProductionCancelled = "Production cancelled"
)

// Manager implements the production queue operations. It keeps no state of
// its own: every read goes to the repository and every mutation is persisted
// before its event is published.
type Manager struct {
	repo      Repository
	publisher events.Publisher
	metrics   Metrics
	log       logrus.FieldLogger
	nowFunc   func() time.Time
}

// NewManager wires a Manager. metrics and log may be nil.
func NewManager(repo Repository, publisher events.Publisher, metrics Metrics, log logrus.FieldLogger) *Manager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		repo:      repo,
		publisher: publisher,
		metrics:   metrics,
		log:       log.WithField("component", "queue"),
		nowFunc:   time.Now,
	}
}

func (m *Manager) now() time.Time { return m.nowFunc().UTC() }

// GetQueue returns every entry ascending by position.
func (m *Manager) GetQueue(ctx context.Context) ([]Entry, error) {
	entries, err := m.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return entries, nil
}

// GetActiveQueue returns queued and in-progress entries ascending by position.
func (m *Manager) GetActiveQueue(ctx context.Context) ([]Entry, error) {
	entries, err := m.repo.List(ctx, ActiveStatuses...)
	if err != nil {
		return nil, fmt.Errorf("list active queue: %w", err)
	}
	return entries, nil
}

// GetByOrderID returns ErrNotFound when the order is not queued.
func (m *Manager) GetByOrderID(ctx context.Context, orderID string) (*Entry, error) {
	e, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return e, nil
}

// GetPosition returns -1 when the order is not queued.
func (m *Manager) GetPosition(ctx context.Context, orderID string) (int, error) {
	e, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("get entry: %w", err)
	}
	if e == nil {
		return -1, nil
	}
	return e.Position, nil
}

// AddToQueue queues an order behind every active entry.
func (m *Manager) AddToQueue(ctx context.Context, orderID, customerName string, items []Item) (*Entry, error) {
	snapshot := make([]Item, len(items))
	copy(snapshot, items)

	e := &Entry{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		CustomerName: customerName,
		Status:       StatusQueued,
		Items:        snapshot,
		CreatedAt:    m.now(),
	}
	if err := m.repo.Enqueue(ctx, e); err != nil {
		return nil, fmt.Errorf("enqueue order %s: %w", orderID, err)
	}
	m.metrics.Incr(ctx, MetricEntriesAdded)
	m.log.WithFields(logrus.Fields{"order_id": orderID, "position": e.Position}).Info("order added to queue")

	m.publish(ctx, events.TopicAddedToQueue, events.OrderAddedToQueue{
		Envelope: events.NewEnvelope("OrderAddedToQueue", m.now()),
		OrderID:  orderID,
		Position: e.Position,
	})
	return e, nil
}

// UpdateStatus assigns any status. Entering IN_PROGRESS or COMPLETED stamps
// the matching timestamp the first time. notes always replaces the stored notes.
func (m *Manager) UpdateStatus(ctx context.Context, orderID string, status Status, notes *string) (*Entry, error) {
	previous, e, err := m.repo.UpdateStatus(ctx, orderID, status, notes, m.now())
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	log := m.log.WithFields(logrus.Fields{"order_id": orderID, "from": previous, "to": status})
	if previous == status {
		return e, nil
	}
	if !IsCanonicalTransition(previous, status) {
		log.Warn("non-canonical status transition")
	}

	m.metrics.Incr(ctx, MetricStatusChanges)
	log.Info("queue status updated")
	m.publish(ctx, events.TopicStatusUpdated, events.OrderStatusUpdated{
		Envelope:            events.NewEnvelope("OrderStatusUpdated", m.now()),
		OrderID:             orderID,
		PreviousStatus:      previous.String(),
		NewStatus:           status.String(),
		PreviousOrderStatus: previous.OrderStatus(),
		NewOrderStatus:      status.OrderStatus(),
		Notes:               notes,
	})
	return e, nil
}

func (m *Manager) StartProduction(ctx context.Context, orderID string) (*Entry, error) {
	return m.UpdateStatus(ctx, orderID, StatusInProgress, strPtr(NoteProductionStarted))
}

func (m *Manager) CompleteProduction(ctx context.Context, orderID string) (*Entry, error) {
	return m.UpdateStatus(ctx, orderID, StatusCompleted, strPtr(NoteProductionCompleted))
}

func (m *Manager) CancelProduction(ctx context.Context, orderID string) (*Entry, error) {
	return m.UpdateStatus(ctx, orderID, StatusCancelled, strPtr(NoteProductionCancelled))
}

// MoveQueueItem sets the entry's position as given. Collisions with other
// entries and non-positive positions are accepted.
func (m *Manager) MoveQueueItem(ctx context.Context, orderID string, newPosition int) (*Entry, error) {
	e, err := m.repo.SetPosition(ctx, orderID, newPosition)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("set position: %w", err)
	}

	m.metrics.Incr(ctx, MetricEntriesMoved)
	m.log.WithFields(logrus.Fields{"order_id": orderID, "position": newPosition}).Info("queue entry moved")
	m.publish(ctx, events.TopicOrderChanged, events.QueueOrderChanged{
		Envelope:    events.NewEnvelope("QueueOrderChanged", m.now()),
		OrderID:     orderID,
		NewPosition: newPosition,
	})
	return e, nil
}

// RemoveFromQueue deletes the order's entry and reports whether one existed.
func (m *Manager) RemoveFromQueue(ctx context.Context, orderID string) (bool, error) {
	deleted, err := m.repo.Delete(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	if !deleted {
		return false, nil
	}

	m.metrics.Incr(ctx, MetricEntriesRemoved)
	m.log.WithField("order_id", orderID).Info("order removed from queue")
	m.publish(ctx, events.TopicRemoved, events.OrderRemovedFromQueue{
		Envelope: events.NewEnvelope("OrderRemovedFromQueue", m.now()),
		OrderID:  orderID,
	})
	return true, nil
}

// publish never fails the caller: the mutation is already committed.
func (m *Manager) publish(ctx context.Context, topic string, evt interface{}) {
	log := m.log.WithField("topic", topic)
	if m.publisher == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.WithError(err).Error("cannot marshal event")
		m.metrics.Incr(ctx, MetricPublishFailures)
		return
	}
	if err := m.publisher.Publish(ctx, topic, body); err != nil {
		log.WithError(err).Warn("event publish failed")
		m.metrics.Incr(ctx, MetricPublishFailures)
		return
	}
	log.Debug("event published")
}

func strPtr(s string) *string { return &s }

type noopMetrics struct{}

func (noopMetrics) Incr(context.Context, string) {}
