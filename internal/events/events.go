package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topics published by the production queue.
const (
	TopicAddedToQueue  = "production.queue.added"
	TopicStatusUpdated = "production.queue.status.updated"
	TopicOrderChanged  = "production.queue.order.changed"
	TopicRemoved       = "production.queue.removed"
)

// Topics consumed from the order service.
const (
	TopicOrderAccepted  = "order.accepted"
	TopicOrderCancelled = "order.cancelled"
)

// Publisher sends a serialized event to a topic on the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg []byte) error
}

// HandlerFunc processes one message body received from a topic.
type HandlerFunc func(ctx context.Context, msg []byte) error

// Subscriber delivers messages published to a topic to a handler until closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
}

// Envelope carries the fields shared by every message on the bus.
type Envelope struct {
	ID          string    `json:"id"`
	MessageType string    `json:"message_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEnvelope stamps a fresh message id.
func NewEnvelope(messageType string, now time.Time) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		MessageType: messageType,
		Timestamp:   now.UTC(),
	}
}

type OrderAddedToQueue struct {
	Envelope
	OrderID  string `json:"order_id"`
	Position int    `json:"position"`
}

// OrderStatusUpdated reports a queue status change. The order-level fields
// translate queue states for consumers that only know order states.
type OrderStatusUpdated struct {
	Envelope
	OrderID             string  `json:"order_id"`
	PreviousStatus      string  `json:"previous_status"`
	NewStatus           string  `json:"new_status"`
	PreviousOrderStatus string  `json:"previous_order_status"`
	NewOrderStatus      string  `json:"new_order_status"`
	Notes               *string `json:"notes"`
}

type QueueOrderChanged struct {
	Envelope
	OrderID     string `json:"order_id"`
	NewPosition int    `json:"new_position"`
}

type OrderRemovedFromQueue struct {
	Envelope
	OrderID string `json:"order_id"`
}

// OrderItem is the line item shape sent by the order service.
type OrderItem struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// OrderAccepted is published by the order service once an order is accepted.
type OrderAccepted struct {
	Envelope
	OrderID      string      `json:"order_id"`
	CustomerName string      `json:"customer_name"`
	Items        []OrderItem `json:"items"`
}

type OrderCancelled struct {
	Envelope
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}
