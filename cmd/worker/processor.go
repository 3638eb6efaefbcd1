package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	qevents "github.com/imrishuroy/go-production-queue/internal/events"
	"github.com/imrishuroy/go-production-queue/internal/idempotency"
	"github.com/imrishuroy/go-production-queue/internal/queue"
)

type queueWriter interface {
	AddToQueue(ctx context.Context, orderID, customerName string, items []queue.Item) (*queue.Entry, error)
	CancelProduction(ctx context.Context, orderID string) (*queue.Entry, error)
}

type ledger interface {
	Begin(ctx context.Context, messageID, topic, orderID string) (bool, error)
	Get(ctx context.Context, messageID string) (*idempotency.MessageRecord, error)
	Retry(ctx context.Context, messageID string) error
	MarkDone(ctx context.Context, messageID, result string) error
	MarkFailed(ctx context.Context, messageID, note string) error
}

// Processor applies Order Service events to the production queue.
type Processor struct {
	queue  queueWriter
	ledger ledger // optional
	log    logrus.FieldLogger
}

// NewProcessor creates a worker processor. l may be nil, in which case
// redeliveries rely on the queue's own duplicate detection only.
func NewProcessor(q queueWriter, l ledger, log logrus.FieldLogger) *Processor {
	return &Processor{queue: q, ledger: l, log: log}
}

// Handle receives an SQS batch and reports the records that failed so that
// only those are retried (and eventually sent to the DLQ).
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.HandleMessage(ctx, sqsTopic(rec), []byte(rec.Body)); err != nil {
			p.log.WithError(err).WithField("sqs_message_id", rec.MessageId).Error("worker error")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

// HandleMessage processes one event. topic may be empty, in which case it is
// derived from the envelope's message type.
func (p *Processor) HandleMessage(ctx context.Context, topic string, body []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if topic == "" {
		topic = messageTypes[msg.MessageType]
	}
	log := p.log.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": msg.ID,
		"order_id":   msg.OrderID,
	})

	if topic != qevents.TopicOrderAccepted && topic != qevents.TopicOrderCancelled {
		log.Debug("ignoring message")
		return nil
	}
	if msg.OrderID == "" {
		return fmt.Errorf("%s message %s has no order_id", topic, msg.ID)
	}

	tracked := p.ledger != nil && msg.ID != ""
	if tracked {
		proceed, err := p.claim(ctx, msg.ID, topic, msg.OrderID)
		if err != nil {
			return err
		}
		if !proceed {
			log.Info("message already processed")
			return nil
		}
	}

	result, err := p.apply(ctx, topic, body)
	if err != nil {
		if tracked {
			if mErr := p.ledger.MarkFailed(ctx, msg.ID, err.Error()); mErr != nil {
				log.WithError(mErr).Warn("failed to mark message failed")
			}
		}
		return err
	}

	if tracked {
		if err := p.ledger.MarkDone(ctx, msg.ID, result); err != nil {
			log.WithError(err).Warn("failed to mark message done")
		}
	}
	log.WithField("result", result).Info("message processed")
	return nil
}

// claim reports whether this delivery should apply the message.
func (p *Processor) claim(ctx context.Context, messageID, topic, orderID string) (bool, error) {
	created, err := p.ledger.Begin(ctx, messageID, topic, orderID)
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	if created {
		return true, nil
	}

	rec, err := p.ledger.Get(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("read message record: %w", err)
	}
	if rec.Done() {
		return false, nil
	}
	// FAILED, or IN_PROGRESS left behind by a delivery that timed out.
	if err := p.ledger.Retry(ctx, messageID); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyDone) {
			return false, nil
		}
		return false, fmt.Errorf("retry message: %w", err)
	}
	return true, nil
}

func (p *Processor) apply(ctx context.Context, topic string, body []byte) (string, error) {
	switch topic {
	case qevents.TopicOrderAccepted:
		var evt qevents.OrderAccepted
		if err := json.Unmarshal(body, &evt); err != nil {
			return "", fmt.Errorf("invalid order.accepted body: %w", err)
		}
		e, err := p.queue.AddToQueue(ctx, evt.OrderID, evt.CustomerName, queueItems(evt.Items))
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return "already queued", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("queued at %d", e.Position), nil

	case qevents.TopicOrderCancelled:
		var evt qevents.OrderCancelled
		if err := json.Unmarshal(body, &evt); err != nil {
			return "", fmt.Errorf("invalid order.cancelled body: %w", err)
		}
		_, err := p.queue.CancelProduction(ctx, evt.OrderID)
		if errors.Is(err, queue.ErrNotFound) {
			return "not queued", nil
		}
		if err != nil {
			return "", err
		}
		return "cancelled", nil
	}
	return "", fmt.Errorf("unsupported topic %q", topic)
}

func queueItems(items []qevents.OrderItem) []queue.Item {
	out := make([]queue.Item, 0, len(items))
	for _, it := range items {
		out = append(out, queue.Item{
			ProductID: it.ProductID,
			Name:      it.ProductName,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return out
}
