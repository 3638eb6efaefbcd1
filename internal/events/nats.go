package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const natsClientName = "production-queue"

type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name(natsClientName), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, topic string, msg []byte) error {
	if err := p.conn.Publish(topic, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSSubscriber joins a queue group so that each message reaches one
// instance of the worker.
type NATSSubscriber struct {
	conn  *nats.Conn
	group string
	log   logrus.FieldLogger
}

func NewNATSSubscriber(url, group string, log logrus.FieldLogger) (*NATSSubscriber, error) {
	conn, err := nats.Connect(url, nats.Name(natsClientName), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSubscriber{conn: conn, group: group, log: log}, nil
}

func (s *NATSSubscriber) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	_, err := s.conn.QueueSubscribe(topic, s.group, s.msgHandler(ctx, topic, handler))
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	return nil
}

func (s *NATSSubscriber) msgHandler(ctx context.Context, topic string, handler HandlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := handler(ctx, msg.Data); err != nil {
			s.log.WithError(err).WithField("topic", topic).Error("message handling failed")
		}
	}
}

// Close drains pending messages before closing the connection.
func (s *NATSSubscriber) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
