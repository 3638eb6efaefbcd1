package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event to the Kafka topic of the same name, keyed
// by order id so that one order's events stay on one partition.
type KafkaPublisher struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, msg []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(orderKey(msg)),
		Value: msg,
		Time:  p.now(),
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func orderKey(msg []byte) string {
	var keyed struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(msg, &keyed); err != nil {
		return ""
	}
	return keyed.OrderID
}

// KafkaSubscriber runs one consumer-group reader per subscribed topic.
// Offsets are committed only after the handler succeeds.
type KafkaSubscriber struct {
	brokers   []string
	groupID   string
	log       logrus.FieldLogger
	newReader func(topic string) messageReader

	mu      sync.Mutex
	readers []messageReader
	wg      sync.WaitGroup
}

func NewKafkaSubscriber(brokers []string, groupID string, log logrus.FieldLogger) *KafkaSubscriber {
	s := &KafkaSubscriber{brokers: brokers, groupID: groupID, log: log}
	s.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  s.brokers,
			GroupID:  s.groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return s
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	r := s.newReader(topic)
	s.mu.Lock()
	s.readers = append(s.readers, r)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ctx, topic, r, handler)
	}()
	return nil
}

func (s *KafkaSubscriber) consume(ctx context.Context, topic string, r messageReader, handler HandlerFunc) {
	log := s.log.WithField("topic", topic)
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			log.WithError(err).Warn("kafka fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handler(ctx, m.Value); err != nil {
			log.WithError(err).WithField("offset", m.Offset).Error("message handling failed")
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.WithError(err).WithField("offset", m.Offset).Warn("kafka commit failed")
		}
	}
}

// Close stops every reader and waits for the consume loops to return.
func (s *KafkaSubscriber) Close() error {
	s.mu.Lock()
	readers := s.readers
	s.readers = nil
	s.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
