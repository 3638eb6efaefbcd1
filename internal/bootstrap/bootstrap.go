package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-production-queue/internal/aws"
	"github.com/imrishuroy/go-production-queue/internal/config"
	"github.com/imrishuroy/go-production-queue/internal/events"
	"github.com/imrishuroy/go-production-queue/internal/idempotency"
	"github.com/imrishuroy/go-production-queue/internal/metrics"
	"github.com/imrishuroy/go-production-queue/internal/queue"
	"github.com/imrishuroy/go-production-queue/internal/store"
)

// Services holds everything a binary needs to run queue operations.
type Services struct {
	Queue   *queue.Manager
	Clients *aws.Clients

	ledger  *idempotency.Store
	metrics *metrics.CloudWatch
	closers []func() error
}

// New wires the store, event bus and metrics selected by cfg into a queue Manager.
// service names the binary in logs and metric dimensions.
func New(ctx context.Context, cfg config.Config, service string, log logrus.FieldLogger) (*Services, error) {
	clients, err := aws.NewClients(ctx, aws.Options{
		Region:           cfg.AWSRegion,
		EndpointOverride: cfg.AWSEndpointOverride,
	}, awsNeeds(cfg))
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	s := &Services{Clients: clients}

	repo, err := s.repository(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	publisher, err := s.publisher(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	var m queue.Metrics
	if cfg.MetricsNamespace != "" {
		s.metrics = metrics.NewCloudWatch(clients.CloudWatch, cfg.MetricsNamespace, service, log)
		s.metrics.Start(cfg.MetricsFlushInterval)
		s.closers = append(s.closers, s.metrics.Close)
		m = s.metrics
	}
	if cfg.ProcessedMessagesTable != "" {
		s.ledger = idempotency.NewStore(clients.DynamoDB, cfg.ProcessedMessagesTable, cfg.ProcessedMessagesTTL)
	}

	s.Queue = queue.NewManager(repo, publisher, m, log)
	log.WithFields(logrus.Fields{
		"store":     cfg.StoreDriver,
		"event_bus": cfg.EventBus,
		"metrics":   cfg.MetricsNamespace != "",
	}).Info("queue services ready")
	return s, nil
}

func awsNeeds(cfg config.Config) aws.Need {
	return aws.Need{
		DynamoDB:   cfg.StoreDriver == config.StoreDynamoDB || cfg.ProcessedMessagesTable != "",
		SQS:        cfg.EventBus == config.BusSQS,
		CloudWatch: cfg.MetricsNamespace != "",
	}
}

// FlushMetrics sends buffered metric counts now. Lambda handlers call it
// before returning since the runtime may freeze between invocations.
func (s *Services) FlushMetrics(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.Flush(ctx)
	}
}

// Ledger returns the processed-message ledger, or nil when none is configured.
func (s *Services) Ledger() *idempotency.Store {
	return s.ledger
}

func (s *Services) repository(ctx context.Context, cfg config.Config) (queue.Repository, error) {
	switch cfg.StoreDriver {
	case config.StoreDynamoDB:
		return store.NewDynamoStore(s.Clients.DynamoDB, cfg.QueueTable, cfg.QueueMetaTable), nil
	case config.StorePostgres:
		db, err := store.OpenPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			s.closers = append(s.closers, sqlDB.Close)
		}
		pg := store.NewPostgresStore(db)
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func (s *Services) publisher(cfg config.Config) (events.Publisher, error) {
	switch cfg.EventBus {
	case config.BusSQS:
		return aws.NewPublisher(s.Clients.SQS, cfg.EventsQueueURL), nil
	case config.BusNATS:
		p, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, p.Close)
		return p, nil
	case config.BusKafka:
		p := events.NewKafkaPublisher(cfg.Brokers())
		s.closers = append(s.closers, p.Close)
		return p, nil
	case config.BusNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event bus %q", cfg.EventBus)
	}
}

// Close releases connections in reverse order of creation.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
