package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-production-queue/internal/bootstrap"
	"github.com/imrishuroy/go-production-queue/internal/config"
	qevents "github.com/imrishuroy/go-production-queue/internal/events"
	"github.com/imrishuroy/go-production-queue/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log, err := logging.New("worker", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatal(err)
	}

	svc, err := bootstrap.New(ctx, cfg, "worker", log)
	if err != nil {
		log.WithError(err).Fatal("failed to init services")
	}
	defer svc.Close()

	var l ledger
	if store := svc.Ledger(); store != nil {
		l = store
	}
	p := NewProcessor(svc.Queue, l, log)

	switch cfg.EventBus {
	case config.BusSQS:
		if cfg.RunLocal {
			runLocalSQS(ctx, p, log)
			return
		}
		lambda.Start(func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
			defer svc.FlushMetrics(ctx)
			return p.Handle(ctx, ev)
		})
	case config.BusNATS:
		sub, err := qevents.NewNATSSubscriber(cfg.NATSURL, cfg.ConsumerGroup, log)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		if err := consume(ctx, sub, p, log); err != nil {
			log.WithError(err).Fatal("nats consumer stopped")
		}
	case config.BusKafka:
		sub := qevents.NewKafkaSubscriber(cfg.Brokers(), cfg.ConsumerGroup, log)
		if err := consume(ctx, sub, p, log); err != nil {
			log.WithError(err).Fatal("kafka consumer stopped")
		}
	default:
		log.Fatalf("worker cannot consume from event bus %q", cfg.EventBus)
	}
}

// consume subscribes to the Order Service topics and blocks until ctx is done.
func consume(ctx context.Context, sub qevents.Subscriber, p *Processor, log logrus.FieldLogger) error {
	for _, topic := range []string{qevents.TopicOrderAccepted, qevents.TopicOrderCancelled} {
		topic := topic
		err := sub.Subscribe(ctx, topic, func(ctx context.Context, msg []byte) error {
			return p.HandleMessage(ctx, topic, msg)
		})
		if err != nil {
			sub.Close()
			return err
		}
		log.WithField("topic", topic).Info("subscribed")
	}

	<-ctx.Done()
	log.Info("shutting down consumer")
	return sub.Close()
}

// runLocalSQS simulates a single SQS delivery from LOCAL_SQS_BODY.
func runLocalSQS(ctx context.Context, p *Processor, log logrus.FieldLogger) {
	body := os.Getenv("LOCAL_SQS_BODY")
	if body == "" {
		body = `{"id":"local-msg-1","message_type":"OrderAccepted","order_id":"6b1f0a3c-5d2e-4f7a-9c8b-1e2d3f4a5b6c","customer_name":"Local","items":[{"product_id":"p-1","product_name":"Test","quantity":1,"unit_price":1}]}`
	}
	resp, err := p.Handle(ctx, events.SQSEvent{
		Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
	})
	if err != nil || len(resp.BatchItemFailures) > 0 {
		log.WithError(err).Fatal("local handler error")
	}
}
