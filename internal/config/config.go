package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"
)

// Event buses.
const (
	BusSQS   = "sqs"
	BusNATS  = "nats"
	BusKafka = "kafka"
	BusNone  = "none"
)

// Config is read once at startup from the environment.
type Config struct {
	RunLocal bool
	HTTPAddr string `validate:"required"`

	LogLevel  string `validate:"required,oneof=trace debug info warn error"`
	LogFormat string `validate:"required,oneof=json text"`

	AWSRegion           string `validate:"required"`
	AWSEndpointOverride string `validate:"omitempty,url"`

	StoreDriver    string `validate:"required,oneof=dynamodb postgres"`
	QueueTable     string `validate:"required_if=StoreDriver dynamodb"`
	QueueMetaTable string `validate:"required_if=StoreDriver dynamodb"`
	DatabaseDSN    string `validate:"required_if=StoreDriver postgres"`
	AutoMigrate    bool

	EventBus       string `validate:"required,oneof=sqs nats kafka none"`
	EventsQueueURL string `validate:"required_if=EventBus sqs"`
	NATSURL        string `validate:"required_if=EventBus nats"`
	KafkaBrokers   string `validate:"required_if=EventBus kafka"`
	ConsumerGroup  string `validate:"required"`

	ProcessedMessagesTable string
	ProcessedMessagesTTL   time.Duration `validate:"gt=0"`

	MetricsNamespace     string
	MetricsFlushInterval time.Duration `validate:"gt=0"`
}

// Brokers splits KafkaBrokers on commas.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Load reads the environment, first merging a .env file when RUN_LOCAL=true.
func Load() (Config, error) {
	runLocal := os.Getenv("RUN_LOCAL") == "true"
	if runLocal {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := Config{
		RunLocal:               runLocal,
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(getEnv("LOG_FORMAT", "json")),
		AWSRegion:              getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointOverride:    os.Getenv("AWS_ENDPOINT_OVERRIDE"),
		StoreDriver:            strings.ToLower(getEnv("STORE_DRIVER", StoreDynamoDB)),
		QueueTable:             os.Getenv("QUEUE_TABLE"),
		QueueMetaTable:         os.Getenv("QUEUE_META_TABLE"),
		DatabaseDSN:            os.Getenv("DATABASE_DSN"),
		EventBus:               strings.ToLower(getEnv("EVENT_BUS", BusSQS)),
		EventsQueueURL:         os.Getenv("EVENTS_QUEUE_URL"),
		NATSURL:                os.Getenv("NATS_URL"),
		KafkaBrokers:           os.Getenv("KAFKA_BROKERS"),
		ConsumerGroup:          getEnv("CONSUMER_GROUP", "production-queue"),
		ProcessedMessagesTable: os.Getenv("PROCESSED_MESSAGES_TABLE"),
		MetricsNamespace:       os.Getenv("METRICS_NAMESPACE"),
	}

	var err error
	if cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", false); err != nil {
		return Config{}, err
	}
	if cfg.ProcessedMessagesTTL, err = getDuration("PROCESSED_MESSAGES_TTL", 48*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.MetricsFlushInterval, err = getDuration("METRICS_FLUSH_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}

	if err := validatorv10.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
