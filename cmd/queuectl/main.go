package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-production-queue/cmd/queuectl/command"
	"github.com/imrishuroy/go-production-queue/internal/bootstrap"
	"github.com/imrishuroy/go-production-queue/internal/config"
	"github.com/imrishuroy/go-production-queue/internal/handlers"
	"github.com/imrishuroy/go-production-queue/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	const description = "Production queue administration"
	root := &cobra.Command{Use: "queuectl", Short: description, SilenceUsage: true}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		logrus.Fatal(err)
	}

	open := func(ctx context.Context) (handlers.QueueService, func() error, error) {
		svc, err := bootstrap.New(ctx, cfg, "queuectl", logger)
		if err != nil {
			return nil, nil, err
		}
		return svc.Queue, svc.Close, nil
	}

	root.AddCommand(command.QueueCommands{Logger: logger, Open: open}.Commands(ctx)...)
	root.AddCommand(command.MigrateCommand{Logger: logger}.Command(ctx, cfg))

	if err := root.Execute(); err != nil {
		logger.WithContext(ctx).Fatalf("failed to execute command: %v", err)
	}
}

// newLogger writes to stderr; stdout carries only command output.
func newLogger(cfg config.Config) (*logrus.Entry, error) {
	return logging.NewWithOutput(os.Stderr, "queuectl", cfg.LogLevel, cfg.LogFormat)
}
