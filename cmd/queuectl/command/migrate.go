package command

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/imrishuroy/go-production-queue/internal/config"
	"github.com/imrishuroy/go-production-queue/internal/store"
)

// MigrateCommand creates the Postgres entries table.
type MigrateCommand struct {
	Logger logrus.FieldLogger
	// Open defaults to store.OpenPostgres.
	Open func(dsn string) (*gorm.DB, error)
}

func (cmd MigrateCommand) Command(ctx context.Context, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the postgres queue schema",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.main(ctx, cfg)
		},
	}
}

func (cmd MigrateCommand) main(ctx context.Context, cfg config.Config) error {
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("migrate needs STORE_DRIVER=%s, got %q", config.StorePostgres, cfg.StoreDriver)
	}
	open := cmd.Open
	if open == nil {
		open = store.OpenPostgres
	}
	db, err := open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	defer sqlDB.Close()

	if err := store.NewPostgresStore(db).Migrate(ctx); err != nil {
		return err
	}
	cmd.Logger.Info("postgres schema up to date")
	return nil
}
