package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/imrishuroy/go-production-queue/internal/queue"
)

// advisoryLockKey serializes position assignment across every instance
// sharing the database.
const advisoryLockKey int64 = 0x70726f64717565

var _ queue.Repository = (*PostgresStore)(nil)

type entryRow struct {
	ID           string       `gorm:"primaryKey;size:36"`
	OrderID      string       `gorm:"uniqueIndex;size:64;not null"`
	CustomerName string       `gorm:"size:100;not null"`
	Position     int          `gorm:"index:idx_queue_status_position,priority:2;not null"`
	Status       string       `gorm:"index:idx_queue_status_position,priority:1;size:20;not null"`
	Items        []queue.Item `gorm:"serializer:json;not null"`
	Notes        *string      `gorm:"size:500"`
	CreatedAt    time.Time    `gorm:"not null"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (entryRow) TableName() string { return "production_queue_entries" }

func (r entryRow) toDomain() queue.Entry {
	return queue.Entry{
		ID:           r.ID,
		OrderID:      r.OrderID,
		CustomerName: r.CustomerName,
		Position:     r.Position,
		Status:       queue.Status(r.Status),
		Items:        r.Items,
		Notes:        r.Notes,
		CreatedAt:    r.CreatedAt.UTC(),
		StartedAt:    utcPtr(r.StartedAt),
		CompletedAt:  utcPtr(r.CompletedAt),
	}
}

func rowFromEntry(e *queue.Entry) entryRow {
	return entryRow{
		ID:           e.ID,
		OrderID:      e.OrderID,
		CustomerName: e.CustomerName,
		Position:     e.Position,
		Status:       e.Status.String(),
		Items:        e.Items,
		Notes:        e.Notes,
		CreatedAt:    e.CreatedAt,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
	}
}

// OpenPostgres connects with duplicate-key errors translated to gorm.ErrDuplicatedKey.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// PostgresStore keeps queue entries in a single Postgres table.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates or updates the entries table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&entryRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Enqueue computes the next position and inserts the entry while holding a
// transaction-scoped advisory lock.
func (s *PostgresStore) Enqueue(ctx context.Context, e *queue.Entry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryLockKey).Error; err != nil {
			return fmt.Errorf("acquire queue lock: %w", err)
		}

		var highest int
		err := tx.Model(&entryRow{}).
			Where("status IN ?", statusStrings(queue.ActiveStatuses)).
			Select("COALESCE(MAX(position), 0)").
			Scan(&highest).Error
		if err != nil {
			return fmt.Errorf("select max position: %w", err)
		}
		e.Position = highest + 1

		row := rowFromEntry(e)
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return queue.ErrAlreadyQueued
			}
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, orderID string) (*queue.Entry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select entry: %w", err)
	}
	e := row.toDomain()
	return &e, nil
}

// UpdateStatus locks the row, applies the status change and writes the
// status, notes and timestamp columns only.
func (s *PostgresStore) UpdateStatus(ctx context.Context, orderID string, status queue.Status, notes *string, now time.Time) (queue.Status, *queue.Entry, error) {
	var (
		previous queue.Status
		updated  queue.Entry
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row entryRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ?", orderID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select entry: %w", err)
		}

		updated = row.toDomain()
		previous = queue.ApplyStatus(&updated, status, notes, now)
		err = tx.Model(&entryRow{}).
			Where("order_id = ?", orderID).
			Updates(map[string]interface{}{
				"status":       updated.Status.String(),
				"notes":        updated.Notes,
				"started_at":   updated.StartedAt,
				"completed_at": updated.CompletedAt,
			}).Error
		if err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return previous, &updated, nil
}

// SetPosition writes the position column only.
func (s *PostgresStore) SetPosition(ctx context.Context, orderID string, position int) (*queue.Entry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&entryRow{}).Where("order_id = ?", orderID).Update("position", position)
		if res.Error != nil {
			return fmt.Errorf("update position: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return queue.ErrNotFound
		}
		return tx.Where("order_id = ?", orderID).First(&row).Error
	})
	if err != nil {
		return nil, err
	}
	e := row.toDomain()
	return &e, nil
}

func (s *PostgresStore) Delete(ctx context.Context, orderID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("order_id = ?", orderID).Delete(&entryRow{})
	if res.Error != nil {
		return false, fmt.Errorf("delete entry: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresStore) List(ctx context.Context, statuses ...queue.Status) ([]queue.Entry, error) {
	q := s.db.WithContext(ctx).Order("position ASC, created_at ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var rows []entryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]queue.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toDomain())
	}
	return entries, nil
}

func statusStrings(statuses []queue.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.String()
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
