package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenPostgres opens a gorm connection and verifies it
func OpenPostgres(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type processedEventModel struct {
	Namespace string    `gorm:"column:namespace;primaryKey"`
	EventID   string    `gorm:"column:event_id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (processedEventModel) TableName() string { return "processed_events" }

// PostgresStore keeps markers in the processed_events table
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore creates a store on db
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the processed_events table
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&processedEventModel{})
}

// Seen implements Store
func (s *PostgresStore) Seen(ctx context.Context, namespace, key string) (bool, error) {
	var rec processedEventModel
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND event_id = ?", namespace, key).
		Take(&rec).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// MarkSeen implements Store
func (s *PostgresStore) MarkSeen(ctx context.Context, namespace, key string) error {
	_, err := s.TryMark(ctx, namespace, key)
	return err
}

// TryMark implements Store with INSERT ... ON CONFLICT DO NOTHING
func (s *PostgresStore) TryMark(ctx context.Context, namespace, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	rec := processedEventModel{Namespace: namespace, EventID: key, CreatedAt: time.Now().UTC()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Unmark implements Store
func (s *PostgresStore) Unmark(ctx context.Context, namespace, key string) error {
	return s.db.WithContext(ctx).
		Where("namespace = ? AND event_id = ?", namespace, key).
		Delete(&processedEventModel{}).Error
}
