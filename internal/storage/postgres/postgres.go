// Package postgres keeps records in a PostgreSQL table through gorm, so
// several hosts can share one queue record.
package postgres

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sitesync/pkg/exception"
)

type record struct {
	Key       string `gorm:"primaryKey;size:255"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// Store is a PostgreSQL-backed storage.
type Store struct {
	opt Option
	db  *gorm.DB
}

// New connects and migrates the record table.
func New(opt Option) (*Store, error) {
	config := opt.Config
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(opt.dsn()), config)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Table(opt.table()).AutoMigrate(&record{}); err != nil {
		return nil, errors.Wrap(err, "migrate record table").With("table", opt.table())
	}
	return &Store{opt: opt, db: db}, nil
}

func (s *Store) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.opt.table())
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var rec record
	err := s.table(ctx).Where("key = ?", key).Take(&rec).Error
	if exception.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrStorageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select record").With("key", key)
	}
	return rec.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s.opt.MaxBytes > 0 && len(value) > s.opt.MaxBytes {
		return exception.ErrStorageQuotaExceeded
	}
	rec := record{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.table(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return errors.Wrap(err, "upsert record").With("key", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.table(ctx).Where("key = ?", key).Delete(&record{}).Error; err != nil {
		return errors.Wrap(err, "delete record").With("key", key)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
