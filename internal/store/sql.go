// internal/store/sql.go
package store

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
	"gorm.io/gorm"
)

// KVEntry is one persisted key.
type KVEntry struct {
	Namespace string    `gorm:"primaryKey;size:32"`
	Key       string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides for GORM
func (KVEntry) TableName() string { return "kv_entries" }

// SQLBackend keeps namespaces in a single table; each commit is one
// transaction.
type SQLBackend struct {
	db *gorm.DB
}

// NewSQLBackend wraps an open GORM handle.
func NewSQLBackend(db *gorm.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Migrate creates or updates the kv_entries table.
func (s *SQLBackend) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&KVEntry{})
}

func (s *SQLBackend) Open(ctx context.Context) error {
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLBackend) Load(ctx context.Context, namespace string) (map[string]string, error) {
	var entries []KVEntry
	if err := s.db.WithContext(ctx).Where("namespace = ?", namespace).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}

	values := make(map[string]string, len(entries))
	for _, e := range entries {
		values[e.Key] = e.Value
	}
	return values, nil
}

func (s *SQLBackend) Commit(ctx context.Context, changes Changes) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for ns, values := range changes {
			if err := tx.Where("namespace = ?", ns).Delete(&KVEntry{}).Error; err != nil {
				return err
			}
			if len(values) == 0 {
				continue
			}
			entries := make([]KVEntry, 0, len(values))
			for k, v := range values {
				entries = append(entries, KVEntry{Namespace: ns, Key: k, Value: v})
			}
			if err := tx.Create(&entries).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLBackend) Erase(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&KVEntry{}).Error; err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLBackend) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
