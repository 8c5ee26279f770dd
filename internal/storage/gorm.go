package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"fauxnetd/internal/operations"
)

// ProgressRow is the archived form of a progress record.
// Queryable columns are duplicated out of Payload, which holds the full JSON snapshot.
type ProgressRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Kind        string `gorm:"size:32;index"`
	Owner       string `gorm:"size:128;index"`
	Status      string `gorm:"size:16;index"`
	Progress    float64
	Error       string
	Version     int64
	StartedAt   time.Time
	UpdatedAt   time.Time  `gorm:"autoUpdateTime:false"`
	CompletedAt *time.Time `gorm:"index"`
	Payload     []byte
}

// TableName pins the table name
func (ProgressRow) TableName() string {
	return "operation_progress"
}

// Open opens (creating if needed) the sqlite database at path
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	return db, nil
}

// GormArchive implements operations.Archive using GORM.
type GormArchive struct {
	db *gorm.DB
}

// NewGormArchive creates a new GORM-backed archive.
func NewGormArchive(db *gorm.DB) *GormArchive {
	return &GormArchive{db: db}
}

// Migrate creates the necessary tables.
func (a *GormArchive) Migrate(ctx context.Context) error {
	return a.db.WithContext(ctx).AutoMigrate(&ProgressRow{})
}

// Save inserts or replaces the snapshot for record.ID.
func (a *GormArchive) Save(ctx context.Context, record operations.ProgressRecord) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// Load returns the archived snapshot for id.
func (a *GormArchive) Load(ctx context.Context, id string) (operations.ProgressRecord, error) {
	var row ProgressRow
	err := a.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return operations.ProgressRecord{}, operations.NewNotFoundError(id)
	}
	if err != nil {
		return operations.ProgressRecord{}, err
	}
	return fromRow(row)
}

// Delete removes the snapshot for id.
func (a *GormArchive) Delete(ctx context.Context, id string) error {
	result := a.db.WithContext(ctx).Where("id = ?", id).Delete(&ProgressRow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return operations.NewNotFoundError(id)
	}
	return nil
}

// PurgeBefore deletes terminal snapshots completed before cutoff.
func (a *GormArchive) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := a.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&ProgressRow{})
	return result.RowsAffected, result.Error
}

// MarkInterrupted fails every archived record that never reached a terminal state.
// It runs at startup, when no runner can still own those records.
func (a *GormArchive) MarkInterrupted(ctx context.Context, at time.Time, reason string) (int64, error) {
	var marked int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []ProgressRow
		if err := tx.Where("status IN ?", []string{
			string(operations.StatusStarting),
			string(operations.StatusRunning),
		}).Find(&rows).Error; err != nil {
			return err
		}

		for _, row := range rows {
			rec, err := fromRow(row)
			if err != nil {
				return err
			}
			completed := at
			rec.Status = operations.StatusError
			rec.Error = reason
			rec.Result = nil
			rec.UpdatedAt = at
			rec.CompletedAt = &completed
			rec.Version++
			rec.AddMessage(at, operations.LevelError, reason)

			updated, err := toRow(rec)
			if err != nil {
				return err
			}
			if err := tx.Save(&updated).Error; err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	return marked, err
}

// Count returns the number of archived rows
func (a *GormArchive) Count(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.WithContext(ctx).Model(&ProgressRow{}).Count(&n).Error
	return n, err
}

// Close releases the underlying connection pool
func (a *GormArchive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(record operations.ProgressRecord) (ProgressRow, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return ProgressRow{}, fmt.Errorf("failed to encode operation %s: %w", record.ID, err)
	}
	return ProgressRow{
		ID:          record.ID,
		Kind:        string(record.Kind),
		Owner:       record.Owner,
		Status:      string(record.Status),
		Progress:    record.Progress,
		Error:       record.Error,
		Version:     record.Version,
		StartedAt:   record.StartedAt,
		UpdatedAt:   record.UpdatedAt,
		CompletedAt: record.CompletedAt,
		Payload:     payload,
	}, nil
}

func fromRow(row ProgressRow) (operations.ProgressRecord, error) {
	var rec operations.ProgressRecord
	if err := json.Unmarshal(row.Payload, &rec); err != nil {
		return operations.ProgressRecord{}, fmt.Errorf("failed to decode operation %s: %w", row.ID, err)
	}
	if rec.Messages == nil {
		rec.Messages = []operations.Message{}
	}
	return rec, nil
}
