package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormCommandLogRepository struct {
	db *gorm.DB
}

// NewCommandLogRepository returns a CommandLogRepository backed by the
// provided *gorm.DB.
func NewCommandLogRepository(gdb *gorm.DB) CommandLogRepository {
	return &gormCommandLogRepository{db: gdb}
}

func (r *gormCommandLogRepository) Insert(ctx context.Context, entry *db.CommandLogEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("command_log: insert: %w", err)
	}
	return nil
}

func (r *gormCommandLogRepository) Update(ctx context.Context, id uuid.UUID, status, resultMessage string, completedAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.CommandLogEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"result_message": resultMessage,
			"completed_at":   completedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("command_log: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandLogRepository) Get(ctx context.Context, id uuid.UUID) (*db.CommandLogEntry, error) {
	var entry db.CommandLogEntry
	if err := r.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		return nil, translate("command_log: get", err)
	}
	return &entry, nil
}

func (r *gormCommandLogRepository) ListByServer(ctx context.Context, serverID uuid.UUID, opts ListOptions) ([]db.CommandLogEntry, int64, error) {
	var entries []db.CommandLogEntry
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.CommandLogEntry{}).
		Where("server_id = ?", serverID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("command_log: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("command_log: list: %w", err)
	}
	return entries, total, nil
}
