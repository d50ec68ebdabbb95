package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormMountRepository struct {
	db *gorm.DB
}

// NewMountRepository returns a MountRepository backed by the provided *gorm.DB.
func NewMountRepository(gdb *gorm.DB) MountRepository {
	return &gormMountRepository{db: gdb}
}

func (r *gormMountRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Mount, error) {
	var m db.Mount
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate("mounts: get by id", err)
	}
	return &m, nil
}

func (r *gormMountRepository) ListAutoForServer(ctx context.Context, serverID uuid.UUID) ([]db.ServerMount, error) {
	var mounts []db.ServerMount
	err := r.db.WithContext(ctx).
		Where("server_id = ? AND auto_mount = ?", serverID, true).
		Order("created_at ASC").
		Find(&mounts).Error
	if err != nil {
		return nil, fmt.Errorf("mounts: list auto for server: %w", err)
	}
	return mounts, nil
}

func (r *gormMountRepository) SetStatus(ctx context.Context, serverMountID uuid.UUID, status, message string, usageBytes, totalBytes *int64) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&db.ServerMount{}).
		Where("id = ?", serverMountID).
		Updates(map[string]interface{}{
			"status":         status,
			"status_message": message,
			"usage_bytes":    usageBytes,
			"total_bytes":    totalBytes,
			"last_checked":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("mounts: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
