package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormServerRepository struct {
	db *gorm.DB
}

// NewServerRepository returns a ServerRepository backed by the provided *gorm.DB.
func NewServerRepository(gdb *gorm.DB) ServerRepository {
	return &gormServerRepository{db: gdb}
}

func (r *gormServerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Server, error) {
	var s db.Server
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, translate("servers: get by id", err)
	}
	return &s, nil
}

func (r *gormServerRepository) UpdateStatus(ctx context.Context, id uuid.UUID, agentStatus string, lastSeen time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Server{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"agent_status": agentStatus,
			"last_seen_at": lastSeen,
		})
	if result.Error != nil {
		return fmt.Errorf("servers: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormServerRepository) UpdateMetrics(ctx context.Context, id uuid.UUID, metricsJSON, networkInfoJSON string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Server{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"metrics":      metricsJSON,
			"network_info": networkInfoJSON,
		})
	if result.Error != nil {
		return fmt.Errorf("servers: update metrics: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormServerRepository) List(ctx context.Context, opts ListOptions) ([]db.Server, int64, error) {
	var servers []db.Server
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Server{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("servers: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&servers).Error; err != nil {
		return nil, 0, fmt.Errorf("servers: list: %w", err)
	}
	return servers, total, nil
}
