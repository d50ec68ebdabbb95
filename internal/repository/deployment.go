package repository

import (
	"context"
	"fmt"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormDeploymentRepository struct {
	db *gorm.DB
}

// NewDeploymentRepository returns a DeploymentRepository backed by the
// provided *gorm.DB.
func NewDeploymentRepository(gdb *gorm.DB) DeploymentRepository {
	return &gormDeploymentRepository{db: gdb}
}

func (r *gormDeploymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Deployment, error) {
	var d db.Deployment
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate("deployments: get by id", err)
	}
	return &d, nil
}

func (r *gormDeploymentRepository) GetByServerAndApp(ctx context.Context, serverID uuid.UUID, appName string) (*db.Deployment, error) {
	var d db.Deployment
	err := r.db.WithContext(ctx).
		Where("server_id = ? AND app_name = ?", serverID, appName).
		First(&d).Error
	if err != nil {
		return nil, translate("deployments: get by server and app", err)
	}
	return &d, nil
}

// SetStatusIfNotTransient is the transient-state-preservation primitive: the
// WHERE clause excludes rows currently in a transient status so the update
// is a no-op (RowsAffected == 0) when a core-originated transition owns the
// row. This keeps the check-then-set atomic at the database level instead of
// racing a separate read against the deployment mutex.
func (r *gormDeploymentRepository) SetStatusIfNotTransient(ctx context.Context, id uuid.UUID, newStatus string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Deployment{}).
		Where("id = ? AND status NOT IN (?)", id, []string{
			string(db.DeploymentInstalling),
			string(db.DeploymentConfiguring),
			string(db.DeploymentUninstalling),
		}).
		Update("status", newStatus)
	if result.Error != nil {
		return false, fmt.Errorf("deployments: set status if not transient: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *gormDeploymentRepository) SetStatus(ctx context.Context, id uuid.UUID, status, message string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Deployment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"status_message": message,
		})
	if result.Error != nil {
		return fmt.Errorf("deployments: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
