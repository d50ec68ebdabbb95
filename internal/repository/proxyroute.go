package repository

import (
	"context"
	"fmt"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormProxyRouteRepository struct {
	db *gorm.DB
}

// NewProxyRouteRepository returns a ProxyRouteRepository backed by the
// provided *gorm.DB.
func NewProxyRouteRepository(gdb *gorm.DB) ProxyRouteRepository {
	return &gormProxyRouteRepository{db: gdb}
}

func (r *gormProxyRouteRepository) GetByDeployment(ctx context.Context, deploymentID uuid.UUID) (*db.ProxyRoute, error) {
	var route db.ProxyRoute
	err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		First(&route).Error
	if err != nil {
		return nil, translate("proxy_routes: get by deployment", err)
	}
	return &route, nil
}

func (r *gormProxyRouteRepository) SetActive(ctx context.Context, deploymentID uuid.UUID, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.ProxyRoute{}).
		Where("deployment_id = ?", deploymentID).
		Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("proxy_routes: set active: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
