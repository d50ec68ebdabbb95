package repository

import (
	"context"
	"fmt"

	"github.com/arkeep-io/orchestrator/internal/db"
	"gorm.io/gorm"
)

type gormAppManifestRepository struct {
	db *gorm.DB
}

// NewAppManifestRepository returns an AppManifestRepository backed by the
// provided *gorm.DB.
func NewAppManifestRepository(gdb *gorm.DB) AppManifestRepository {
	return &gormAppManifestRepository{db: gdb}
}

// Get returns the manifest row for appName, or a zero-value manifest (no
// error) when the app has never had a manifest ingested — the caller treats
// a missing or empty LoggingServiceName as "fall back to appName" (§4.4
// step 3), which is not itself an error condition.
func (r *gormAppManifestRepository) Get(ctx context.Context, appName string) (*db.AppManifest, error) {
	var m db.AppManifest
	err := r.db.WithContext(ctx).First(&m, "app_name = ?", appName).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &db.AppManifest{AppName: appName}, nil
		}
		return nil, fmt.Errorf("app_manifests: get: %w", err)
	}
	return &m, nil
}
