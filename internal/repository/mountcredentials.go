package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormMountCredentialsRepository struct {
	db *gorm.DB
}

// NewMountCredentialsRepository returns a MountCredentialsRepository backed
// by the provided *gorm.DB.
func NewMountCredentialsRepository(gdb *gorm.DB) MountCredentialsRepository {
	return &gormMountCredentialsRepository{db: gdb}
}

func (r *gormMountCredentialsRepository) Get(ctx context.Context, mountID uuid.UUID) (*db.MountCredentials, error) {
	var creds db.MountCredentials
	err := r.db.WithContext(ctx).First(&creds, "mount_id = ?", mountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mount_credentials: get: %w", err)
	}
	return &creds, nil
}

// Upsert stores or replaces the encrypted blob for mountID. Credentials are
// set once (when a CIFS ServerMount is configured) and read many times, so a
// single upsert on the primary key is sufficient — no separate Create/Update.
func (r *gormMountCredentialsRepository) Upsert(ctx context.Context, mountID uuid.UUID, encryptedBlob []byte) error {
	creds := db.MountCredentials{MountID: mountID, EncryptedBlob: encryptedBlob}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mount_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"encrypted_blob", "updated_at"}),
		}).
		Create(&creds).Error
	if err != nil {
		return fmt.Errorf("mount_credentials: upsert: %w", err)
	}
	return nil
}
