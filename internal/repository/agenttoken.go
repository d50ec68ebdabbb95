package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormAgentTokenRepository struct {
	db *gorm.DB
}

// NewAgentTokenRepository returns an AgentTokenRepository backed by the
// provided *gorm.DB.
func NewAgentTokenRepository(gdb *gorm.DB) AgentTokenRepository {
	return &gormAgentTokenRepository{db: gdb}
}

// FindByServerAndHash looks up a non-expired token by its server and hash.
// Expiry filtering happens here rather than in the authenticator so a single
// indexed query does the work.
func (r *gormAgentTokenRepository) FindByServerAndHash(ctx context.Context, serverID uuid.UUID, tokenHash string) (*db.AgentToken, error) {
	var tok db.AgentToken
	err := r.db.WithContext(ctx).
		Where("server_id = ? AND token_hash = ?", serverID, tokenHash).
		Where("expires_at IS NULL OR expires_at > ?", time.Now()).
		First(&tok).Error
	if err != nil {
		return nil, translate("agent_tokens: find by server and hash", err)
	}
	return &tok, nil
}

func (r *gormAgentTokenRepository) Touch(ctx context.Context, tokenID uuid.UUID, usedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("id = ?", tokenID).
		Update("last_used_at", usedAt)
	if result.Error != nil {
		return fmt.Errorf("agent_tokens: touch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
