package repository

import (
	"context"
	"fmt"
	"time"

	"codecollab/internal/models"

	"gorm.io/gorm"
)

// CollaboratorRepositoryImpl handles document membership rows
type CollaboratorRepositoryImpl struct {
	db *gorm.DB
}

// NewCollaboratorRepository creates a new collaborator repository
func NewCollaboratorRepository(db *gorm.DB) *CollaboratorRepositoryImpl {
	return &CollaboratorRepositoryImpl{db: db}
}

// ListCollaborators returns every member of the document, oldest first.
func (r *CollaboratorRepositoryImpl) ListCollaborators(ctx context.Context, documentID string) ([]models.Collaborator, error) {
	var collaborators []models.Collaborator

	err := r.db.WithContext(ctx).
		Where("code_id = ?", documentID).
		Order("created_at ASC").
		Find(&collaborators).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}

	return collaborators, nil
}

// SetEditingFlag mirrors the lock state onto the membership row. Users without
// a row (anonymous viewers) are ignored.
func (r *CollaboratorRepositoryImpl) SetEditingFlag(ctx context.Context, documentID, userID string, editing bool) error {
	err := r.db.WithContext(ctx).
		Model(&models.Collaborator{}).
		Where("code_id = ? AND user_id = ?", documentID, userID).
		Updates(map[string]any{"is_editing": editing, "last_active": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("failed to set editing flag: %w", err)
	}

	return nil
}
