package repository

import (
	"context"

	"codecollab/internal/models"

	"gorm.io/gorm"
)

// Store is the persistence collaborator as seen by the wrappers in this package.
type Store interface {
	LoadLatestVersion(ctx context.Context, documentID string) (*models.CodeVersion, error)
	AppendEdit(ctx context.Context, documentID, authorID, content string) (int64, error)
	ListCollaborators(ctx context.Context, documentID string) ([]models.Collaborator, error)
	SetEditingFlag(ctx context.Context, documentID, userID string, editing bool) error
}

// GormStore combines the gorm repositories into one persistence collaborator.
type GormStore struct {
	*VersionRepositoryImpl
	*CollaboratorRepositoryImpl
}

// NewGormStore creates a store backed by db
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		VersionRepositoryImpl:      NewVersionRepository(db),
		CollaboratorRepositoryImpl: NewCollaboratorRepository(db),
	}
}
