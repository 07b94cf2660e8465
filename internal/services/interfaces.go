package services

import (
	"context"

	"codecollab/internal/models"
)

// Interfaces live with their consumer: this package drives writes to the
// persistence collaborator, so it declares what it needs from a store.

// EditStore is the write side of the persistence collaborator.
type EditStore interface {
	AppendEdit(ctx context.Context, documentID, authorID, content string) (int64, error)
	SetEditingFlag(ctx context.Context, documentID, userID string, editing bool) error
}

// Store is the full persistence collaborator contract consumed by the coordinator.
type Store interface {
	EditStore
	LoadLatestVersion(ctx context.Context, documentID string) (*models.CodeVersion, error)
	ListCollaborators(ctx context.Context, documentID string) ([]models.Collaborator, error)
}
