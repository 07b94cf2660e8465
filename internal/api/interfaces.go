package api

import (
	"context"

	"codecollab/internal/models"
	"codecollab/internal/protocol"
	"codecollab/internal/services/collaboration"
)

// Interfaces live with their consumer: handlers declare only what they call.

// Coordinator is the slice of the session manager the REST handlers use.
type Coordinator interface {
	Rooms() []collaboration.RoomInfo
	RoomCollaborators(documentID string) (protocol.Collaborators, bool)
	ReleaseEdit(documentID, userID string) bool
	QueueLength() int
}

// VersionReader reads persisted document content.
type VersionReader interface {
	LoadLatestVersion(ctx context.Context, documentID string) (*models.CodeVersion, error)
}
