package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session is one user's live membership in a document room.
type Session struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	IsOwner     bool      `json:"is_owner"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// CursorPosition represents where a user's cursor is in the document
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func NewSession(documentID, userID, displayName string, now time.Time) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		DocumentID:  documentID,
		UserID:      userID,
		DisplayName: displayName,
		ConnectedAt: now,
		LastSeen:    now,
	}
}
