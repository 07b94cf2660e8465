package repository

import (
	"context"
	"sync"
	"time"

	"codecollab/internal/models"

	"github.com/segmentio/ksuid"
)

// MemoryStore keeps everything in process. Used by tests and single-node demos
// where losing history on restart is acceptable.
type MemoryStore struct {
	mu            sync.RWMutex
	codes         map[string]*models.SavedCode
	edits         map[string][]models.CodeEdit
	collaborators map[string][]*models.Collaborator
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:         make(map[string]*models.SavedCode),
		edits:         make(map[string][]models.CodeEdit),
		collaborators: make(map[string][]*models.Collaborator),
	}
}

// PutSavedCode stores (or replaces) a document head.
func (s *MemoryStore) PutSavedCode(code models.SavedCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code.ID == "" {
		code.ID = ksuid.New().String()
	}
	now := time.Now()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = now
	}
	code.UpdatedAt = now
	s.codes[code.ID] = &code
}

// AddCollaborator grants userID access to documentID.
func (s *MemoryStore) AddCollaborator(documentID, userID string, owner bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.collaborators[documentID] {
		if c.UserID == userID {
			c.IsOwner = owner
			return
		}
	}
	s.collaborators[documentID] = append(s.collaborators[documentID], &models.Collaborator{
		ID:        ksuid.New().String(),
		CodeID:    documentID,
		UserID:    userID,
		IsOwner:   owner,
		CreatedAt: time.Now(),
	})
}

// Edits returns a copy of the edit log for documentID, oldest first.
func (s *MemoryStore) Edits(documentID string) []models.CodeEdit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CodeEdit(nil), s.edits[documentID]...)
}

func (s *MemoryStore) AppendEdit(ctx context.Context, documentID, authorID, content string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := int64(len(s.edits[documentID]) + 1)
	s.edits[documentID] = append(s.edits[documentID], models.CodeEdit{
		ID:        ksuid.New().String(),
		CodeID:    documentID,
		UserID:    authorID,
		Content:   content,
		Version:   version,
		CreatedAt: time.Now(),
	})
	if code, ok := s.codes[documentID]; ok {
		code.Code = content
		code.UpdatedAt = time.Now()
	}
	return version, nil
}

func (s *MemoryStore) LoadLatestVersion(ctx context.Context, documentID string) (*models.CodeVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if edits := s.edits[documentID]; len(edits) > 0 {
		last := edits[len(edits)-1]
		return &models.CodeVersion{DocumentID: documentID, Version: last.Version, Content: last.Content}, nil
	}
	if code, ok := s.codes[documentID]; ok {
		return &models.CodeVersion{DocumentID: documentID, Content: code.Code}, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListCollaborators(ctx context.Context, documentID string) ([]models.Collaborator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Collaborator
	for _, c := range s.collaborators[documentID] {
		out = append(out, *c)
	}
	return out, nil
}

func (s *MemoryStore) SetEditingFlag(ctx context.Context, documentID, userID string, editing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.collaborators[documentID] {
		if c.UserID == userID {
			c.IsEditing = editing
			c.LastActive = time.Now()
		}
	}
	return nil
}
