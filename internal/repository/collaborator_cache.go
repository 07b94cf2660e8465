package repository

import (
	"context"
	"log"
	"time"

	"codecollab/internal/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore fronts a Store with an expiring LRU of collaborator lists, which
// are read on every join. Writes pass through; SetEditingFlag drops the
// document's entry so the next read sees the new flag.
type CachedStore struct {
	Store
	collaborators *expirable.LRU[string, []models.Collaborator]
}

func NewCachedStore(inner Store, size int, ttl time.Duration) *CachedStore {
	if size < 1 {
		size = 1
	}
	log.Printf("🔧 Collaborator cache: size=%d ttl=%s", size, ttl)
	return &CachedStore{
		Store:         inner,
		collaborators: expirable.NewLRU[string, []models.Collaborator](size, nil, ttl),
	}
}

func (c *CachedStore) ListCollaborators(ctx context.Context, documentID string) ([]models.Collaborator, error) {
	if cached, ok := c.collaborators.Get(documentID); ok {
		return cached, nil
	}

	list, err := c.Store.ListCollaborators(ctx, documentID)
	if err != nil {
		return nil, err
	}
	c.collaborators.Add(documentID, list)
	return list, nil
}

func (c *CachedStore) SetEditingFlag(ctx context.Context, documentID, userID string, editing bool) error {
	err := c.Store.SetEditingFlag(ctx, documentID, userID, editing)
	c.collaborators.Remove(documentID)
	return err
}

