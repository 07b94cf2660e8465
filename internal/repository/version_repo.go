package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codecollab/internal/models"

	"gorm.io/gorm"
)

// VersionRepositoryImpl stores the append-only edit log (code_edits) and keeps
// saved_codes.code pointing at the newest content.
type VersionRepositoryImpl struct {
	db *gorm.DB
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db *gorm.DB) *VersionRepositoryImpl {
	return &VersionRepositoryImpl{db: db}
}

// AppendEdit records content as the next version of the document and returns
// that version. The read of max(version) and the insert share a transaction;
// the unique (code_id, version) index rejects a concurrent writer.
func (r *VersionRepositoryImpl) AppendEdit(ctx context.Context, documentID, authorID, content string) (int64, error) {
	var version int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int64
		if err := tx.Model(&models.CodeEdit{}).
			Where("code_id = ?", documentID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return fmt.Errorf("failed to read latest version: %w", err)
		}

		edit := &models.CodeEdit{
			CodeID:  documentID,
			UserID:  authorID,
			Content: content,
			Version: latest + 1,
		}
		if err := tx.Create(edit).Error; err != nil {
			return fmt.Errorf("failed to insert edit: %w", err)
		}

		if err := tx.Model(&models.SavedCode{}).
			Where("id = ?", documentID).
			Updates(map[string]any{"code": content, "updated_at": time.Now()}).Error; err != nil {
			return fmt.Errorf("failed to update saved code: %w", err)
		}

		version = edit.Version
		return nil
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

// LoadLatestVersion returns the newest edit, falling back to saved_codes
// (version 0) for documents that were never edited collaboratively.
// It returns nil, nil when the document is unknown.
func (r *VersionRepositoryImpl) LoadLatestVersion(ctx context.Context, documentID string) (*models.CodeVersion, error) {
	var edit models.CodeEdit
	err := r.db.WithContext(ctx).
		Where("code_id = ?", documentID).
		Order("version DESC").
		First(&edit).Error
	if err == nil {
		return &models.CodeVersion{DocumentID: documentID, Version: edit.Version, Content: edit.Content}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load latest edit: %w", err)
	}

	var saved models.SavedCode
	err = r.db.WithContext(ctx).First(&saved, "id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saved code: %w", err)
	}

	return &models.CodeVersion{DocumentID: documentID, Version: 0, Content: saved.Code}, nil
}
