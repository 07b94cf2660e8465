package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// SavedCode is the durable head of a shared document. Its Code column mirrors the
// content of the latest CodeEdit so listings never need to scan the edit log.
type SavedCode struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	Title     string    `json:"title" gorm:"type:text;not null;default:''"`
	Language  string    `json:"language" gorm:"type:varchar(32);not null;default:'javascript'"`
	Code      string    `json:"code" gorm:"type:text;not null;default:''"`
	OwnerID   string    `json:"owner_id" gorm:"type:varchar(64);index"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (s *SavedCode) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (SavedCode) TableName() string {
	return "saved_codes"
}

// CodeEdit is one accepted edit in the append-only version log of a document.
// Version is strictly increasing per CodeID.
type CodeEdit struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	CodeID    string    `json:"code_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_code_edits_version,priority:1"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);not null"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	Version   int64     `json:"version" gorm:"not null;uniqueIndex:idx_code_edits_version,priority:2"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (e *CodeEdit) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = ksuid.New().String()
	}
	return nil
}

func (CodeEdit) TableName() string {
	return "code_edits"
}

// CodeVersion is what a room is seeded with on creation.
// Version 0 means the content came from saved_codes, not from the edit log.
type CodeVersion struct {
	DocumentID string `json:"document_id"`
	Version    int64  `json:"version"`
	Content    string `json:"content"`
}
