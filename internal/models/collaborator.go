package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Collaborator grants a user access to a shared document.
type Collaborator struct {
	ID         string    `json:"id" gorm:"type:char(27);primaryKey"`
	CodeID     string    `json:"code_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_collaborators_member,priority:1"`
	UserID     string    `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_collaborators_member,priority:2"`
	IsOwner    bool      `json:"is_owner" gorm:"not null;default:false"`
	IsEditing  bool      `json:"is_editing" gorm:"not null;default:false"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (c *Collaborator) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

func (Collaborator) TableName() string {
	return "collaborators"
}
