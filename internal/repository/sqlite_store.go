package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"codecollab/internal/models"

	"github.com/segmentio/ksuid"
)

// SQLiteStore implements the persistence collaborator on database/sql with the
// pure-Go modernc driver. last_active is stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database that already carries the schema (see db.NewSQLite).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) AppendEdit(ctx context.Context, documentID, authorID, content string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM code_edits WHERE code_id = ?`, documentID,
	).Scan(&latest); err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}

	version := latest + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO code_edits (id, code_id, user_id, content, version) VALUES (?, ?, ?, ?, ?)`,
		ksuid.New().String(), documentID, authorID, content, version,
	); err != nil {
		return 0, fmt.Errorf("failed to insert edit: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE saved_codes SET code = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, content, documentID,
	); err != nil {
		return 0, fmt.Errorf("failed to update saved code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit edit: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) LoadLatestVersion(ctx context.Context, documentID string) (*models.CodeVersion, error) {
	v := &models.CodeVersion{DocumentID: documentID}

	err := s.db.QueryRowContext(ctx,
		`SELECT version, content FROM code_edits WHERE code_id = ? ORDER BY version DESC LIMIT 1`, documentID,
	).Scan(&v.Version, &v.Content)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load latest edit: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT code FROM saved_codes WHERE id = ?`, documentID).Scan(&v.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saved code: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListCollaborators(ctx context.Context, documentID string) ([]models.Collaborator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code_id, user_id, is_owner, is_editing, last_active
		 FROM collaborators WHERE code_id = ? ORDER BY created_at, rowid`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}
	defer rows.Close()

	var collaborators []models.Collaborator
	for rows.Next() {
		var c models.Collaborator
		var lastActive int64
		if err := rows.Scan(&c.ID, &c.CodeID, &c.UserID, &c.IsOwner, &c.IsEditing, &lastActive); err != nil {
			return nil, fmt.Errorf("failed to scan collaborator: %w", err)
		}
		if lastActive > 0 {
			c.LastActive = time.UnixMilli(lastActive)
		}
		collaborators = append(collaborators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}
	return collaborators, nil
}

func (s *SQLiteStore) SetEditingFlag(ctx context.Context, documentID, userID string, editing bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collaborators SET is_editing = ?, last_active = ? WHERE code_id = ? AND user_id = ?`,
		editing, time.Now().UnixMilli(), documentID, userID)
	if err != nil {
		return fmt.Errorf("failed to set editing flag: %w", err)
	}
	return nil
}

// AddCollaborator registers userID on the document, updating ownership if the row exists.
func (s *SQLiteStore) AddCollaborator(ctx context.Context, documentID, userID string, owner bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collaborators (id, code_id, user_id, is_owner) VALUES (?, ?, ?, ?)
		 ON CONFLICT (code_id, user_id) DO UPDATE SET is_owner = excluded.is_owner`,
		ksuid.New().String(), documentID, userID, owner)
	if err != nil {
		return fmt.Errorf("failed to add collaborator: %w", err)
	}
	return nil
}

// CreateSavedCode inserts a document head so edits have something to mirror into.
func (s *SQLiteStore) CreateSavedCode(ctx context.Context, code *models.SavedCode) error {
	if code.ID == "" {
		code.ID = ksuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saved_codes (id, title, language, code, owner_id) VALUES (?, ?, ?, ?, ?)`,
		code.ID, code.Title, code.Language, code.Code, code.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to create saved code: %w", err)
	}
	return nil
}
