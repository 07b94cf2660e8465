package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteDB is the embedded alternative to Postgres, used for single-node
// deployments and tests. Same tables as the gorm models.
type SQLiteDB struct {
	*sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS saved_codes (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT 'javascript',
	code TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS code_edits (
	id TEXT PRIMARY KEY,
	code_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (code_id, version)
);

CREATE TABLE IF NOT EXISTS collaborators (
	id TEXT PRIMARY KEY,
	code_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	is_owner BOOLEAN NOT NULL DEFAULT FALSE,
	is_editing BOOLEAN NOT NULL DEFAULT FALSE,
	last_active INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (code_id, user_id)
);
`

// NewSQLite opens (creating if needed) the database file at path.
func NewSQLite(path string) (*SQLiteDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection serialises writers; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("✓ SQLite database ready at %s", path)
	return &SQLiteDB{db}, nil
}
