package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")

	database, err := NewSQLite(path)
	require.NoError(t, err)
	defer database.Close()

	for _, table := range []string{"saved_codes", "code_edits", "collaborators"} {
		var name string
		err := database.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	// Opening twice is idempotent.
	again, err := NewSQLite(path)
	require.NoError(t, err)
	again.Close()
}
