package localstore

import (
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	driver:       "sqlite",
	placeholder:  func(int) string { return "?" },
	maxOpenConns: 1,
	createTable:  `
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			local_groups TEXT NOT NULL DEFAULT '[]',
			base_groups TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
}

type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	store, err := newSQLStore(path, sqliteDialect, opts)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: store}, nil
}
