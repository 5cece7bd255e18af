package localstore

import (
	"strconv"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver:      "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			local_groups TEXT NOT NULL DEFAULT '[]',
			base_groups TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
}

type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	store, err := newSQLStore(dsn, postgresDialect, opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: store}, nil
}
