package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tabstash/internal/groups"
)

const (
	sqlStateTableName    = "tabstash_state"
	sqlOperationTimeout  = 5 * time.Second
	sqlColumnLocalGroups = "local_groups"
	sqlColumnBaseGroups  = "base_groups"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver       string
	placeholder  func(n int) string
	createTable  string
	maxOpenConns int
}

// sqlStore is shared by the Postgres and SQLite backends. Each state key
// owns one row holding both snapshots as JSON text.
type sqlStore struct {
	dsn       string
	dialect   sqlDialect
	tableName string
	stateKey  string
	quota     int64
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dsn string, dialect sqlDialect, opts Options) (*sqlStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	return &sqlStore{
		dsn:       dsn,
		dialect:   dialect,
		tableName: sqlStateTableName,
		stateKey:  opts.StateKey,
		quota:     opts.QuotaBytes,
		openDB:    sql.Open,
	}, nil
}

func (s *sqlStore) Get(ctx context.Context) ([]groups.Group, error) {
	return s.load(ctx, sqlColumnLocalGroups)
}

func (s *sqlStore) GetBase(ctx context.Context) ([]groups.Group, error) {
	return s.load(ctx, sqlColumnBaseGroups)
}

func (s *sqlStore) Set(ctx context.Context, local []groups.Group) error {
	payload, err := encodeSnapshot(local)
	if err != nil {
		return err
	}
	if err := checkQuota(s.quota, len(payload)); err != nil {
		return err
	}
	return s.upsert(ctx, map[string]string{sqlColumnLocalGroups: string(payload)})
}

func (s *sqlStore) SetBase(ctx context.Context, base []groups.Group) error {
	payload, err := encodeSnapshot(base)
	if err != nil {
		return err
	}
	return s.upsert(ctx, map[string]string{sqlColumnBaseGroups: string(payload)})
}

func (s *sqlStore) Commit(ctx context.Context, local, base []groups.Group) error {
	localPayload, err := encodeSnapshot(local)
	if err != nil {
		return err
	}
	basePayload, err := encodeSnapshot(base)
	if err != nil {
		return err
	}
	if err := checkQuota(s.quota, len(localPayload)); err != nil {
		return err
	}
	return s.upsert(ctx, map[string]string{
		sqlColumnLocalGroups: string(localPayload),
		sqlColumnBaseGroups:  string(basePayload),
	})
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) load(ctx context.Context, column string) ([]groups.Group, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE state_key = %s", column, quoteIdentifier(s.tableName), s.dialect.placeholder(1))
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, query, s.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return []groups.Group{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !payload.Valid {
		return []groups.Group{}, nil
	}
	return decodeSnapshot([]byte(payload.String))
}

// upsert writes the given columns in a single statement so a commit of both
// snapshots is atomic.
func (s *sqlStore) upsert(ctx context.Context, values map[string]string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	columns := []string{"state_key"}
	args := []any{s.stateKey}
	var updates []string
	for _, column := range []string{sqlColumnLocalGroups, sqlColumnBaseGroups} {
		value, ok := values[column]
		if !ok {
			continue
		}
		columns = append(columns, column)
		args = append(args, value)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", column, column))
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = s.dialect.placeholder(i + 1)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, updated_at)
		VALUES (%s, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET %s, updated_at = CURRENT_TIMESTAMP`,
		quoteIdentifier(s.tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqlStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.maxOpenConns > 0 {
			db.SetMaxOpenConns(s.dialect.maxOpenConns)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(s.dialect.createTable, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
