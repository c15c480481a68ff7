package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS syncmaven_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncmaven_state_key_prefix ON syncmaven_state (key);
`

// SQLiteStore is the embedded single-file backend.
// SQLite only supports one writer at a time, so the pool is limited to a
// single connection; that connection is the store's write lock.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLite creates or opens the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "sqlite store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to create store directory")
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to open sqlite store")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to apply "+pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to apply sqlite schema")
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		logger: logger.Get().With(zap.String("component", "store"), zap.String("backend", "sqlite")),
	}
	s.logger.Debug("store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM syncmaven_state WHERE key = ?`, key.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeStorage, "failed to read key").WithDetail("key", key.String())
	}
	return json.RawMessage(value), true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key Key, value interface{}) error {
	if err := key.Validate(); err != nil {
		return err
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO syncmaven_state (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key.String(), encoded)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to write key").WithDetail("key", key.String())
	}
	return nil
}

func (s *SQLiteStore) Del(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM syncmaven_state WHERE key = ?`, key.String()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete key").WithDetail("key", key.String())
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix Key) ([]Entry, error) {
	return listEntries(ctx, s.page, prefix)
}

func (s *SQLiteStore) Stream(ctx context.Context, prefix Key, fn func(Entry) error) error {
	return streamEntries(ctx, s.page, prefix, fn)
}

func (s *SQLiteStore) StreamBatch(ctx context.Context, prefix Key, maxBatchSize int, fn func([]Entry) error) error {
	if err := validateBatchSize(maxBatchSize); err != nil {
		return err
	}
	return streamPages(ctx, s.page, prefix, maxBatchSize, fn)
}

func (s *SQLiteStore) DeleteByPrefix(ctx context.Context, prefix Key) error {
	if err := prefix.Validate(); err != nil {
		return err
	}
	exact, lower, upper := prefixRange(prefix)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM syncmaven_state WHERE key = ? OR (key >= ? AND key < ?)`, exact, lower, upper)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete prefix").WithDetail("prefix", exact)
	}
	return nil
}

func (s *SQLiteStore) Size(ctx context.Context, prefix Key) (int, error) {
	if err := prefix.Validate(); err != nil {
		return 0, err
	}
	exact, lower, upper := prefixRange(prefix)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM syncmaven_state WHERE key = ? OR (key >= ? AND key < ?)`, exact, lower, upper).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to count prefix").WithDetail("prefix", exact)
	}
	return n, nil
}

// Close closes the database file.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) page(ctx context.Context, prefix Key, after string, limit int) ([]Entry, error) {
	exact, lower, upper := prefixRange(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM syncmaven_state
		 WHERE (key = ? OR (key >= ? AND key < ?)) AND key > ?
		 ORDER BY key LIMIT ?`,
		exact, lower, upper, after, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to list prefix").WithDetail("prefix", exact)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to scan entry")
		}
		key, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: key, Value: json.RawMessage(v)})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to list prefix").WithDetail("prefix", exact)
	}
	return out, nil
}
