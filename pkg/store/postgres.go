package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// Keys are compared with the "C" collation so that ordering and the prefix
// range scan match byte order regardless of the database locale.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS syncmaven_state (
	key   TEXT COLLATE "C" PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncmaven_state_key_prefix ON syncmaven_state (key text_pattern_ops);
`

// PostgresStore is the shared relational backend. Row-level locking in
// PostgreSQL serializes concurrent upserts of the same key.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgres connects to the database described by connString and creates
// the state table if needed.
func OpenPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres store")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to apply postgres schema")
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.Get().With(zap.String("component", "store"), zap.String("backend", "postgres")),
	}
	s.logger.Debug("store opened",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))
	return s, nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM syncmaven_state WHERE key = $1`, key.String()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeStorage, "failed to read key").WithDetail("key", key.String())
	}
	return json.RawMessage(value), true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key Key, value interface{}) error {
	if err := key.Validate(); err != nil {
		return err
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO syncmaven_state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key.String(), encoded)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to write key").WithDetail("key", key.String())
	}
	return nil
}

func (s *PostgresStore) Del(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM syncmaven_state WHERE key = $1`, key.String()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete key").WithDetail("key", key.String())
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, prefix Key) ([]Entry, error) {
	return listEntries(ctx, s.page, prefix)
}

func (s *PostgresStore) Stream(ctx context.Context, prefix Key, fn func(Entry) error) error {
	return streamEntries(ctx, s.page, prefix, fn)
}

func (s *PostgresStore) StreamBatch(ctx context.Context, prefix Key, maxBatchSize int, fn func([]Entry) error) error {
	if err := validateBatchSize(maxBatchSize); err != nil {
		return err
	}
	return streamPages(ctx, s.page, prefix, maxBatchSize, fn)
}

func (s *PostgresStore) DeleteByPrefix(ctx context.Context, prefix Key) error {
	if err := prefix.Validate(); err != nil {
		return err
	}
	exact, lower, upper := prefixRange(prefix)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM syncmaven_state WHERE key = $1 OR (key >= $2 AND key < $3)`, exact, lower, upper)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete prefix").WithDetail("prefix", exact)
	}
	return nil
}

func (s *PostgresStore) Size(ctx context.Context, prefix Key) (int, error) {
	if err := prefix.Validate(); err != nil {
		return 0, err
	}
	exact, lower, upper := prefixRange(prefix)
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM syncmaven_state WHERE key = $1 OR (key >= $2 AND key < $3)`,
		exact, lower, upper).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to count prefix").WithDetail("prefix", exact)
	}
	return int(n), nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) page(ctx context.Context, prefix Key, after string, limit int) ([]Entry, error) {
	exact, lower, upper := prefixRange(prefix)
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM syncmaven_state
		 WHERE (key = $1 OR (key >= $2 AND key < $3)) AND key > $4
		 ORDER BY key LIMIT $5`,
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
