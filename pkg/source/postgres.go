package source

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// PostgresExecutor runs queries on a pgx connection pool.
type PostgresExecutor struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// OpenPostgres connects to connString and verifies the connection.
func OpenPostgres(ctx context.Context, connString string) (*PostgresExecutor, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres connection string")
	}
	if cfg.MaxConns > 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres")
	}
	return &PostgresExecutor{
		pool: pool,
		log:  logger.With(zap.String("component", "source"), zap.String("backend", "postgres")),
	}, nil
}

// ExecuteQuery streams the result of q to h.
func (e *PostgresExecutor) ExecuteQuery(ctx context.Context, q Query, h Handler) error {
	sql, args := Compile(q.SQL, q.Cursor, Dollar)
	e.log.Debug("executing query", zap.String("sql", sql), zap.String("args", describeArgs(args)))

	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "query failed")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]Column, len(fields))
	for i, fd := range fields {
		columns[i] = Column{Name: fd.Name, Type: postgresType(fd.DataTypeOID)}
	}
	if err := h.Header(ctx, columns); err != nil {
		return err
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to read row")
		}
		record := make(Record, len(values))
		for i, raw := range values {
			v := postgresValue(raw)
			if n, err := Normalize(v, columns[i].Type); err == nil {
				v = n
			}
			record[columns[i].Name] = v
		}
		if err := h.Row(ctx, record); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "query failed")
	}
	return h.Finalize(ctx)
}

// Close releases the pool.
func (e *PostgresExecutor) Close() error {
	e.pool.Close()
	return nil
}

// postgresType maps type OIDs to semantic types.
func postgresType(oid uint32) SemanticType {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return TypeInteger
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return TypeFloat
	case pgtype.BoolOID:
		return TypeBoolean
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		return TypeDate
	default:
		return TypeString
	}
}

// postgresValue converts pgx values that do not encode to JSON naturally.
func postgresValue(v interface{}) interface{} {
	switch val := v.(type) {
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	default:
		return v
	}
}
