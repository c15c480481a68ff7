package source

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// driverNames maps datasource types to database/sql driver names.
var driverNames = map[string]string{
	"mysql":     "mysql",
	"snowflake": "snowflake",
	"sqlite":    "sqlite3",
}

// SQLExecutor runs queries through database/sql. It serves MySQL, Snowflake
// and SQLite datasources.
type SQLExecutor struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

// OpenSQL opens dsn with the driver registered for typ.
func OpenSQL(ctx context.Context, typ, dsn string) (*SQLExecutor, error) {
	driver, ok := driverNames[typ]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no sql driver for datasource type %q", typ)
	}
	if typ == "mysql" && !strings.Contains(dsn, "parseTime") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid "+typ+" datasource")
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to "+typ)
	}
	return &SQLExecutor{
		db:     db,
		driver: driver,
		log:    logger.With(zap.String("component", "source"), zap.String("backend", typ)),
	}, nil
}

// ExecuteQuery streams the result of q to h.
func (e *SQLExecutor) ExecuteQuery(ctx context.Context, q Query, h Handler) error {
	query, args := Compile(q.SQL, q.Cursor, placeholderFor(e.driver))
	e.log.Debug("executing query", zap.String("sql", query), zap.String("args", describeArgs(args)))

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "query failed")
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to read result columns")
	}
	columns := make([]Column, len(types))
	// untyped marks expression columns the driver has no declared type for.
	untyped := make([]bool, len(types))
	for i, ct := range types {
		columns[i] = Column{Name: ct.Name(), Type: sqlType(ct)}
		untyped[i] = ct.DatabaseTypeName() == ""
	}
	if err := h.Header(ctx, columns); err != nil {
		return err
	}

	values := make([]interface{}, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to read row")
		}
		record := make(Record, len(columns))
		for i, col := range columns {
			v, err := Normalize(values[i], col.Type)
			if err != nil || untyped[i] {
				v = rawValue(values[i])
			}
			record[col.Name] = v
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

// Close closes the database handle.
func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

// sqlType maps a driver's database type name to a semantic type.
func sqlType(ct *sql.ColumnType) SemanticType {
	name := strings.ToUpper(ct.DatabaseTypeName())
	switch {
	case name == "FIXED" || name == "NUMBER" || name == "DECIMAL" || name == "NUMERIC":
		// Snowflake reports every number as FIXED; scale 0 means integer.
		if _, scale, ok := ct.DecimalSize(); ok && scale == 0 {
			return TypeInteger
		}
		return TypeFloat
	case strings.Contains(name, "INT"):
		return TypeInteger
	case name == "REAL" || name == "FLOAT" || name == "DOUBLE" || strings.HasPrefix(name, "FLOAT") || strings.HasPrefix(name, "DOUBLE"):
		return TypeFloat
	case name == "BOOL" || name == "BOOLEAN":
		return TypeBoolean
	case name == "DATE" || name == "DATETIME" || name == "TIME" || strings.HasPrefix(name, "TIMESTAMP"):
		return TypeDate
	default:
		return TypeString
	}
}

// rawValue passes driver values through, decoding text.
func rawValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
