// Package source executes model queries against relational databases and
// warehouses and pushes the results to a Handler one row at a time.
//
// Results are forward-only. Header is called once, before the first row,
// with each column's semantic type; Finalize is called once the result is
// exhausted.
package source

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
)

// SemanticType is the portable type of a column.
type SemanticType string

const (
	TypeInteger SemanticType = "integer"
	TypeString  SemanticType = "string"
	TypeBoolean SemanticType = "boolean"
	TypeDate    SemanticType = "date"
	TypeFloat   SemanticType = "float"
)

// ParseSemanticType validates s.
func ParseSemanticType(s string) (SemanticType, error) {
	switch t := SemanticType(strings.ToLower(s)); t {
	case TypeInteger, TypeString, TypeBoolean, TypeDate, TypeFloat:
		return t, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unknown column type %q", s)
	}
}

// Column describes one result column.
type Column struct {
	Name string       `json:"name"`
	Type SemanticType `json:"type"`
}

// Record is one result row keyed by column name.
type Record map[string]interface{}

// Handler receives a query result.
type Handler interface {
	Header(ctx context.Context, columns []Column) error
	Row(ctx context.Context, row Record) error
	Finalize(ctx context.Context) error
}

// ErrStop may be returned by Handler.Row to end the query early. Executors
// then return nil without calling Finalize.
var ErrStop = errors.New(errors.ErrorTypeInternal, "stop reading rows")

// Query is a model query with its cursor parameter.
type Query struct {
	SQL string
	// Cursor is bound to every :cursor placeholder. nil binds NULL.
	Cursor interface{}
	// CursorType types a NULL cursor for engines that need typed parameters.
	CursorType SemanticType
}

// Executor runs queries against one datasource.
type Executor interface {
	ExecuteQuery(ctx context.Context, q Query, h Handler) error
	Close() error
}

// Config selects and configures an executor.
type Config struct {
	// Type is postgres, mysql, snowflake, sqlite or bigquery. It is inferred
	// from the URL scheme when empty.
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url" json:"url"`
	// BigQuery only.
	ProjectID       string `yaml:"project_id" json:"project_id"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	Location        string `yaml:"location" json:"location"`
}

// Open returns the executor for cfg.
func Open(ctx context.Context, cfg Config) (Executor, error) {
	typ, dsn := resolve(cfg)
	switch typ {
	case "postgres":
		return OpenPostgres(ctx, dsn)
	case "mysql", "snowflake", "sqlite":
		return OpenSQL(ctx, typ, dsn)
	case "bigquery":
		project := cfg.ProjectID
		if project == "" {
			project = dsn
		}
		return OpenBigQuery(ctx, BigQueryConfig{
			ProjectID:       project,
			CredentialsFile: cfg.CredentialsFile,
			Location:        cfg.Location,
		})
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported datasource type %q", typ)
	}
}

// resolve infers the datasource type and the driver DSN.
func resolve(cfg Config) (typ, dsn string) {
	typ, dsn = strings.ToLower(cfg.Type), cfg.URL
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		if typ == "" {
			typ = "postgres"
		}
	case strings.HasPrefix(dsn, "mysql://"):
		typ, dsn = "mysql", strings.TrimPrefix(dsn, "mysql://")
	case strings.HasPrefix(dsn, "snowflake://"):
		typ, dsn = "snowflake", strings.TrimPrefix(dsn, "snowflake://")
	case strings.HasPrefix(dsn, "sqlite:"):
		typ, dsn = "sqlite", strings.TrimPrefix(dsn, "sqlite:")
	case strings.HasPrefix(dsn, "bigquery://"):
		typ, dsn = "bigquery", strings.TrimPrefix(dsn, "bigquery://")
	}
	if typ == "postgresql" {
		typ = "postgres"
	}
	return typ, dsn
}

// Normalize converts v to the canonical Go representation of t: int64,
// float64, bool, time.Time or string. nil stays nil.
func Normalize(v interface{}, t SemanticType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInteger:
		return toInt64(v)
	case TypeFloat:
		return toFloat64(v)
	case TypeBoolean:
		return toBool(v)
	case TypeDate:
		return toTime(v)
	default:
		return toString(v), nil
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, errors.Newf(errors.ErrorTypeValidation, "integer %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Newf(errors.ErrorTypeValidation, "%v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, errors.Newf(errors.ErrorTypeValidation, "cannot use %T as integer", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case []byte:
		return strconv.ParseFloat(string(n), 64)
	case string:
		return strconv.ParseFloat(n, 64)
	case interface{ Float64() (float64, bool) }:
		f, _ := n.Float64()
		return f, nil
	default:
		i, err := toInt64(v)
		if err != nil {
			return 0, errors.Newf(errors.ErrorTypeValidation, "cannot use %T as float", v)
		}
		return float64(i), nil
	}
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case []byte:
		return strconv.ParseBool(string(b))
	case string:
		return strconv.ParseBool(b)
	default:
		i, err := toInt64(v)
		if err != nil {
			return false, errors.Newf(errors.ErrorTypeValidation, "cannot use %T as boolean", v)
		}
		return i != 0, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	case fmt.Stringer:
		return parseTime(t.String())
	default:
		return time.Time{}, errors.Newf(errors.ErrorTypeValidation, "cannot use %T as date", v)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeValidation, "cannot parse %q as date", s)
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
