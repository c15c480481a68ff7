package source

import (
	"context"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// BigQueryConfig configures a BigQuery executor.
type BigQueryConfig struct {
	ProjectID string
	// CredentialsFile is a service account key. Application default
	// credentials are used when empty.
	CredentialsFile string
	Location        string
}

// BigQueryExecutor runs standard SQL queries in one project.
type BigQueryExecutor struct {
	client   *bigquery.Client
	location string
	log      *zap.Logger
}

// OpenBigQuery creates a BigQuery client.
func OpenBigQuery(ctx context.Context, cfg BigQueryConfig) (*BigQueryExecutor, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bigquery datasource requires a project id")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create bigquery client")
	}
	return &BigQueryExecutor{
		client:   client,
		location: cfg.Location,
		log: logger.With(zap.String("component", "source"), zap.String("backend", "bigquery"),
			zap.String("project", cfg.ProjectID)),
	}, nil
}

// ExecuteQuery streams the result of q to h.
func (e *BigQueryExecutor) ExecuteQuery(ctx context.Context, q Query, h Handler) error {
	sql, args := Compile(q.SQL, q.Cursor, Named)
	e.log.Debug("executing query", zap.String("sql", sql), zap.String("args", describeArgs(args)))

	bq := e.client.Query(sql)
	if e.location != "" {
		bq.Location = e.location
	}
	if len(args) > 0 {
		bq.Parameters = []bigquery.QueryParameter{{Name: "cursor", Value: bigQueryParam(args[0], q.CursorType)}}
	}

	it, err := bq.Read(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "query failed")
	}

	// The schema is only known once the first page has been fetched.
	var columns []Column
	header := func() error {
		columns = make([]Column, len(it.Schema))
		for i, f := range it.Schema {
			columns[i] = Column{Name: f.Name, Type: bigQueryType(f)}
		}
		return h.Header(ctx, columns)
	}

	for {
		var values []bigquery.Value
		err := it.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to read row")
		}
		if columns == nil {
			if err := header(); err != nil {
				return err
			}
		}
		record := make(Record, len(columns))
		for i, col := range columns {
			if i >= len(values) {
				break
			}
			v, err := Normalize(values[i], col.Type)
			if err != nil {
				v = values[i]
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
	if columns == nil {
		if err := header(); err != nil {
			return err
		}
	}
	return h.Finalize(ctx)
}

// Close closes the client.
func (e *BigQueryExecutor) Close() error {
	return e.client.Close()
}

func bigQueryType(f *bigquery.FieldSchema) SemanticType {
	if f.Repeated {
		return TypeString
	}
	switch f.Type {
	case bigquery.IntegerFieldType:
		return TypeInteger
	case bigquery.FloatFieldType, bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		return TypeFloat
	case bigquery.BooleanFieldType:
		return TypeBoolean
	case bigquery.TimestampFieldType, bigquery.DateFieldType, bigquery.DateTimeFieldType:
		return TypeDate
	default:
		return TypeString
	}
}

// bigQueryParam types a NULL cursor, which BigQuery cannot infer.
func bigQueryParam(v interface{}, t SemanticType) interface{} {
	if v != nil {
		if ts, ok := v.(time.Time); ok {
			return ts.UTC()
		}
		return v
	}
	switch t {
	case TypeInteger:
		return bigquery.NullInt64{}
	case TypeFloat:
		return bigquery.NullFloat64{}
	case TypeBoolean:
		return bigquery.NullBool{}
	case TypeDate:
		return bigquery.NullTimestamp{}
	default:
		return bigquery.NullString{}
	}
}
