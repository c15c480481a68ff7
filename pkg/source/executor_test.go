package source

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/testutil"
)

type recorder struct {
	columns   []Column
	rows      []Record
	finalized bool
	stopAfter int
}

func (r *recorder) Header(_ context.Context, columns []Column) error {
	r.columns = columns
	return nil
}

func (r *recorder) Row(_ context.Context, row Record) error {
	r.rows = append(r.rows, row)
	if r.stopAfter > 0 && len(r.rows) >= r.stopAfter {
		return ErrStop
	}
	return nil
}

func (r *recorder) Finalize(context.Context) error {
	r.finalized = true
	return nil
}

func openSQLite(t *testing.T) Executor {
	t.Helper()
	testutil.UseTestLogger(t)
	ctx := context.Background()

	exec, err := Open(ctx, Config{URL: "sqlite:" + filepath.Join(t.TempDir(), "source.db")})
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })

	db := exec.(*SQLExecutor).db
	_, err = db.ExecContext(ctx, `CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		email TEXT,
		score REAL,
		active BOOLEAN,
		updated_at DATETIME
	)`)
	require.NoError(t, err)
	for _, stmt := range []string{
		`INSERT INTO users VALUES (1, 'a@example.com', 1.5, 1, '2024-01-01 10:00:00')`,
		`INSERT INTO users VALUES (2, 'b@example.com', 2.5, 0, '2024-01-02 10:00:00')`,
		`INSERT INTO users VALUES (3, NULL, NULL, 1, '2024-01-03 10:00:00')`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return exec
}

func TestSQLiteExecuteQuery(t *testing.T) {
	exec := openSQLite(t)
	rec := &recorder{}

	err := exec.ExecuteQuery(context.Background(), Query{
		SQL: "SELECT * FROM users WHERE :cursor IS NULL OR id > :cursor ORDER BY id",
	}, rec)
	require.NoError(t, err)

	assert.True(t, rec.finalized)
	assert.Equal(t, []Column{
		{Name: "id", Type: TypeInteger},
		{Name: "email", Type: TypeString},
		{Name: "score", Type: TypeFloat},
		{Name: "active", Type: TypeBoolean},
		{Name: "updated_at", Type: TypeDate},
	}, rec.columns)
	require.Len(t, rec.rows, 3)

	first := rec.rows[0]
	assert.Equal(t, int64(1), first["id"])
	assert.Equal(t, "a@example.com", first["email"])
	assert.Equal(t, 1.5, first["score"])
	assert.Equal(t, true, first["active"])
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), first["updated_at"])

	assert.Nil(t, rec.rows[2]["email"])
	assert.Nil(t, rec.rows[2]["score"])
}

func TestSQLiteCursorBinding(t *testing.T) {
	exec := openSQLite(t)
	rec := &recorder{}

	err := exec.ExecuteQuery(context.Background(), Query{
		SQL:    "SELECT id FROM users WHERE :cursor IS NULL OR id > :cursor ORDER BY id",
		Cursor: int64(1),
	}, rec)
	require.NoError(t, err)

	require.Len(t, rec.rows, 2)
	assert.Equal(t, int64(2), rec.rows[0]["id"])
	assert.Equal(t, int64(3), rec.rows[1]["id"])
}

func TestSQLiteStop(t *testing.T) {
	exec := openSQLite(t)
	rec := &recorder{stopAfter: 1}

	err := exec.ExecuteQuery(context.Background(), Query{SQL: "SELECT id FROM users ORDER BY id"}, rec)
	require.NoError(t, err)

	assert.Len(t, rec.rows, 1)
	assert.False(t, rec.finalized)
}

func TestSQLiteEmptyResult(t *testing.T) {
	exec := openSQLite(t)
	rec := &recorder{}

	err := exec.ExecuteQuery(context.Background(), Query{SQL: "SELECT id FROM users WHERE id > 100"}, rec)
	require.NoError(t, err)

	assert.Empty(t, rec.rows)
	assert.Equal(t, []Column{{Name: "id", Type: TypeInteger}}, rec.columns)
	assert.True(t, rec.finalized)
}

func TestSQLiteQueryError(t *testing.T) {
	exec := openSQLite(t)

	err := exec.ExecuteQuery(context.Background(), Query{SQL: "SELECT * FROM missing"}, &recorder{})
	require.Error(t, err)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "oracle", URL: "oracle://x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported datasource type")
}

func TestPostgresExecuteQuery(t *testing.T) {
	testutil.IntegrationTest(t)
	url := testutil.RequireEnv(t, "SYNCMAVEN_TEST_POSTGRES_URL")
	testutil.UseTestLogger(t)
	ctx := context.Background()

	exec, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	defer exec.Close()

	rec := &recorder{}
	err = exec.ExecuteQuery(ctx, Query{
		SQL:    "SELECT g AS id, now() AS ts, g::numeric / 2 AS half FROM generate_series(1, 3) g WHERE :cursor::int IS NULL OR g > :cursor::int",
		Cursor: int64(1),
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, []Column{
		{Name: "id", Type: TypeInteger},
		{Name: "ts", Type: TypeDate},
		{Name: "half", Type: TypeFloat},
	}, rec.columns)
	require.Len(t, rec.rows, 2)
	assert.Equal(t, int64(2), rec.rows[0]["id"])
	assert.Equal(t, 1.0, rec.rows[0]["half"])
}
