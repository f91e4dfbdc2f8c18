package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/storage"
	"github.com/takurot/mlprep/internal/types"
)

var schema = frame.NewSchema(
	frame.Field{Name: "id", Type: types.Int64},
	frame.Field{Name: "city", Type: types.String},
	frame.Field{Name: "score", Type: types.Float64},
)

func write(t *testing.T, out config.OutputSpec, rows ...[]any) {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, out)
	require.NoError(t, err)
	ch := make(chan []any, len(rows))
	for _, r := range rows {
		ch <- r
	}
	close(ch)
	_, err = storage.LoadBatches(ctx, log.NewNopLogger(), s, schema, ch, 2)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func count(t *testing.T, dsn string) int {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "features"`).Scan(&n))
	return n
}

/*
TestSink_RoundTrip verifies the table is created from the frame schema, rows
and nulls are stored, and replace mode clears earlier rows.
*/
func TestSink_RoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "out.db")
	out := config.OutputSpec{Path: dsn, Format: config.FormatSQLite, Table: "features"}
	rows := [][]any{
		{int64(1), "tokyo", 0.5},
		{int64(2), nil, nil},
		{int64(3), "osaka", 1.5},
	}
	write(t, out, rows...)
	require.Equal(t, 3, count(t, dsn))

	write(t, out, rows[0])
	require.Equal(t, 4, count(t, dsn))

	out.Options = config.Options{"mode": storage.ModeReplace}
	write(t, out, rows[1])
	require.Equal(t, 1, count(t, dsn))

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()
	var city sql.NullString
	var score sql.NullFloat64
	require.NoError(t, db.QueryRow(`SELECT "city", "score" FROM "features" WHERE "id" = 2`).Scan(&city, &score))
	require.False(t, city.Valid)
	require.False(t, score.Valid)
}

/*
TestOpen_Config verifies database outputs require a table and a known mode.
*/
func TestOpen_Config(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "out.db")
	_, err := Open(context.Background(), config.OutputSpec{Path: dsn, Format: config.FormatSQLite})
	require.Equal(t, errs.CodeConfig, errs.CodeOf(err))

	_, err = Open(context.Background(), config.OutputSpec{
		Path: dsn, Format: config.FormatSQLite, Table: "t", Options: config.Options{"mode": "upsert"},
	})
	require.Equal(t, errs.CodeConfig, errs.CodeOf(err))
}

/*
TestDialect verifies SQLite type mapping.
*/
func TestDialect(t *testing.T) {
	ddl, err := Dialect.CreateTableSQL("features", schema)
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE IF NOT EXISTS \"features\" (\n  \"id\" INTEGER,\n  \"city\" TEXT,\n  \"score\" REAL\n);", ddl)
}
