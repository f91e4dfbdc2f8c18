package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

/*
TestSplitFQN verifies schema-qualified names become pgx identifiers.
*/
func TestSplitFQN(t *testing.T) {
	require.Equal(t, pgx.Identifier{"public", "events"}, SplitFQN("public.events"))
	require.Equal(t, pgx.Identifier{"events"}, SplitFQN("events"))
}

/*
TestDialect verifies Postgres type mapping and placeholders.
*/
func TestDialect(t *testing.T) {
	ddl, err := Dialect.CreateTableSQL("public.events", frame.NewSchema(
		frame.Field{Name: "id", Type: types.Int64},
		frame.Field{Name: "score", Type: types.Float64},
		frame.Field{Name: "ok", Type: types.Bool},
	))
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE IF NOT EXISTS \"public\".\"events\" (\n  \"id\" BIGINT,\n  \"score\" DOUBLE PRECISION,\n  \"ok\" BOOLEAN\n);", ddl)
	require.Equal(t, `INSERT INTO "events" ("a", "b") VALUES ($1, $2)`, Dialect.InsertSQL("events", []string{"a", "b"}))
}
