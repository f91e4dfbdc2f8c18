// Package sqlite registers the "sqlite" output backend, backed by the pure-Go
// modernc.org/sqlite driver.
//
// The output path is the DSN passed to database/sql, for example
// "out/features.db" or "file:out.db?_pragma=busy_timeout(5000)".
package sqlite

import (
	"context"

	_ "modernc.org/sqlite"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/storage"
	"github.com/takurot/mlprep/internal/types"
)

// Dialect is the SQLite flavour of SQL.
var Dialect = storage.Dialect{
	Name:  "sqlite",
	Open:  `"`,
	Close: `"`,
	Types: map[types.DataType]string{
		types.Bool:    "INTEGER",
		types.Int64:   "INTEGER",
		types.Float64: "REAL",
		types.String:  "TEXT",
	},
	Placeholder: storage.Question,
}

func init() {
	storage.Register(config.FormatSQLite, Open)
}

// Open opens an SQLite sink for out.
func Open(ctx context.Context, out config.OutputSpec) (storage.Sink, error) {
	cfg, err := storage.SQLConfigFor(out, "sqlite", Dialect)
	if err != nil {
		return nil, err
	}
	s, err := storage.OpenSQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	_, _ = s.DB().ExecContext(ctx, "PRAGMA foreign_keys = ON;")
	return s, nil
}
