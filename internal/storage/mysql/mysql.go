// Package mysql registers the "mysql" output backend.
package mysql

import (
	"context"

	"github.com/go-sql-driver/mysql"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/storage"
	"github.com/takurot/mlprep/internal/types"
)

// Dialect is the MySQL flavour of SQL.
var Dialect = storage.Dialect{
	Name:  "mysql",
	Open:  "`",
	Close: "`",
	Types: map[types.DataType]string{
		types.Bool:    "BOOLEAN",
		types.Int64:   "BIGINT",
		types.Float64: "DOUBLE",
		types.String:  "LONGTEXT",
	},
	Placeholder: storage.Question,
}

func init() {
	storage.Register(config.FormatMySQL, Open)
}

// Open opens a MySQL sink for out. The DSN uses the go-sql-driver format,
// e.g. "user:pass@tcp(localhost:3306)/db".
func Open(ctx context.Context, out config.OutputSpec) (storage.Sink, error) {
	cfg, err := storage.SQLConfigFor(out, "mysql", Dialect)
	if err != nil {
		return nil, err
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errs.Configf("mysql output: invalid DSN").Wrap(err)
	}
	if dsn.DBName == "" {
		return nil, errs.Configf("mysql output: DSN names no database")
	}
	cfg.DSN = dsn.FormatDSN()
	return storage.OpenSQL(ctx, cfg)
}
