package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
)

// Write modes of database outputs, set with the "mode" option.
const (
	ModeAppend  = "append"
	ModeReplace = "replace"
)

// SQLConfig configures a database/sql sink.
type SQLConfig struct {
	Driver  string
	DSN     string
	Table   string
	Dialect Dialect
	// Mode is append or replace. Replace deletes existing rows before the
	// first batch.
	Mode string
	// CreateTable creates the table from the frame schema when missing.
	CreateTable bool
	// Statement renders the statement every row is executed against.
	// Defaults to Dialect.InsertSQL.
	Statement func(table string, columns []string) string
	// Flush executes the prepared statement once without arguments after the
	// rows of a batch, as bulk copy statements require.
	Flush bool
}

// SQLConfigFor fills the output dependent fields of a SQLConfig.
func SQLConfigFor(out config.OutputSpec, driver string, d Dialect) (SQLConfig, error) {
	cfg := SQLConfig{
		Driver:      driver,
		DSN:         out.Path,
		Table:       out.Table,
		Dialect:     d,
		Mode:        out.Options.String("mode", ModeAppend),
		CreateTable: out.Options.Bool("create_table", true),
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return cfg, errs.Configf("%s output requires a DSN in path", out.Format)
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return cfg, errs.Configf("%s output requires a table", out.Format)
	}
	if cfg.Mode != ModeAppend && cfg.Mode != ModeReplace {
		return cfg, errs.Configf("%s output: unknown mode %q (want append or replace)", out.Format, cfg.Mode)
	}
	return cfg, nil
}

// SQLSink writes rows through database/sql, one transaction per batch.
type SQLSink struct {
	db    *sql.DB
	cfg   SQLConfig
	ready bool
}

// OpenSQL opens and pings the database of cfg.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLSink, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errs.IOf(err, "%s: open", cfg.Dialect.Name)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errs.IOf(err, "%s: ping", cfg.Dialect.Name)
	}
	return &SQLSink{db: db, cfg: cfg}, nil
}

// DB returns the underlying handle.
func (s *SQLSink) DB() *sql.DB { return s.db }

// Prepare creates and clears the table as configured. Write calls it before
// the first batch.
func (s *SQLSink) Prepare(ctx context.Context, schema frame.Schema) error {
	d := s.cfg.Dialect
	if s.cfg.CreateTable {
		ddl, err := d.CreateTableSQL(s.cfg.Table, schema)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errs.IOf(err, "%s: create table %s", d.Name, s.cfg.Table)
		}
	}
	if s.cfg.Mode == ModeReplace {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+d.QuoteFQN(s.cfg.Table)); err != nil {
			return errs.IOf(err, "%s: clear table %s", d.Name, s.cfg.Table)
		}
	}
	s.ready = true
	return nil
}

// Write implements Sink.
func (s *SQLSink) Write(ctx context.Context, schema frame.Schema, rows [][]any) error {
	if !s.ready {
		if err := s.Prepare(ctx, schema); err != nil {
			return err
		}
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := s.insert(ctx, schema.Names(), rows)
	return err
}

func (s *SQLSink) insert(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	name := s.cfg.Dialect.Name
	stmtSQL := s.cfg.Dialect.InsertSQL(s.cfg.Table, columns)
	if s.cfg.Statement != nil {
		stmtSQL = s.cfg.Statement(s.cfg.Table, columns)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.IOf(err, "%s: begin tx", name)
	}
	rollback := func() { _ = tx.Rollback() }
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		rollback()
		return 0, errs.IOf(err, "%s: prepare insert", name)
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	var inserted int64
	for i, row := range rows {
		if len(row) != len(columns) {
			rollback()
			return inserted, fmt.Errorf("%s: row %d has %d values for %d columns", name, i, len(row), len(columns))
		}
		for j, v := range row {
			args[j] = SQLValue(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			rollback()
			return inserted, errs.IOf(err, "%s: insert row %d", name, i)
		}
		inserted++
	}
	if s.cfg.Flush {
		if _, err := stmt.ExecContext(ctx); err != nil {
			rollback()
			return 0, errs.IOf(err, "%s: bulk finalize", name)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.IOf(err, "%s: commit", name)
	}
	return inserted, nil
}

// Close closes the database handle.
func (s *SQLSink) Close() error { return s.db.Close() }

// Abort closes the database handle. Batches already committed remain.
func (s *SQLSink) Abort() error { return s.db.Close() }
