package lineage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
)

// Store appends entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Close() error
}

// Open returns the store configured by spec.
func Open(ctx context.Context, spec config.LineageSpec) (Store, error) {
	switch {
	case spec.Path != "" && spec.DSN != "":
		return nil, errs.Configf("lineage: set either path or dsn, not both")
	case spec.Path != "":
		return &FileStore{Path: spec.Path}, nil
	case spec.DSN != "":
		return OpenSQLite(ctx, spec.DSN)
	}
	return nil, errs.Configf("lineage: path or dsn is required")
}

// FileStore appends one JSON object per line to Path.
type FileStore struct {
	Path string
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return errs.IOf(err, "lineage: encode entry")
	}
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.IOf(err, "lineage: create %s", dir)
		}
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.IOf(err, "lineage: open %s", s.Path)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return errs.IOf(err, "lineage: append %s", s.Path)
	}
	if err := f.Close(); err != nil {
		return errs.IOf(err, "lineage: append %s", s.Path)
	}
	return nil
}

// Runs reads the entries of the file, oldest first.
func (s *FileStore) Runs(ctx context.Context) ([]Entry, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, errs.IOf(err, "lineage: open %s", s.Path)
	}
	defer f.Close()
	var out []Entry
	dec := json.NewDecoder(f)
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, errs.IOf(err, "lineage: decode %s entry %d", s.Path, len(out)+1)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

const createRuns = `CREATE TABLE IF NOT EXISTS "runs" (
  "run_id" TEXT PRIMARY KEY,
  "started_at" TEXT NOT NULL,
  "finished_at" TEXT NOT NULL,
  "status" TEXT NOT NULL,
  "entry" TEXT NOT NULL
);`

// SQLiteStore keeps entries in the "runs" table of an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn and creates the runs table.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.IOf(err, "lineage: open")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errs.IOf(err, "lineage: ping")
	}
	if _, err := db.ExecContext(ctx, createRuns); err != nil {
		db.Close()
		return nil, errs.IOf(err, "lineage: create runs table")
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errs.IOf(err, "lineage: encode entry")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO "runs" ("run_id", "started_at", "finished_at", "status", "entry") VALUES (?, ?, ?, ?, ?)`,
		e.RunID, e.StartedAt.Format(time.RFC3339Nano), e.FinishedAt.Format(time.RFC3339Nano), e.Status, string(b))
	if err != nil {
		return errs.IOf(err, "lineage: insert run %s", e.RunID)
	}
	return nil
}

// Runs returns the stored entries, oldest first.
func (s *SQLiteStore) Runs(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT "entry" FROM "runs" ORDER BY "started_at", "run_id"`)
	if err != nil {
		return nil, errs.IOf(err, "lineage: query runs")
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.IOf(err, "lineage: scan run")
		}
		var e Entry
		if err := json.UnmarshalFromString(raw, &e); err != nil {
			return nil, errs.IOf(err, "lineage: decode run")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
