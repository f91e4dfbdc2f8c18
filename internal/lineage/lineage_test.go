package lineage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func entry(t *testing.T, err error) *Entry {
	t.Helper()
	e := NewEntry(t0)
	require.NoError(t, e.AddSteps([]config.Step{
		&config.Select{Columns: []string{"id", "age"}},
		&config.Filter{Condition: "age >= 18"},
	}))
	e.Observe("step_0_select", 3*time.Millisecond)
	e.Observe("step_0_select", 2*time.Millisecond)
	e.Observe("read", time.Second)
	e.Finish(t0.Add(2*time.Second), err)
	return e
}

/*
TestEntry verifies run ids are unique, durations accumulate and the status
follows the run error.
*/
func TestEntry(t *testing.T) {
	a, b := entry(t, nil), entry(t, errors.New("boom"))
	require.NotEqual(t, a.RunID, b.RunID)
	require.Len(t, a.RunID, 36)
	require.Equal(t, int64(5), a.DurationsMS["step_0_select"])
	require.Equal(t, []string{"read", "step_0_select"}, a.Durations())
	require.Equal(t, StatusSucceeded, a.Status)
	require.Equal(t, StatusFailed, b.Status)
	require.Equal(t, "boom", b.Error)
	require.Equal(t, config.StepFilter, a.Steps[1].Kind)
	require.JSONEq(t, `{"condition":"age >= 18"}`, string(a.Steps[1].Params))
}

/*
TestStat verifies file hashes are stable and change with the content.
*/
func TestStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("id\n1\n"), 0o644))
	a, err := Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(5), a.Size)
	require.Len(t, a.Hash, 16)

	b, err := Stat(path)
	require.NoError(t, err)
	require.Equal(t, a.Hash, b.Hash)

	require.NoError(t, os.WriteFile(path, []byte("id\n2\n"), 0o644))
	c, err := Stat(path)
	require.NoError(t, err)
	require.NotEqual(t, a.Hash, c.Hash)

	_, err = Stat(filepath.Join(t.TempDir(), "missing"))
	require.Equal(t, errs.CodeIO, errs.CodeOf(err))
}

/*
TestFileStore verifies entries are appended as JSON lines and read back.
*/
func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs", "lineage.jsonl")
	s, err := Open(ctx, config.LineageSpec{Path: path})
	require.NoError(t, err)
	a, b := entry(t, nil), entry(t, errors.New("boom"))
	require.NoError(t, s.Append(ctx, a))
	require.NoError(t, s.Append(ctx, b))
	require.NoError(t, s.Close())

	runs, err := s.(*FileStore).Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, a.RunID, runs[0].RunID)
	require.Equal(t, StatusFailed, runs[1].Status)
	require.True(t, t0.Equal(runs[0].StartedAt))
}

/*
TestSQLiteStore verifies entries are stored in the runs table.
*/
func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.LineageSpec{DSN: filepath.Join(t.TempDir(), "lineage.db")})
	require.NoError(t, err)
	defer s.Close()
	a := entry(t, nil)
	require.NoError(t, s.Append(ctx, a))
	require.Equal(t, errs.CodeIO, errs.CodeOf(s.Append(ctx, a)))

	runs, err := s.(*SQLiteStore).Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, a.RunID, runs[0].RunID)
	require.Equal(t, a.DurationsMS, runs[0].DurationsMS)
}

/*
TestOpen_Config verifies exactly one of path and dsn is required.
*/
func TestOpen_Config(t *testing.T) {
	_, err := Open(context.Background(), config.LineageSpec{})
	require.Equal(t, errs.CodeConfig, errs.CodeOf(err))
	_, err = Open(context.Background(), config.LineageSpec{Path: "a", DSN: "b"})
	require.Equal(t, errs.CodeConfig, errs.CodeOf(err))
}
