package security

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
)

/*
TestCheckPath verifies paths inside the allowed directory pass, including
ones that do not exist yet, and that escapes are denied.
*/
func TestCheckPath(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "in.csv"), []byte("a\n"), 0o644))

	p, err := New([]string{root}, nil)
	require.NoError(t, err)
	require.True(t, p.Restricted())

	require.NoError(t, p.CheckPath(filepath.Join(root, "in.csv")))
	require.NoError(t, p.CheckPath(filepath.Join(root, "new", "dir", "out.csv")))
	require.NoError(t, p.CheckPath(root))

	for _, bad := range []string{
		filepath.Join(outside, "x.csv"),
		filepath.Join(root, "..", filepath.Base(outside), "x.csv"),
		root + "-sibling/x.csv",
	} {
		err := p.CheckPath(bad)
		require.Equal(t, errs.CodeIO, errs.CodeOf(err), bad)
		require.Contains(t, err.Error(), "access denied")
		require.True(t, errors.Is(err, fs.ErrPermission))
	}
}

/*
TestCheckPath_Symlink verifies a link inside the sandbox pointing outside is
denied.
*/
func TestCheckPath_Symlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	p, err := New([]string{root}, nil)
	require.NoError(t, err)
	require.Error(t, p.CheckPath(filepath.Join(link, "out.csv")))
}

/*
TestNew_MissingRoot verifies allowed directories must exist.
*/
func TestNew_MissingRoot(t *testing.T) {
	_, err := New([]string{filepath.Join(t.TempDir(), "missing")}, nil)
	require.Equal(t, errs.CodeIO, errs.CodeOf(err))
}

/*
TestUnrestricted verifies the nil and empty policies allow everything.
*/
func TestUnrestricted(t *testing.T) {
	var p *Policy
	require.NoError(t, p.CheckPath("/etc/passwd"))
	require.Equal(t, "x", p.Mask("email", "x"))

	p, err := New(nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.CheckPath("/etc/passwd"))
}

/*
TestCheckSpec verifies every file of a pipeline is checked, while non-file
database outputs are not.
*/
func TestCheckSpec(t *testing.T) {
	root := t.TempDir()
	p, err := New([]string{root}, nil)
	require.NoError(t, err)
	in := func(name string) string { return filepath.Join(root, name) }

	spec := &config.PipelineSpec{
		Inputs: []config.InputSpec{{Path: in("in.csv")}},
		Outputs: []config.OutputSpec{
			{Path: in("out.csv"), Format: config.FormatCSV},
			{Path: "postgres://db/x", Format: config.FormatPostgres, Table: "t"},
		},
		Steps: []config.Step{&config.Features{StatePath: in("state.json")}},
	}
	require.NoError(t, p.CheckSpec(spec))

	spec.Quarantine = &config.OutputSpec{Path: "/tmp/elsewhere/q.csv", Format: config.FormatCSV}
	require.Error(t, p.CheckSpec(spec))
	spec.Quarantine = nil
	require.Len(t, spec.Outputs, 2)

	spec.Steps = []config.Step{&config.Features{StatePath: "/var/state.json"}}
	require.Error(t, p.CheckSpec(spec))
}

/*
TestMask verifies masked columns are replaced in log key/values and nulls
stay empty.
*/
func TestMask(t *testing.T) {
	p, err := New(nil, []string{"email"})
	require.NoError(t, err)
	require.True(t, p.Masked("email"))
	require.Nil(t, p.Mask("email", nil))
	require.Equal(t, []any{"age", "30", "email", MaskedValue, "id", ""},
		p.Keyvals(map[string]any{"email": "a@x.io", "age": int64(30), "id": nil}))
}
