package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const users = `id,age,email
1,30,a@x.io
2,-5,b@x.io
3,40,c@x.io
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func exec(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--log.level=error"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func pipeline(dir, mode string) string {
	return fmt.Sprintf(`
inputs: ["%[1]s/users.csv"]
steps:
  - validate:
      mode: %[2]s
      checks: { columns: [ { name: age, range: { min: 0 } } ] }
outputs: ["%[1]s/out.csv"]
`, dir, mode)
}

/*
TestRunCommand verifies exit codes of the run command: success, a strict
validation failure and an unreadable pipeline.
*/
func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "users.csv", users)

	code, stdout, _ := exec("run", write(t, dir, "ok.yaml", pipeline(dir, "warn")))
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "succeeded")
	require.Contains(t, stdout, "wrote "+filepath.Join(dir, "out.csv"))

	code, _, stderr := exec("run", write(t, dir, "strict.yaml", pipeline(dir, "strict")))
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "validation_error at step 0")
	require.Contains(t, stderr, "age:range")

	code, _, stderr = exec("run", filepath.Join(dir, "missing.yaml"))
	require.Equal(t, 3, code)
	require.Contains(t, stderr, "io_error")
}

/*
TestRunCommand_AllowedPaths verifies the sandbox flag denies a pipeline
outside the allowed directory.
*/
func TestRunCommand_AllowedPaths(t *testing.T) {
	dir, other := t.TempDir(), t.TempDir()
	write(t, dir, "users.csv", users)
	path := write(t, dir, "p.yaml", pipeline(dir, "warn"))

	code, _, stderr := exec("--allowed-paths", other, "run", path)
	require.Equal(t, 3, code)
	require.Contains(t, stderr, "access denied")
}

/*
TestValidateCommand verifies standalone validation in quarantine mode
writes the quarantine file and succeeds.
*/
func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	data := write(t, dir, "users.csv", users)
	checks := write(t, dir, "checks.yaml", "columns:\n  - { name: age, range: { min: 0 } }\n")
	q := filepath.Join(dir, "q.csv")

	code, stdout, stderr := exec("validate", data, "--checks", checks, "--mode", "quarantine", "--quarantine", q)
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "2 of 3 rows passed")
	_, err := os.Stat(q)
	require.NoError(t, err)

	code, _, _ = exec("validate", data, "--checks", checks)
	require.Equal(t, 2, code)

	code, _, stderr = exec("validate", data, "--checks", checks, "--mode", "quarantine")
	require.Equal(t, 5, code)
	require.Contains(t, stderr, "needs a quarantine output")
}

/*
TestCompileAndLint verifies compile prints the plan and lint fails on
error findings.
*/
func TestCompileAndLint(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "users.csv", users)
	path := write(t, dir, "p.yaml", pipeline(dir, "quarantine"))

	code, stdout, _ := exec("compile", path)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "plan:")

	code, stdout, _ = exec("lint", path)
	require.Equal(t, 5, code)
	require.Contains(t, stdout, "error steps[0].validate.mode")

	code, stdout, _ = exec("lint", write(t, dir, "warn.yaml", pipeline(dir, "warn")))
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "no issues")

	code, _, stderr := exec("lint", write(t, dir, "bad.yaml", "inputs: [a.csv]\nsteps: [ { nope: {} } ]\n"))
	require.Equal(t, 5, code)
	require.Contains(t, stderr, "config_error")
}

/*
TestUsageErrors verifies unknown flags are configuration errors.
*/
func TestUsageErrors(t *testing.T) {
	code, _, stderr := exec("run", "--no-such-flag", "p.yaml")
	require.Equal(t, 5, code)
	require.Contains(t, stderr, "error")
}
