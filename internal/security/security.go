// Package security confines the files a run may touch and masks sensitive
// column values in diagnostics.
package security

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/types"
)

// MaskedValue replaces masked values in diagnostics.
const MaskedValue = "***"

// Policy is the sandbox and masking policy of a run. The zero value allows
// every path and masks nothing.
type Policy struct {
	roots  []string
	masked map[string]struct{}
}

// New returns a policy confining paths to the allowed directories and
// masking the named columns. Allowed directories must exist.
func New(allowed, maskColumns []string) (*Policy, error) {
	p := &Policy{masked: make(map[string]struct{}, len(maskColumns))}
	for _, dir := range allowed {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, errs.IOf(err, "allowed path %s", dir)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, errs.IOf(err, "allowed path %s", dir)
		}
		p.roots = append(p.roots, resolved)
	}
	for _, c := range maskColumns {
		p.masked[c] = struct{}{}
	}
	return p, nil
}

// Restricted reports whether p confines paths.
func (p *Policy) Restricted() bool { return p != nil && len(p.roots) > 0 }

// CheckPath fails with an "access denied" I/O error unless path lies inside
// an allowed directory. Symlinks are resolved; a path that does not exist yet
// is resolved through its closest existing ancestor.
func (p *Policy) CheckPath(path string) error {
	if !p.Restricted() {
		return nil
	}
	target, err := resolve(path)
	if err != nil {
		return errs.IOf(err, "access denied: cannot resolve %s", path)
	}
	for _, root := range p.roots {
		if within(root, target) {
			return nil
		}
	}
	return errs.IOf(fs.ErrPermission, "access denied: %s is outside the allowed paths %v", path, p.roots)
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var rest []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

// CheckSpec checks every local file spec reads or writes: inputs, file
// outputs, the quarantine output, the lineage sink and feature states.
// Database outputs other than SQLite are not files and are not checked.
func (p *Policy) CheckSpec(spec *config.PipelineSpec) error {
	if !p.Restricted() {
		return nil
	}
	var paths []string
	for _, in := range spec.Inputs {
		paths = append(paths, in.Path)
	}
	outs := spec.Outputs
	if spec.Quarantine != nil {
		outs = append(outs[:len(outs):len(outs)], *spec.Quarantine)
	}
	for _, o := range outs {
		if !config.IsDatabase(o.Format) || o.Format == config.FormatSQLite {
			paths = append(paths, o.Path)
		}
	}
	if l := spec.Lineage; l != nil {
		if l.Path != "" {
			paths = append(paths, l.Path)
		}
		if l.DSN != "" {
			paths = append(paths, l.DSN)
		}
	}
	for _, s := range spec.Steps {
		switch s := s.(type) {
		case *config.Features:
			if s.StatePath != "" {
				paths = append(paths, s.StatePath)
			}
		case *config.Validate:
			if s.ChecksPath != "" {
				paths = append(paths, s.ChecksPath)
			}
		}
	}
	for _, path := range paths {
		if err := p.CheckPath(path); err != nil {
			return err
		}
	}
	return nil
}

// Masked reports whether column is masked.
func (p *Policy) Masked(column string) bool {
	if p == nil {
		return false
	}
	_, ok := p.masked[column]
	return ok
}

// Mask returns v, or MaskedValue when column is masked and v is not null.
func (p *Policy) Mask(column string, v any) any {
	if v != nil && p.Masked(column) {
		return MaskedValue
	}
	return v
}

// Keyvals renders record as go-kit log key/value pairs in key order, with
// masked columns replaced.
func (p *Policy) Keyvals(record map[string]any) []any {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, types.ToString(p.Mask(k, record[k])))
	}
	return out
}
