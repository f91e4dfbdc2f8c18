// Package source reads pipeline inputs as typed row batches.
//
// Probe determines the schema of an input from its header and a sample of
// rows, honouring any declared column types; Open then streams the input in
// batches, converting every cell to its column type. Null markers become nil.
package source

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// DefaultInferRows is the number of rows sampled for type inference when the
// input does not say.
const DefaultInferRows = 100

// Reader streams the rows of one input.
type Reader interface {
	// Schema is the schema of the rows returned by Next.
	Schema() frame.Schema
	// Next returns up to n rows, or io.EOF once the input is exhausted.
	Next(ctx context.Context, n int) ([][]any, error)
	Close() error
}

// Probe returns the schema of in.
func Probe(ctx context.Context, in config.InputSpec) (frame.Schema, error) {
	switch in.Format {
	case config.FormatCSV:
		return probeCSV(ctx, in)
	case config.FormatJSONL:
		return probeJSONL(ctx, in)
	}
	return frame.Schema{}, errs.Configf("input %s: unsupported format %q", in.Name, in.Format)
}

// Open opens in for reading rows of schema, as returned by Probe.
func Open(ctx context.Context, in config.InputSpec, schema frame.Schema) (Reader, error) {
	switch in.Format {
	case config.FormatCSV:
		return openCSV(ctx, in, schema)
	case config.FormatJSONL:
		return openJSONL(ctx, in, schema)
	}
	return nil, errs.Configf("input %s: unsupported format %q", in.Name, in.Format)
}

// openFile opens path, transparently decompressing ".gz" files.
func openFile(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IOf(err, "open input %s", path)
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errs.IOf(err, "open input %s", path)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return zerr
}

// nulls is the set of cell spellings read as null.
type nulls map[string]struct{}

func nullSet(in config.InputSpec) nulls {
	n := nulls{"": {}}
	for _, v := range in.NullValues {
		n[v] = struct{}{}
	}
	return n
}

func (n nulls) has(s string) bool {
	_, ok := n[s]
	return ok
}

func inferRows(in config.InputSpec) int {
	if in.InferRows > 0 {
		return in.InferRows
	}
	return DefaultInferRows
}

// resolve builds the schema from column names in file order and sampled
// types, with declared types taking precedence. A declared column absent
// from the file is a SchemaError.
func resolve(in config.InputSpec, names []string, inferred []types.DataType) (frame.Schema, error) {
	declared := make(map[string]types.DataType, len(in.Schema))
	for _, c := range in.Schema {
		declared[c.Name] = c.Type
	}
	s := frame.Schema{Fields: make([]frame.Field, len(names))}
	for i, name := range names {
		t := inferred[i]
		if d, ok := declared[name]; ok {
			t = d
		}
		s.Fields[i] = frame.Field{Name: name, Type: t}
	}
	for _, c := range in.Schema {
		if !s.Has(c.Name) {
			return frame.Schema{}, errs.Schemaf("input %s: declared column %q not found (have %s)", in.Name, c.Name, s).
				WithColumn(c.Name)
		}
	}
	return s, nil
}

// inferType picks the narrowest type every sampled non-null value fits:
// Int64, then Boolean, then Float64, else String. A column with no sampled
// values is String.
func inferType(values []string) types.DataType {
	if len(values) == 0 {
		return types.String
	}
	for _, t := range []types.DataType{types.Int64, types.Bool, types.Float64} {
		if allFit(values, t) {
			return t
		}
	}
	return types.String
}

func allFit(values []string, t types.DataType) bool {
	for _, v := range values {
		switch t {
		case types.Int64:
			if !isInt(v) {
				return false
			}
		case types.Bool:
			if !isBool(v) {
				return false
			}
		default:
			if _, ok := types.Convert(v, t); !ok {
				return false
			}
		}
	}
	return true
}

func isInt(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	if s == "" || len(s) > 18 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isBool accepts textual booleans only; 1/0 stay integers.
func isBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "false", "t", "f", "yes", "no", "y", "n":
		return true
	}
	return false
}

// convert parses cell s into t.
func convert(in config.InputSpec, line int, col frame.Field, s string) (any, error) {
	v, ok := types.Convert(s, col.Type)
	if !ok {
		return nil, errs.Computef("input %s line %d: cannot parse %q as %s", in.Name, line, s, col.Type).
			WithColumn(col.Name).
			WithExpected(col.Type.String(), fmt.Sprintf("%q", s))
	}
	return v, nil
}
