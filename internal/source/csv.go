package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// utf8BOM is stripped from the first header cell if present.
const utf8BOM = "\uFEFF"

// csvOptions are the codec settings read from InputSpec.Options.
type csvOptions struct {
	comma     rune
	hasHeader bool
	trimSpace bool
}

func csvOptionsOf(in config.InputSpec) csvOptions {
	o := csvOptions{
		comma:     in.Options.Rune("delimiter", ','),
		hasHeader: in.Options.Bool("has_header", true),
		trimSpace: in.Options.Bool("trim_space", false),
	}
	if o.comma == ',' {
		o.comma = in.Options.Rune("comma", ',')
	}
	return o
}

func newCSVReader(r io.Reader, o csvOptions) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = o.comma
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = o.trimSpace
	return cr
}

// normalizeHeaders strips a BOM and surrounding space from header cells and
// brings them to NFC so column names compare by code points.
func normalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		out[i] = norm.NFC.String(strings.TrimSpace(h))
	}
	return out
}

// header reads the column names, or synthesizes column_1..column_n from the
// first record when the input has no header row. The synthesized case
// returns that record so it is not lost.
func header(cr *csv.Reader, in config.InputSpec, o csvOptions) ([]string, []string, error) {
	rec, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errs.Schemaf("input %s: empty file, no header", in.Name)
	}
	if err != nil {
		return nil, nil, errs.IOf(err, "read input %s", in.Name)
	}
	if !o.hasHeader {
		names := make([]string, len(rec))
		for i := range rec {
			names[i] = fmt.Sprintf("column_%d", i+1)
		}
		return names, append([]string(nil), rec...), nil
	}
	names := normalizeHeaders(rec)
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			return nil, nil, errs.Schemaf("input %s: empty column name in header", in.Name)
		}
		if _, dup := seen[n]; dup {
			return nil, nil, errs.Schemaf("input %s: duplicate column %q in header", in.Name, n).WithColumn(n)
		}
		seen[n] = struct{}{}
	}
	return names, nil, nil
}

func probeCSV(ctx context.Context, in config.InputSpec) (frame.Schema, error) {
	rc, err := openFile(ctx, in.Path)
	if err != nil {
		return frame.Schema{}, err
	}
	defer rc.Close()

	o := csvOptionsOf(in)
	cr := newCSVReader(rc, o)
	names, first, err := header(cr, in, o)
	if err != nil {
		return frame.Schema{}, err
	}
	null := nullSet(in)
	samples := make([][]string, len(names))
	add := func(rec []string) {
		for i := range names {
			if i >= len(rec) {
				break
			}
			v := rec[i]
			if o.trimSpace {
				v = strings.TrimSpace(v)
			}
			if !null.has(v) {
				samples[i] = append(samples[i], v)
			}
		}
	}
	n := 0
	if first != nil {
		add(first)
		n++
	}
	for limit := inferRows(in); n < limit; n++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return frame.Schema{}, errs.IOf(err, "read input %s", in.Name)
		}
		add(rec)
	}
	inferred := make([]types.DataType, len(names))
	for i := range names {
		inferred[i] = inferType(samples[i])
	}
	return resolve(in, names, inferred)
}

type csvReader struct {
	in      config.InputSpec
	rc      io.ReadCloser
	cr      *csv.Reader
	opt     csvOptions
	null    nulls
	schema  frame.Schema
	fields  []frame.Field // per file column; Name is empty when not read
	index   []int         // per file column, position in schema
	pending []string
	line    int
}

func openCSV(ctx context.Context, in config.InputSpec, schema frame.Schema) (Reader, error) {
	rc, err := openFile(ctx, in.Path)
	if err != nil {
		return nil, err
	}
	o := csvOptionsOf(in)
	cr := newCSVReader(rc, o)
	names, first, err := header(cr, in, o)
	if err != nil {
		rc.Close()
		return nil, err
	}
	r := &csvReader{in: in, rc: rc, cr: cr, opt: o, null: nullSet(in), schema: schema, pending: first, line: 1}
	if first != nil {
		r.line = 0
	}
	r.fields = make([]frame.Field, len(names))
	r.index = make([]int, len(names))
	for i, n := range names {
		if f, ok := schema.Lookup(n); ok {
			r.fields[i] = f
		}
		r.index[i] = schema.Index(n)
	}
	if missing := missingFrom(schema, names); missing != "" {
		rc.Close()
		return nil, errs.Schemaf("input %s: column %q not found in header", in.Name, missing).WithColumn(missing)
	}
	return r, nil
}

func missingFrom(schema frame.Schema, names []string) string {
	have := make(map[string]struct{}, len(names))
	for _, n := range names {
		have[n] = struct{}{}
	}
	for _, f := range schema.Fields {
		if _, ok := have[f.Name]; !ok {
			return f.Name
		}
	}
	return ""
}

func (r *csvReader) Schema() frame.Schema { return r.schema }

func (r *csvReader) Next(ctx context.Context, n int) ([][]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows [][]any
	for len(rows) < n {
		rec := r.pending
		r.pending = nil
		if rec == nil {
			var err error
			rec, err = r.cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, errs.IOf(err, "read input %s", r.in.Name)
			}
		}
		r.line++
		if len(rec) != len(r.fields) {
			return nil, errs.Schemaf("input %s line %d: %d fields, header has %d", r.in.Name, r.line, len(rec), len(r.fields))
		}
		row, err := r.convert(rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

func (r *csvReader) convert(rec []string) ([]any, error) {
	row := make([]any, r.schema.Len())
	for i, f := range r.fields {
		if f.Name == "" {
			continue
		}
		v := rec[i]
		if r.opt.trimSpace {
			v = strings.TrimSpace(v)
		}
		if r.null.has(v) {
			continue
		}
		cell, err := convert(r.in, r.line, f, v)
		if err != nil {
			return nil, err
		}
		row[r.index[i]] = cell
	}
	return row, nil
}

func (r *csvReader) Close() error { return r.rc.Close() }
