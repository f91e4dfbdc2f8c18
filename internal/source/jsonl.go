package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/text/unicode/norm"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// objectDecoder yields one JSON object per call. Blank lines are skipped.
type objectDecoder struct {
	in   config.InputSpec
	sc   *bufio.Scanner
	line int
}

const maxLine = 16 << 20

func newObjectDecoder(r io.Reader, in config.InputSpec) *objectDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return &objectDecoder{in: in, sc: sc}
}

// next returns the keys of the next object in document order along with its
// values. Numbers are kept as number.
func (d *objectDecoder) next() ([]string, map[string]any, error) {
	for d.sc.Scan() {
		d.line++
		b := d.sc.Bytes()
		if strings.TrimSpace(string(b)) == "" {
			continue
		}
		it := json.BorrowIterator(b)
		keys, obj, err := readObject(it)
		json.ReturnIterator(it)
		if err != nil {
			return nil, nil, errs.Schemaf("input %s line %d: %v", d.in.Name, d.line, err)
		}
		return keys, obj, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, nil, errs.IOf(err, "read input %s", d.in.Name)
	}
	return nil, nil, io.EOF
}

func readObject(it *jsoniter.Iterator) ([]string, map[string]any, error) {
	if it.WhatIsNext() != jsoniter.ObjectValue {
		return nil, nil, errors.New("expected a JSON object per line")
	}
	var keys []string
	obj := map[string]any{}
	it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		key = norm.NFC.String(key)
		if _, dup := obj[key]; !dup {
			keys = append(keys, key)
		}
		obj[key] = cellOf(it)
		return it.Error == nil
	})
	if it.Error != nil && !errors.Is(it.Error, io.EOF) {
		return nil, nil, it.Error
	}
	return keys, obj, nil
}

// cellOf reads one JSON value as a cell. Nested arrays and objects become
// their JSON text.
func cellOf(it *jsoniter.Iterator) any {
	switch it.WhatIsNext() {
	case jsoniter.NilValue:
		it.ReadNil()
		return nil
	case jsoniter.BoolValue:
		return it.ReadBool()
	case jsoniter.NumberValue:
		return number(it.ReadNumber())
	case jsoniter.StringValue:
		return it.ReadString()
	default:
		return string(it.SkipAndReturnBytes())
	}
}

// number is a JSON number kept in its source spelling until the column type
// is known.
type number string

// text renders a cell the way a CSV file would spell it, for inference and
// conversion.
func text(v any) string {
	if n, ok := v.(number); ok {
		return string(n)
	}
	return types.ToString(v)
}

func probeJSONL(ctx context.Context, in config.InputSpec) (frame.Schema, error) {
	rc, err := openFile(ctx, in.Path)
	if err != nil {
		return frame.Schema{}, err
	}
	defer rc.Close()

	d := newObjectDecoder(rc, in)
	var names []string
	index := map[string]int{}
	var samples [][]string
	kinds := map[string]types.DataType{}
	null := nullSet(in)
	for n, limit := 0, inferRows(in); n < limit; n++ {
		keys, obj, err := d.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return frame.Schema{}, err
		}
		for _, k := range keys {
			i, ok := index[k]
			if !ok {
				i = len(names)
				index[k] = i
				names = append(names, k)
				samples = append(samples, nil)
			}
			v := obj[k]
			if v == nil {
				continue
			}
			if b, ok := v.(bool); ok {
				kinds[k] = mergeKind(kinds[k], types.Bool)
				samples[i] = append(samples[i], types.ToString(b))
				continue
			}
			s := text(v)
			if _, isStr := v.(string); isStr {
				kinds[k] = mergeKind(kinds[k], types.String)
				if null.has(s) {
					continue
				}
			}
			samples[i] = append(samples[i], s)
		}
	}
	if len(names) == 0 && len(in.Schema) == 0 {
		return frame.Schema{}, errs.Schemaf("input %s: no objects to infer a schema from", in.Name)
	}
	inferred := make([]types.DataType, len(names))
	for i, name := range names {
		inferred[i] = inferType(samples[i])
		// A JSON string never infers as a number or boolean.
		if kinds[name] == types.String {
			inferred[i] = types.String
		}
	}
	// Declared columns absent from the sample are still read.
	for _, c := range in.Schema {
		if _, ok := index[c.Name]; !ok {
			index[c.Name] = len(names)
			names = append(names, c.Name)
			inferred = append(inferred, c.Type)
		}
	}
	return resolve(in, names, inferred)
}

func mergeKind(prev, next types.DataType) types.DataType {
	if prev == types.Unknown || prev == next {
		return next
	}
	return types.String
}

type jsonlReader struct {
	in     config.InputSpec
	rc     io.ReadCloser
	dec    *objectDecoder
	null   nulls
	schema frame.Schema
}

func openJSONL(ctx context.Context, in config.InputSpec, schema frame.Schema) (Reader, error) {
	rc, err := openFile(ctx, in.Path)
	if err != nil {
		return nil, err
	}
	return &jsonlReader{in: in, rc: rc, dec: newObjectDecoder(rc, in), null: nullSet(in), schema: schema}, nil
}

func (r *jsonlReader) Schema() frame.Schema { return r.schema }

// Next converts each object to a row. Keys missing from an object are null;
// keys outside the schema are ignored.
func (r *jsonlReader) Next(ctx context.Context, n int) ([][]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows [][]any
	for len(rows) < n {
		_, obj, err := r.dec.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make([]any, r.schema.Len())
		for i, f := range r.schema.Fields {
			v, ok := obj[f.Name]
			if !ok || v == nil {
				continue
			}
			if s, isStr := v.(string); isStr && r.null.has(s) {
				continue
			}
			if b, isBool := v.(bool); isBool && f.Type == types.Bool {
				row[i] = b
				continue
			}
			cell, err := convert(r.in, r.dec.line, f, text(v))
			if err != nil {
				return nil, err
			}
			row[i] = cell
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

func (r *jsonlReader) Close() error { return r.rc.Close() }
