package storage

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	Register(config.FormatCSV, openFile)
	Register(config.FormatJSONL, openFile)
}

// NullPartition names the partition directory of null keys.
const NullPartition = "__null__"

// fileSink writes csv or jsonl files. Each file is written to a temporary
// name next to its destination and renamed on Close, so readers never see a
// partial output. With partition_by, Path is a directory holding one
// "<col>=<value>" subdirectory per key and the key columns are not repeated
// in the files.
type fileSink struct {
	out  config.OutputSpec
	gzip bool

	schema  frame.Schema
	keys    []int
	keep    []int
	files   map[string]*fileWriter
	started bool
	failed  bool
}

func openFile(ctx context.Context, out config.OutputSpec) (Sink, error) {
	if strings.TrimSpace(out.Path) == "" {
		return nil, errs.Configf("%s output requires a path", out.Format)
	}
	return &fileSink{
		out:   out,
		gzip:  out.Compression == "gzip" || strings.HasSuffix(strings.ToLower(out.Path), ".gz"),
		files: map[string]*fileWriter{},
	}, ctx.Err()
}

func (s *fileSink) init(schema frame.Schema) error {
	s.schema = schema
	for _, k := range s.out.PartitionBy {
		i := schema.Index(k)
		if i < 0 {
			return errs.Schemaf("partition column %q is not in the output (have %s)", k, schema).WithColumn(k)
		}
		s.keys = append(s.keys, i)
	}
	for i := range schema.Fields {
		if !contains(s.keys, i) {
			s.keep = append(s.keep, i)
		}
	}
	s.started = true
	if len(s.keys) == 0 {
		_, err := s.writer(s.out.Path)
		return err
	}
	return nil
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Write implements Sink.
func (s *fileSink) Write(ctx context.Context, schema frame.Schema, rows [][]any) error {
	if err := ctx.Err(); err != nil {
		s.failed = true
		return err
	}
	if !s.started {
		if err := s.init(schema); err != nil {
			s.failed = true
			return err
		}
	}
	for _, row := range rows {
		w, err := s.writer(s.pathOf(row))
		if err == nil {
			err = w.row(s.project(row))
		}
		if err != nil {
			s.failed = true
			return err
		}
	}
	return nil
}

func (s *fileSink) project(row []any) []any {
	if len(s.keys) == 0 {
		return row
	}
	out := make([]any, len(s.keep))
	for j, i := range s.keep {
		out[j] = row[i]
	}
	return out
}

func (s *fileSink) pathOf(row []any) string {
	if len(s.keys) == 0 {
		return s.out.Path
	}
	parts := make([]string, 0, len(s.keys)+2)
	parts = append(parts, s.out.Path)
	for _, i := range s.keys {
		v := NullPartition
		if row[i] != nil {
			v = url.PathEscape(types.ToString(row[i]))
		}
		parts = append(parts, s.schema.Fields[i].Name+"="+v)
	}
	name := "part-00000." + s.out.Format
	if s.gzip {
		name += ".gz"
	}
	return filepath.Join(append(parts, name)...)
}

func (s *fileSink) writer(path string) (*fileWriter, error) {
	if w, ok := s.files[path]; ok {
		return w, nil
	}
	names := make([]string, len(s.keep))
	for j, i := range s.keep {
		names[j] = s.schema.Fields[i].Name
	}
	w, err := newFileWriter(path, s.out, s.gzip, names)
	if err != nil {
		return nil, err
	}
	s.files[path] = w
	return w, nil
}

// Paths returns the files written so far, sorted.
func (s *fileSink) Paths() []string {
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Close commits every file, or discards them all after a failed write.
func (s *fileSink) Close() error {
	var first error
	for _, p := range s.Paths() {
		w := s.files[p]
		if s.failed {
			w.abort()
			continue
		}
		if err := w.commit(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Abort discards every file.
func (s *fileSink) Abort() error {
	s.failed = true
	return s.Close()
}

type fileWriter struct {
	path string
	tmp  *os.File
	gz   *gzip.Writer
	buf  *bufio.Writer
	enc  rowEncoder
}

type rowEncoder interface {
	row(vals []any) error
	flush() error
}

func newFileWriter(path string, out config.OutputSpec, gz bool, names []string) (*fileWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.IOf(err, "create output directory %s", dir)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, errs.IOf(err, "create output %s", path)
	}
	w := &fileWriter{path: path, tmp: tmp}
	var dst io.Writer = tmp
	if gz {
		w.gz = gzip.NewWriter(tmp)
		dst = w.gz
	}
	w.buf = bufio.NewWriter(dst)

	switch out.Format {
	case config.FormatJSONL:
		w.enc = &jsonlEncoder{names: names, stream: jsoniter.NewStream(json, w.buf, 4096)}
	default:
		c := csv.NewWriter(w.buf)
		c.Comma = out.Options.Rune("delimiter", ',')
		w.enc = &csvEncoder{w: c}
		if out.Options.Bool("header", true) {
			if err := c.Write(names); err != nil {
				w.abort()
				return nil, errs.IOf(err, "write header %s", path)
			}
		}
	}
	return w, nil
}

func (w *fileWriter) row(vals []any) error {
	if err := w.enc.row(vals); err != nil {
		return errs.IOf(err, "write %s", w.path)
	}
	return nil
}

func (w *fileWriter) commit() error {
	err := w.enc.flush()
	if err == nil {
		err = w.buf.Flush()
	}
	if err == nil && w.gz != nil {
		err = w.gz.Close()
	}
	if cerr := w.tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(w.tmp.Name(), w.path)
	}
	if err != nil {
		os.Remove(w.tmp.Name())
		return errs.IOf(err, "write output %s", w.path)
	}
	return nil
}

func (w *fileWriter) abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

type csvEncoder struct {
	w      *csv.Writer
	record []string
}

func (e *csvEncoder) row(vals []any) error {
	e.record = e.record[:0]
	for _, v := range vals {
		e.record = append(e.record, Text(v))
	}
	return e.w.Write(e.record)
}

func (e *csvEncoder) flush() error {
	e.w.Flush()
	return e.w.Error()
}

// Text renders a cell for text outputs. Nulls render empty and value counts
// render as a JSON object.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case map[string]int64:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return types.ToString(v)
}

// jsonlEncoder writes one object per row with keys in column order.
type jsonlEncoder struct {
	names  []string
	stream *jsoniter.Stream
}

func (e *jsonlEncoder) row(vals []any) error {
	s := e.stream
	s.WriteObjectStart()
	for i, v := range vals {
		if i > 0 {
			s.WriteMore()
		}
		s.WriteObjectField(e.names[i])
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			s.WriteNil()
			continue
		}
		s.WriteVal(v)
	}
	s.WriteObjectEnd()
	s.WriteRaw("\n")
	if s.Buffered() > 4096 {
		return e.flush()
	}
	return s.Error
}

func (e *jsonlEncoder) flush() error {
	if err := e.stream.Flush(); err != nil {
		return err
	}
	return e.stream.Error
}
