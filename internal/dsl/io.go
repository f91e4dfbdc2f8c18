package dsl

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/types"
)

func (c *compiler) input(n *yaml.Node, path string) (config.InputSpec, error) {
	var in config.InputSpec
	if n.Kind == yaml.ScalarNode && !isNull(n) {
		in.Path = n.Value
		in.Name = config.StemOf(in.Path)
		in.Format = config.FormatFromPath(in.Path)
		return in, nil
	}
	m, err := asMapping(n, path)
	if err != nil {
		return in, err
	}
	if in.Path, err = m.str("path", true); err != nil {
		return in, err
	}
	if in.Name, err = m.str("name", false); err != nil {
		return in, err
	}
	if in.Name == "" {
		in.Name = config.StemOf(in.Path)
	}
	if in.Format, err = m.str("format", false); err != nil {
		return in, err
	}
	if in.Format == "" {
		in.Format = config.FormatFromPath(in.Path)
	}
	if in.Format != config.FormatCSV && in.Format != config.FormatJSONL {
		return in, errAt(m.values["format"], m.child("format"), "unsupported input format %q (want csv or jsonl)", in.Format)
	}
	if v, ok := m.get("schema"); ok {
		if in.Schema, err = columnTypes(v, m.child("schema")); err != nil {
			return in, err
		}
	}
	rows, err := m.integer("infer_rows", 0)
	if err != nil {
		return in, err
	}
	if rows < 0 {
		return in, errAt(m.values["infer_rows"], m.child("infer_rows"), "infer_rows must be >= 0")
	}
	in.InferRows = int(rows)
	if in.NullValues, err = m.strList("null_values", false); err != nil {
		return in, err
	}
	if in.Options, err = options(m, "options"); err != nil {
		return in, err
	}
	return in, m.finish()
}

// columnTypes decodes an ordered {column: type} mapping.
func columnTypes(n *yaml.Node, path string) ([]config.ColumnType, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	out := make([]config.ColumnType, 0, len(m.keys))
	for _, k := range m.keys {
		s, err := m.str(k.Value, true)
		if err != nil {
			return nil, err
		}
		t, ok := types.ParseDataType(s)
		if !ok {
			return nil, errAt(m.values[k.Value], m.child(k.Value), "unknown type %q", s)
		}
		out = append(out, config.ColumnType{Name: k.Value, Type: t})
	}
	return out, nil
}

func options(m *mapping, key string) (config.Options, error) {
	v, ok := m.get(key)
	if !ok {
		return nil, nil
	}
	if v.Kind != yaml.MappingNode {
		return nil, errAt(v, m.child(key), "expected a mapping, got %s", kindName(v))
	}
	raw, err := plainValue(v, m.child(key))
	if err != nil {
		return nil, err
	}
	return config.Options(raw.(map[string]any)), nil
}

var outputFormats = map[string]struct{}{
	config.FormatCSV: {}, config.FormatJSONL: {}, config.FormatSQLite: {},
	config.FormatPostgres: {}, config.FormatMySQL: {}, config.FormatMSSQL: {},
}

func (c *compiler) output(n *yaml.Node, path string) (config.OutputSpec, error) {
	var out config.OutputSpec
	if n.Kind == yaml.ScalarNode && !isNull(n) {
		out.Path = n.Value
		out.Format = config.FormatFromPath(out.Path)
		return out, nil
	}
	m, err := asMapping(n, path)
	if err != nil {
		return out, err
	}
	if out.Path, err = m.str("path", true); err != nil {
		return out, err
	}
	if out.Format, err = m.str("format", false); err != nil {
		return out, err
	}
	if out.Format == "" {
		out.Format = config.FormatFromPath(out.Path)
	}
	if _, ok := outputFormats[out.Format]; !ok {
		return out, errAt(m.values["format"], m.child("format"), "unsupported output format %q", out.Format)
	}
	if out.Compression, err = m.str("compression", false); err != nil {
		return out, err
	}
	if out.PartitionBy, err = m.strList("partition_by", false); err != nil {
		return out, err
	}
	if out.Table, err = m.str("table", false); err != nil {
		return out, err
	}
	if out.Options, err = options(m, "options"); err != nil {
		return out, err
	}
	return out, m.finish()
}

func (c *compiler) lineage(n *yaml.Node, path string) (*config.LineageSpec, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	var l config.LineageSpec
	if l.Path, err = m.str("path", false); err != nil {
		return nil, err
	}
	if l.DSN, err = m.str("dsn", false); err != nil {
		return nil, err
	}
	if (l.Path == "") == (l.DSN == "") {
		return nil, errAt(n, path, "lineage requires exactly one of path or dsn")
	}
	return &l, m.finish()
}

func (c *compiler) runtime(n *yaml.Node, path string) (config.RuntimeConfig, error) {
	r := config.DefaultRuntime()
	m, err := asMapping(n, path)
	if err != nil {
		return r, err
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"threads", &r.Threads},
		{"batch_size", &r.BatchSize},
		{"regex_max_input", &r.RegexMaxInput},
		{"max_categories", &r.MaxCategories},
	}
	for _, f := range ints {
		v, err := m.integer(f.key, int64(*f.dst))
		if err != nil {
			return r, err
		}
		if v < 0 {
			return r, errAt(m.values[f.key], m.child(f.key), "%s must be >= 0", f.key)
		}
		*f.dst = int(v)
	}
	if r.Cache, err = m.boolean("cache", r.Cache); err != nil {
		return r, err
	}
	if r.Streaming, err = m.boolean("streaming", r.Streaming); err != nil {
		return r, err
	}
	if v, ok := m.get("memory_limit"); ok {
		if r.MemoryLimit, err = byteSize(v, m.child("memory_limit")); err != nil {
			return r, err
		}
	}
	if v, ok := m.get("regex_timeout"); ok {
		if r.RegexTimeout, err = duration(v, m.child("regex_timeout")); err != nil {
			return r, err
		}
	}
	return r, m.finish()
}

// byteSize accepts an integer byte count or a human size such as "512MB".
func byteSize(n *yaml.Node, path string) (uint64, error) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!int" {
		v, err := scalarInt(n, path)
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, errAt(n, path, "size must be >= 0")
		}
		return uint64(v), nil
	}
	s, err := scalarString(n, path)
	if err != nil {
		return 0, err
	}
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errAt(n, path, "invalid size %q: %v", s, err)
	}
	return b, nil
}

// duration accepts a Go duration string or an integer number of
// milliseconds.
func duration(n *yaml.Node, path string) (time.Duration, error) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!int" {
		v, err := scalarInt(n, path)
		if err != nil {
			return 0, err
		}
		return time.Duration(v) * time.Millisecond, nil
	}
	s, err := scalarString(n, path)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errAt(n, path, "invalid duration %q", s)
	}
	return d, nil
}

func stepPath(i int, kind string) string { return fmt.Sprintf("steps[%d].%s", i, kind) }
