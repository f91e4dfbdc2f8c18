// Package config defines the typed model of a compiled pipeline document:
// inputs, the ordered steps, outputs and runtime hints.
//
// Values in this package are produced once by the DSL compiler and are never
// mutated afterwards. The structs carry JSON tags so a compiled spec can be
// recorded verbatim in lineage entries.
//
// Example (trimmed):
//
//	inputs:
//	  - path: data/train.csv
//	steps:
//	  - filter: { condition: "age >= 18" }
//	  - validate: { mode: quarantine, checks: { columns: [ { name: email, not_null: true } ] } }
//	  - features: { state_path: state.json, features: [ { column: price, transform: standard } ] }
//	outputs:
//	  - path: out/clean.csv
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/types"
)

// PipelineSpec is a compiled pipeline document.
type PipelineSpec struct {
	// Inputs lists the datasets read by the pipeline. The first input is the
	// main frame; the others can be referenced by name from join steps.
	Inputs []InputSpec `json:"inputs"`

	// Steps is the ordered list of transformations.
	Steps []Step `json:"steps"`

	// Outputs receive the final frame.
	Outputs []OutputSpec `json:"outputs"`

	// Quarantine receives rows rejected by validate steps in quarantine mode.
	Quarantine *OutputSpec `json:"quarantine,omitempty"`

	// Lineage configures where the run record is appended.
	Lineage *LineageSpec `json:"lineage,omitempty"`

	Runtime RuntimeConfig `json:"runtime"`
}

// Input returns the input named name.
func (p *PipelineSpec) Input(name string) (InputSpec, bool) {
	for _, in := range p.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// ColumnType pairs a column name with its declared type.
type ColumnType struct {
	Name string         `json:"name"`
	Type types.DataType `json:"type"`
}

// InputSpec describes one input dataset.
type InputSpec struct {
	// Name identifies the input for joins. Defaults to the file stem.
	Name string `json:"name"`
	Path string `json:"path"`
	// Format is csv or jsonl. Defaults to the path extension.
	Format string `json:"format"`
	// Schema optionally declares column types in file order. Declared
	// columns are cast on read and let the compiler check references.
	Schema []ColumnType `json:"schema,omitempty"`
	// InferRows is the number of rows sampled to infer types when no schema
	// is declared. Zero samples source.DefaultInferRows rows.
	InferRows int `json:"infer_rows,omitempty"`
	// NullValues are cell spellings read as null, in addition to the empty
	// string.
	NullValues []string `json:"null_values,omitempty"`
	// Options carries codec settings such as "delimiter" or "has_header".
	Options Options `json:"options,omitempty"`
}

// OutputSpec describes one sink.
type OutputSpec struct {
	// Path is a file path for file formats and a DSN for database formats.
	Path   string `json:"path"`
	Format string `json:"format"`
	// Compression is recorded for the sink; "gzip" is supported by file
	// formats.
	Compression string   `json:"compression,omitempty"`
	PartitionBy []string `json:"partition_by,omitempty"`
	// Table is the destination table for database formats.
	Table   string  `json:"table,omitempty"`
	Options Options `json:"options,omitempty"`
}

// LineageSpec configures the lineage sink. Exactly one of Path (JSON lines
// file) or DSN (SQLite database) is set.
type LineageSpec struct {
	Path string `json:"path,omitempty"`
	DSN  string `json:"dsn,omitempty"`
}

// File formats understood by the reference engine and sinks.
const (
	FormatCSV      = "csv"
	FormatJSONL    = "jsonl"
	FormatSQLite   = "sqlite"
	FormatPostgres = "postgres"
	FormatMySQL    = "mysql"
	FormatMSSQL    = "mssql"
)

// IsDatabase reports whether format names a database sink.
func IsDatabase(format string) bool {
	switch format {
	case FormatSQLite, FormatPostgres, FormatMySQL, FormatMSSQL:
		return true
	}
	return false
}

// FormatFromPath derives a file format from the path extension, ignoring a
// trailing .gz.
func FormatFromPath(path string) string {
	p := strings.TrimSuffix(strings.ToLower(path), ".gz")
	switch filepath.Ext(p) {
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite
	default:
		return FormatCSV
	}
}

// StemOf returns the file name of path without directory and extensions.
func StemOf(path string) string {
	base := filepath.Base(strings.TrimSuffix(path, ".gz"))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RuntimeConfig carries execution hints. It is passed by value into the
// builder and the engine and never stored globally.
type RuntimeConfig struct {
	Threads   int  `json:"threads"`
	Cache     bool `json:"cache"`
	Streaming bool `json:"streaming"`
	// MemoryLimit bounds the bytes buffered by pipeline breakers. Zero means
	// unlimited.
	MemoryLimit uint64 `json:"memory_limit"`
	BatchSize   int    `json:"batch_size"`
	// RegexMaxInput and RegexTimeout form the budget attached to every regex
	// operation.
	RegexMaxInput int           `json:"regex_max_input"`
	RegexTimeout  time.Duration `json:"regex_timeout"`
	// MaxCategories caps fitted vocabularies unless a feature overrides it.
	MaxCategories int `json:"max_categories"`
}

// Runtime defaults.
const (
	DefaultBatchSize     = 4096
	DefaultRegexMaxInput = 4096
	DefaultRegexTimeout  = 100 * time.Millisecond
	DefaultMaxCategories = 1000
)

// DefaultRuntime returns the runtime used when a document has no runtime
// block.
func DefaultRuntime() RuntimeConfig {
	return RuntimeConfig{
		Threads:       1,
		Cache:         true,
		Streaming:     true,
		BatchSize:     DefaultBatchSize,
		RegexMaxInput: DefaultRegexMaxInput,
		RegexTimeout:  DefaultRegexTimeout,
		MaxCategories: DefaultMaxCategories,
	}
}

// RegexBudget returns the regex budget, substituting defaults for unset
// limits.
func (r RuntimeConfig) RegexBudget() expr.Budget {
	b := expr.Budget{MaxInput: r.RegexMaxInput, Timeout: r.RegexTimeout}
	if b.MaxInput <= 0 {
		b.MaxInput = DefaultRegexMaxInput
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultRegexTimeout
	}
	return b
}

// Options is a small helper to fetch typed values from a free-form mapping,
// used for codec and sink settings whose shape varies by format. Only minimal
// coercion is performed; defaults are returned when a key is absent or of an
// unexpected type.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. Decoders may produce int or
// float64 for numbers, so both are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def if key is
// missing or empty. Used for single-character settings such as a CSV
// delimiter.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// StringSlice returns a []string for key when the value is a list of
// strings. Returns nil when the key is missing or not a list.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}
