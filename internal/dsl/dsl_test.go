package dsl

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/types"
)

const fullPipeline = `
inputs:
  - path: data/train.csv
    schema: { id: int64, age: int64, email: string, price: float64, country: string }
    null_values: ["NA"]
  - name: tiers
    path: data/tiers.jsonl
    schema: { country: string, tier: string }
runtime:
  threads: 4
  memory_limit: 512MB
  regex_timeout: 250ms
  regex_max_input: 2048
steps:
  - filter: { condition: "age >= 18 AND email REGEXP '@'" }
  - cast: { columns: { age: float64 } }
  - join: { right: tiers, on: [country], how: left }
  - fillna: { columns: [price], strategy: mean }
  - dropna: [email]
  - window: { partition_by: [country], order_by: id, ops: [ { column: price, func: cumsum, alias: running } ] }
  - validate:
      mode: quarantine
      checks:
        columns:
          - { name: age, range: [0, 120] }
          - { name: email, not_null: true, regex: "^[^@]+@" }
        dataset: { row_count_min: 1, missing_rate_max: { price: 0.2 } }
  - features:
      state_path: state.json
      features:
        - { column: price, transform: standard }
        - { column: tier, transform: count, params: { max_categories: 10, reserve_other: true } }
  - sort: { by: [id], descending: true }
  - select: [id, price, tier, running]
outputs:
  - path: out/clean.csv
  - { path: "postgres://localhost/db", format: postgres, table: public.clean }
quarantine: out/bad.jsonl
lineage: { path: out/lineage.jsonl }
`

/*
TestCompile_FullPipeline verifies every section of a realistic document
compiles into the expected typed model.
*/
func TestCompile_FullPipeline(t *testing.T) {
	spec, err := Compile([]byte(fullPipeline), Limits{})
	require.NoError(t, err)

	require.Len(t, spec.Inputs, 2)
	require.Equal(t, "train", spec.Inputs[0].Name)
	require.Equal(t, config.FormatCSV, spec.Inputs[0].Format)
	require.Equal(t, config.ColumnType{Name: "price", Type: types.Float64}, spec.Inputs[0].Schema[3])
	require.Equal(t, config.FormatJSONL, spec.Inputs[1].Format)

	require.Equal(t, 4, spec.Runtime.Threads)
	require.Equal(t, uint64(512_000_000), spec.Runtime.MemoryLimit)
	require.Equal(t, 250*time.Millisecond, spec.Runtime.RegexTimeout)

	kinds := make([]config.StepKind, len(spec.Steps))
	for i, s := range spec.Steps {
		kinds[i] = s.Kind()
	}
	require.Equal(t, []config.StepKind{
		config.StepFilter, config.StepCast, config.StepJoin, config.StepFillNull, config.StepDropNull,
		config.StepWindow, config.StepValidate, config.StepFeatures, config.StepSort, config.StepSelect,
	}, kinds)

	filter := spec.Steps[0].(*config.Filter)
	require.Contains(t, filter.Predicate.String(), "max_input=2048 timeout=250ms")

	join := spec.Steps[2].(*config.Join)
	require.Equal(t, []string{"country"}, join.RightOn)
	require.Equal(t, config.JoinLeft, join.How)

	v := spec.Steps[6].(*config.Validate)
	require.Equal(t, config.ModeQuarantine, v.Mode)
	var ids []string
	for _, c := range v.Checks.Columns {
		ids = append(ids, config.RuleID(c))
	}
	require.Equal(t, []string{"age:range", "email:not_null", "email:regex"}, ids)
	require.Equal(t, int64(1), *v.Checks.Dataset.RowCountMin)

	f := spec.Steps[7].(*config.Features)
	require.Equal(t, config.FeatureAuto, f.Mode)
	require.Equal(t, config.FeatureParams{MaxCategories: 10, ReserveOther: true}, f.Spec.Features[1].Params)

	sort := spec.Steps[8].(*config.Sort)
	require.Equal(t, []bool{true}, sort.Descending)

	require.Equal(t, config.FormatPostgres, spec.Outputs[1].Format)
	require.Equal(t, config.FormatJSONL, spec.Quarantine.Format)
	require.Equal(t, "out/lineage.jsonl", spec.Lineage.Path)
}

/*
TestCompile_TaggedStepForm verifies the {type: kind, ...} spelling compiles
to the same step as the single-key spelling.
*/
func TestCompile_TaggedStepForm(t *testing.T) {
	doc := `
inputs: [a.csv]
steps:
  - type: group_by
    by: [k]
    aggs: [ { column: v, func: avg }, { func: count, alias: n } ]
`
	spec, err := Compile([]byte(doc), Limits{})
	require.NoError(t, err)
	g := spec.Steps[0].(*config.GroupBy)
	require.Equal(t, []string{"k"}, g.By)
	require.Equal(t, types.AggMean, g.Aggs[0].Func)
	require.Equal(t, "v_mean", g.Aggs[0].OutputName())
	require.Equal(t, types.AggCountAll, g.Aggs[1].Func)
	require.Equal(t, "n", g.Aggs[1].OutputName())
}

func requireConfigError(t *testing.T, err error, path string, line int, msg string) *errs.Error {
	t.Helper()
	var e *errs.Error
	require.True(t, errors.As(err, &e), "want *errs.Error, got %v", err)
	require.Equal(t, errs.CodeConfig, e.Code, e.Error())
	require.Equal(t, path, e.Path, e.Error())
	if line > 0 {
		require.Equal(t, line, e.Line, e.Error())
	}
	require.Contains(t, e.Error(), msg)
	return e
}

/*
TestCompile_UnknownKeys verifies unknown keys are rejected with their full
path and source position, at every level of the document.
*/
func TestCompile_UnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
		line int
	}{
		{
			name: "step field",
			doc:  "inputs: [a.csv]\nsteps:\n  - select: [a]\n  - filter:\n      conditon: \"a > 1\"\n",
			path: "steps[1].filter.conditon",
			line: 5,
		},
		{
			name: "top level",
			doc:  "inputs: [a.csv]\nouptuts: []\n",
			path: "ouptuts",
			line: 2,
		},
		{
			name: "input",
			doc:  "inputs:\n  - path: a.csv\n    delimiter: ';'\n",
			path: "inputs[0].delimiter",
			line: 3,
		},
		{
			name: "runtime",
			doc:  "inputs: [a.csv]\nruntime: { thread: 2 }\n",
			path: "runtime.thread",
			line: 2,
		},
		{
			name: "check",
			doc:  "inputs: [a.csv]\nsteps:\n  - validate:\n      checks:\n        columns:\n          - { name: a, nul: true }\n",
			path: "steps[0].validate.checks.columns[0].nul",
			line: 6,
		},
		{
			name: "feature params",
			doc:  "inputs: [a.csv]\nsteps:\n  - features:\n      state_path: s.json\n      features: [ { column: a, transform: minmax, params: { buckets: 3 } } ]\n",
			path: "steps[0].features.features[0].params.buckets",
			line: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]byte(tt.doc), Limits{})
			requireConfigError(t, err, tt.path, tt.line, "unknown key")
		})
	}
}

/*
TestCompile_StepErrors verifies malformed steps carry the step index and path.
*/
func TestCompile_StepErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
		msg  string
	}{
		{"unknown kind", "inputs: [a.csv]\nsteps:\n  - explode: {}\n", "steps[0]", "unknown step kind"},
		{"two kinds", "inputs: [a.csv]\nsteps:\n  - select: [a]\n    sort: {by: a}\n", "steps[0].sort", "exactly one key"},
		{"missing field", "inputs: [a.csv]\nsteps:\n  - sort: {}\n", "steps[0].sort.by", "missing required field"},
		{"bad condition", "inputs: [a.csv]\nsteps:\n  - filter: \"a >\"\n", "steps[0].filter", "invalid condition"},
		{"bad regex", "inputs: [a.csv]\nsteps:\n  - validate: { checks: { columns: [ { name: a, regex: \"(\" } ] } }\n", "steps[0].validate.checks.columns[0].regex", "invalid regex"},
		{"bad range", "inputs: [a.csv]\nsteps:\n  - validate: { checks: { columns: [ { name: a, range: [5, 1] } ] } }\n", "steps[0].validate.checks.columns[0].range", "greater than max"},
		{"bad mode", "inputs: [a.csv]\nsteps:\n  - validate: { mode: lenient }\n", "steps[0].validate.mode", "unknown validation mode"},
		{"unknown join input", "inputs: [a.csv]\nsteps:\n  - join: { right: b, on: [k] }\n", "steps[0].join.right", "unknown input"},
		{"window-only in groupby", "inputs: [a.csv]\nsteps:\n  - groupby: { by: [k], aggs: [ { column: v, func: cumsum } ] }\n", "steps[0].groupby.aggs[0].func", "unknown aggregate"},
		{"fill without value", "inputs: [a.csv]\nsteps:\n  - fillna: { strategy: literal }\n", "steps[0].fillna.value", "requires a value"},
		{"hashing without buckets", "inputs: [a.csv]\nsteps:\n  - features: { state_path: s, features: [ { column: a, transform: hashing } ] }\n", "steps[0].features.features[0].params.buckets", "buckets > 0"},
		{"wrong type", "inputs: [a.csv]\nsteps:\n  - cast: { columns: { a: int64 }, strict: yes please }\n", "steps[0].cast.strict", "expected a boolean"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]byte(tt.doc), Limits{})
			e := requireConfigError(t, err, tt.path, 0, tt.msg)
			require.Equal(t, 0, e.Step)
			require.Positive(t, e.Line)
		})
	}
}

/*
TestCompile_DepthLimit verifies a document nested 200 levels deep is rejected
with a ConfigError before any semantic interpretation.
*/
func TestCompile_DepthLimit(t *testing.T) {
	doc := "inputs: [a.csv]\nsteps:\n  - select: " + strings.Repeat("[", 200) + strings.Repeat("]", 200) + "\n"
	_, err := Compile([]byte(doc), Limits{})
	require.True(t, errors.Is(err, errs.Config))
	require.Contains(t, err.Error(), "nested deeper than 32 levels")

	// The same rejection applies to checks documents and to JSON.
	json := `{"columns": ` + strings.Repeat(`{"a": `, 200) + `1` + strings.Repeat(`}`, 200) + `}`
	_, err = CompileChecks([]byte(json), Limits{})
	require.True(t, errors.Is(err, errs.Config))
	require.Contains(t, err.Error(), "nested deeper")
}

/*
TestCompile_SizeAndStepLimits verifies oversized documents and step lists are
rejected.
*/
func TestCompile_SizeAndStepLimits(t *testing.T) {
	big := "inputs: [a.csv]\n# " + strings.Repeat("x", 2048) + "\n"
	_, err := Compile([]byte(big), Limits{MaxBytes: 1024})
	require.ErrorContains(t, err, "larger than the 1.0 KiB limit")

	doc := "inputs: [a.csv]\nsteps:\n" + strings.Repeat("  - dropna: []\n", 5)
	_, err = Compile([]byte(doc), Limits{MaxSteps: 4})
	requireConfigError(t, err, "steps", 0, "5 steps exceed the limit of 4")

	_, err = Compile([]byte("   \n"), Limits{})
	require.ErrorContains(t, err, "empty document")
}

/*
TestCompile_RejectsAliases verifies YAML aliases, the vector for expansion
attacks, are refused.
*/
func TestCompile_RejectsAliases(t *testing.T) {
	doc := "inputs: [a.csv]\ncols: &c [a, b]\nsteps:\n  - select: *c\n"
	_, err := Compile([]byte(doc), Limits{})
	require.ErrorContains(t, err, "aliases are not allowed")
}

/*
TestCompile_SchemaTracking verifies that with a declared schema, references
to columns that no longer exist are SchemaErrors with the step index, and that
tracking stops once columns depend on data.
*/
func TestCompile_SchemaTracking(t *testing.T) {
	doc := `
inputs:
  - path: a.csv
    schema: { id: int64, v: float64 }
steps:
  - select: [id]
  - filter: "v > 1"
`
	_, err := Compile([]byte(doc), Limits{})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.CodeSchema, e.Code)
	require.Equal(t, 1, e.Step)
	require.Equal(t, "v", e.Column)
	require.Equal(t, "steps[1].filter.condition", e.Path)
	require.Equal(t, errs.ExitConfig, errs.ExitCode(err))

	deferred := `
inputs:
  - path: a.csv
    schema: { id: int64, c: string }
steps:
  - features: { state_path: s.json, features: [ { column: c, transform: onehot } ] }
  - select: [c_x]
`
	_, err = Compile([]byte(deferred), Limits{})
	require.NoError(t, err)

	groupby := `
inputs:
  - path: a.csv
    schema: { k: string, v: float64 }
steps:
  - groupby: { by: [k], aggs: [ { column: v, func: sum, alias: total } ] }
  - validate: { checks: { columns: [ { name: total, not_null: true }, { name: v, unique: true } ] } }
`
	_, err = Compile([]byte(groupby), Limits{})
	require.True(t, errors.As(err, &e))
	require.Equal(t, "v", e.Column)
	require.Equal(t, 1, e.Step)
}

/*
TestCompileChecks verifies a standalone checks document, keeping rule
declaration order and dataset bounds.
*/
func TestCompileChecks(t *testing.T) {
	doc := `
columns:
  - name: age
    range: { min: 0 }
  - name: tier
    enum: [gold, silver, 3]
    unique: false
dataset:
  row_count_max: 100
  duplicate_rate_max: 0.05
  missing_rate_max: { age: 0.5 }
`
	set, err := CompileChecks([]byte(doc), Limits{})
	require.NoError(t, err)
	require.Len(t, set.Columns, 2)
	r := set.Columns[0].(*config.Range)
	require.Equal(t, 0.0, *r.Min)
	require.Nil(t, r.Max)
	require.Equal(t, []string{"gold", "silver", "3"}, set.Columns[1].(*config.Enum).Values)
	require.Equal(t, int64(100), *set.Dataset.RowCountMax)
	require.Equal(t, 0.05, *set.Dataset.DuplicateRateMax)
	require.Equal(t, []config.MissingRate{{Column: "age", Max: 0.5}}, set.Dataset.MissingRateMax)

	_, err = CompileChecks([]byte("dataset: { duplicate_rate_max: 1.5 }"), Limits{})
	require.ErrorContains(t, err, "outside [0, 1]")

	_, err = CompileChecks([]byte("columns: [ { name: a, regex: '"+strings.Repeat("a", 30)+"' } ]"), Limits{MaxRegexLen: 16})
	require.ErrorContains(t, err, "longer than the 16 byte limit")
}

/*
TestCompile_Pure verifies compiling the same bytes twice yields equal specs.
*/
func TestCompile_Pure(t *testing.T) {
	a, err := Compile([]byte(fullPipeline), Limits{})
	require.NoError(t, err)
	b, err := Compile([]byte(fullPipeline), Limits{})
	require.NoError(t, err)
	require.Equal(t, config.Lint(a), config.Lint(b))
	require.Equal(t, len(a.Steps), len(b.Steps))
	for i := range a.Steps {
		require.Equal(t, a.Steps[i].Kind(), b.Steps[i].Kind())
	}
}
