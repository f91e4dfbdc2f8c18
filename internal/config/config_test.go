package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// hasIssue reports whether issues contains an Issue with the given severity,
// path, and a Message containing msgSubstr.
func hasIssue(t *testing.T, issues []Issue, sev IssueSeverity, path, msgSubstr string) bool {
	t.Helper()
	for _, iss := range issues {
		if iss.Severity == sev && iss.Path == path && strings.Contains(iss.Message, msgSubstr) {
			return true
		}
	}
	return false
}

/*
TestLint_ValidMinimal verifies that a well-formed pipeline produces no issues.
*/
func TestLint_ValidMinimal(t *testing.T) {
	p := &PipelineSpec{
		Inputs:  []InputSpec{{Name: "in", Path: "in.csv", Format: FormatCSV}},
		Steps:   []Step{&Select{Columns: []string{"a"}}},
		Outputs: []OutputSpec{{Path: "out.csv", Format: FormatCSV}},
		Runtime: DefaultRuntime(),
	}
	require.Empty(t, Lint(p))
}

/*
TestLint_Findings verifies the individual lint rules fire on the offending
paths.
*/
func TestLint_Findings(t *testing.T) {
	p := &PipelineSpec{
		Steps: []Step{
			&Validate{Mode: ModeQuarantine},
			&Features{Spec: FeatureSpec{Features: []FeatureDef{
				{Column: "c", Kind: FeatureHashing},
				{Column: "c", Kind: FeatureHashing},
				{Column: "cat", Kind: FeatureCount, Params: FeatureParams{MaxCategories: 5}},
			}}},
			&Sort{By: []string{"a", "b", "c"}, Descending: []bool{true, false}},
			&Join{Right: "r", LeftOn: []string{"a"}, How: JoinInner},
		},
		Outputs: []OutputSpec{{Path: "dsn", Format: FormatPostgres}, {Path: "x", Format: "parquet"}},
		Runtime: RuntimeConfig{MemoryLimit: 1024},
	}
	issues := Lint(p)

	require.True(t, hasIssue(t, issues, SeverityError, "outputs[0].table", "requires a table"))
	require.True(t, hasIssue(t, issues, SeverityError, "outputs[1].format", "unknown output format"))
	require.True(t, hasIssue(t, issues, SeverityError, "steps[0].validate.mode", "without a quarantine output"))
	require.True(t, hasIssue(t, issues, SeverityWarning, "steps[0].validate.checks", "no checks"))
	require.True(t, hasIssue(t, issues, SeverityError, "steps[1].features.state_path", "requires a state_path"))
	require.True(t, hasIssue(t, issues, SeverityError, "steps[1].features.features[1]", "duplicate feature c|hashing"))
	require.True(t, hasIssue(t, issues, SeverityError, "steps[1].features.features[0].params.buckets", "buckets > 0"))
	require.True(t, hasIssue(t, issues, SeverityWarning, "steps[1].features.features[2].params.reserve_other", "never seen during fit"))
	require.True(t, hasIssue(t, issues, SeverityError, "steps[2].sort.descending", "2 entries for 3"))
	require.True(t, hasIssue(t, issues, SeverityError, "steps[3].join.on", "left_on has 1"))
	require.True(t, hasIssue(t, issues, SeverityWarning, "runtime.memory_limit", "below 1 MiB"))
	require.True(t, HasErrors(issues))
}

/*
TestRuleID verifies rule identifiers are "<column>:<kind>".
*/
func TestRuleID(t *testing.T) {
	lo, hi := 0.0, 120.0
	checks := []Check{
		&NotNull{Column: "email"},
		&Unique{Column: "id"},
		&Range{Column: "age", Min: &lo, Max: &hi},
		&Regex{Column: "email", Pattern: "@"},
		&Enum{Column: "tier", Values: []string{"a"}},
	}
	var ids []string
	for _, c := range checks {
		ids = append(ids, RuleID(c))
	}
	require.Equal(t, []string{"email:not_null", "id:unique", "age:range", "email:regex", "tier:enum"}, ids)

	set := CheckSet{Columns: checks, Dataset: DatasetChecks{MissingRateMax: []MissingRate{{Column: "zip", Max: 0.1}}}}
	require.Equal(t, []string{"email", "id", "age", "tier", "zip"}, set.Targets())
	require.False(t, set.Empty())
	require.True(t, CheckSet{}.Empty())
}

/*
TestRuntime_RegexBudget verifies unset limits fall back to defaults.
*/
func TestRuntime_RegexBudget(t *testing.T) {
	b := RuntimeConfig{}.RegexBudget()
	require.Equal(t, DefaultRegexMaxInput, b.MaxInput)
	require.Equal(t, DefaultRegexTimeout, b.Timeout)

	b = RuntimeConfig{RegexMaxInput: 10, RegexTimeout: time.Second}.RegexBudget()
	require.Equal(t, 10, b.MaxInput)
	require.Equal(t, time.Second, b.Timeout)
	require.True(t, b.Valid())
}

/*
TestOptions verifies the typed getters and their defaults.
*/
func TestOptions(t *testing.T) {
	o := Options{"delimiter": ";", "has_header": false, "n": float64(3), "m": 4, "cols": []any{"a", 1, "b"}}
	require.Equal(t, ';', o.Rune("delimiter", ','))
	require.Equal(t, ',', o.Rune("missing", ','))
	require.False(t, o.Bool("has_header", true))
	require.Equal(t, 3, o.Int("n", 0))
	require.Equal(t, 4, o.Int("m", 0))
	require.Equal(t, "x", o.String("n", "x"))
	require.Equal(t, []string{"a", "b"}, o.StringSlice("cols"))
	require.Nil(t, o.StringSlice("missing"))
}

/*
TestFormatFromPath verifies format inference from file extensions.
*/
func TestFormatFromPath(t *testing.T) {
	require.Equal(t, FormatCSV, FormatFromPath("a/b.csv"))
	require.Equal(t, FormatJSONL, FormatFromPath("a/b.jsonl.gz"))
	require.Equal(t, FormatSQLite, FormatFromPath("x.db"))
	require.Equal(t, "b", StemOf("a/b.csv.gz"))
}

/*
TestParseNames verifies name resolution for the enumerated step fields.
*/
func TestParseNames(t *testing.T) {
	how, ok := ParseJoinHow("full")
	require.True(t, ok)
	require.Equal(t, JoinOuter, how)
	_, ok = ParseJoinHow("semi")
	require.False(t, ok)

	fs, ok := ParseFillStrategy("ffill")
	require.True(t, ok)
	require.Equal(t, FillForward, fs)

	m, ok := ParseValidationMode("")
	require.True(t, ok)
	require.Equal(t, ModeStrict, m)

	k, ok := ParseFeatureKind("one_hot")
	require.True(t, ok)
	require.Equal(t, FeatureOneHot, k)
	require.True(t, k.IsCategorical())
}
