package validate

import (
	"context"
	"fmt"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/engine"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/types"
)

// CheckResult is the violation count of one rule.
type CheckResult struct {
	Rule       string           `json:"rule"`
	Column     string           `json:"column"`
	Kind       config.CheckKind `json:"kind"`
	Violations int64            `json:"violations"`
}

// Dataset check names.
const (
	DatasetRowCountMin   = "row_count_min"
	DatasetRowCountMax   = "row_count_max"
	DatasetDuplicateRate = "duplicate_rate_max"
	DatasetMissingRate   = "missing_rate_max"
)

// DatasetFinding is the outcome of one dataset-level check.
type DatasetFinding struct {
	Check  string  `json:"check"`
	Column string  `json:"column,omitempty"`
	Limit  float64 `json:"limit"`
	Actual float64 `json:"actual"`
	OK     bool    `json:"ok"`
}

// Result summarizes one validation. It never holds row contents.
// Passed + Failed == Total.
type Result struct {
	Total   int64            `json:"total"`
	Passed  int64            `json:"passed"`
	Failed  int64            `json:"failed"`
	Checks  []CheckResult    `json:"checks"`
	Dataset []DatasetFinding `json:"dataset"`
}

// OK reports whether no row failed and every dataset check held.
func (r Result) OK() bool {
	if r.Failed > 0 {
		return false
	}
	for _, d := range r.Dataset {
		if !d.OK {
			return false
		}
	}
	return true
}

// Violations returns the violation count of rule id.
func (r Result) Violations(id string) int64 {
	for _, c := range r.Checks {
		if c.Rule == id {
			return c.Violations
		}
	}
	return 0
}

// FailedDataset returns the dataset findings that did not hold.
func (r Result) FailedDataset() []DatasetFinding {
	var out []DatasetFinding
	for _, d := range r.Dataset {
		if !d.OK {
			out = append(out, d)
		}
	}
	return out
}

// Resolve reads the evaluated summary row of o into a Result.
func Resolve(o *Outcome, row map[string]any) Result {
	count := func(name string) int64 {
		n, _ := types.ToInt(row[name])
		return n
	}
	r := Result{
		Total:   count(totalColumn),
		Failed:  count(failColumn),
		Checks:  make([]CheckResult, len(o.Rules)),
		Dataset: []DatasetFinding{},
	}
	r.Passed = r.Total - r.Failed
	for i, rule := range o.Rules {
		r.Checks[i] = CheckResult{Rule: rule.ID, Column: rule.Column, Kind: rule.Kind, Violations: count(flagName(i))}
	}

	ds := o.Checks.Dataset
	if ds.RowCountMin != nil {
		r.Dataset = append(r.Dataset, DatasetFinding{
			Check: DatasetRowCountMin, Limit: float64(*ds.RowCountMin), Actual: float64(r.Total), OK: r.Total >= *ds.RowCountMin,
		})
	}
	if ds.RowCountMax != nil {
		r.Dataset = append(r.Dataset, DatasetFinding{
			Check: DatasetRowCountMax, Limit: float64(*ds.RowCountMax), Actual: float64(r.Total), OK: r.Total <= *ds.RowCountMax,
		})
	}
	if ds.DuplicateRateMax != nil {
		rate := ratio(count(dupColumn), r.Total)
		r.Dataset = append(r.Dataset, DatasetFinding{
			Check: DatasetDuplicateRate, Limit: *ds.DuplicateRateMax, Actual: rate, OK: rate <= *ds.DuplicateRateMax,
		})
	}
	for i, m := range ds.MissingRateMax {
		rate := ratio(count(nullName(i)), r.Total)
		r.Dataset = append(r.Dataset, DatasetFinding{
			Check: DatasetMissingRate, Column: m.Column, Limit: m.Max, Actual: rate, OK: rate <= m.Max,
		})
	}
	return r
}

func ratio(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// Summarize evaluates the summary plan of o with eng.
func Summarize(ctx context.Context, eng engine.Engine, o *Outcome) (Result, error) {
	t, err := eng.Collect(ctx, o.Summary)
	if err != nil {
		return Result{}, fmt.Errorf("summarize validation: %w", err)
	}
	if t.Len() != 1 {
		return Result{}, fmt.Errorf("summarize validation: expected one summary row, got %d", t.Len())
	}
	return Resolve(o, t.Record(0)), nil
}

// Forward says which frame continues down the pipeline.
type Forward int

const (
	// ForwardInput passes the unfiltered input on.
	ForwardInput Forward = iota
	// ForwardValid passes only the valid rows on; the quarantine frame goes
	// to the quarantine sink.
	ForwardValid
)

func (f Forward) String() string {
	if f == ForwardValid {
		return "valid"
	}
	return "input"
}

// Decide applies mode to r. In strict mode any failed row or dataset check
// is a ValidationError carrying r as its detail.
func Decide(mode config.ValidationMode, r Result) (Forward, error) {
	switch mode {
	case config.ModeStrict:
		if r.OK() {
			return ForwardInput, nil
		}
		if r.Failed > 0 {
			return ForwardInput, errs.Validationf("%d of %d rows failed validation", r.Failed, r.Total).WithDetail(r)
		}
		d := r.FailedDataset()[0]
		return ForwardInput, errs.Validationf("dataset check %s failed", d.Check).
			WithColumn(d.Column).
			WithExpected(types.ToString(d.Limit), types.ToString(d.Actual)).
			WithDetail(r)
	case config.ModeWarn:
		return ForwardInput, nil
	case config.ModeQuarantine:
		return ForwardValid, nil
	}
	return ForwardInput, errs.Configf("unknown validation mode %q", mode)
}
