// Package validate evaluates data-quality checks against a lazy frame.
//
// Every column check becomes an independent per-row violation predicate.
// The predicates are OR-combined into the split criterion; rows that violate
// nothing form the valid frame, the rest the quarantine frame, annotated with
// the ids of the rules they violate. All three outputs (valid, quarantine and
// the one-row summary) are plans; nothing is evaluated here.
package validate

import (
	"fmt"
	"time"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// Columns added to quarantined rows.
const (
	ViolationsColumn    = "_violations"
	QuarantinedAtColumn = "_quarantined_at"
)

// Internal column names. The prefix keeps them apart from user columns.
const (
	flagPrefix  = "__mlprep_v"
	anyColumn   = "__mlprep_any"
	dupColumn   = "__mlprep_dup"
	totalColumn = "__mlprep_total"
	failColumn  = "__mlprep_failed"
	nullPrefix  = "__mlprep_null"
)

// Options configure Evaluate.
type Options struct {
	// Budget bounds regex checks. Required when the set has regex checks.
	Budget expr.Budget
	// Now stamps quarantined rows.
	Now time.Time
}

// Rule is one compiled column check.
type Rule struct {
	ID     string
	Column string
	Kind   config.CheckKind
	// Violation is true when the row violates the check. It is never null.
	Violation expr.Expr
}

// Outcome holds the lazy results of Evaluate.
type Outcome struct {
	// Valid holds the rows violating no rule, with the input schema.
	Valid frame.LazyFrame
	// Quarantine holds the violating rows in input order, with the input
	// schema plus ViolationsColumn and QuarantinedAtColumn.
	Quarantine frame.LazyFrame
	// Summary is a one-row aggregate over the whole input; see Resolve.
	Summary frame.LazyFrame
	Rules   []Rule
	Checks  config.CheckSet
}

// Evaluate compiles checks against in. A check on a column missing from the
// schema is a SchemaError.
func Evaluate(in frame.LazyFrame, checks config.CheckSet, opts Options) (*Outcome, error) {
	schema := in.Schema()
	if missing := schema.Missing(checks.Targets()...); len(missing) > 0 {
		return nil, errs.Schemaf("check references unknown column %q (have %s)", missing[0], schema).
			WithColumn(missing[0])
	}

	rules := make([]Rule, 0, len(checks.Columns))
	for _, c := range checks.Columns {
		b := &ruleBuilder{budget: opts.Budget}
		if err := c.Accept(b); err != nil {
			return nil, err
		}
		rules = append(rules, Rule{
			ID:        config.RuleID(c),
			Column:    c.Target(),
			Kind:      c.Kind(),
			Violation: expr.FillFalse(b.pred),
		})
	}

	// Flags are computed once, as columns, so window-based rules see the
	// whole input rather than whatever survives a later filter.
	flags := make([]frame.NamedExpr, 0, len(rules)+1)
	flagCols := make([]expr.Expr, len(rules))
	for i, r := range rules {
		name := flagName(i)
		flags = append(flags, frame.NamedExpr{Name: name, Expr: r.Violation})
		flagCols[i] = expr.Col(name)
	}
	if checks.Dataset.DuplicateRateMax != nil {
		// Every repeat of a full row after its first occurrence.
		flags = append(flags, frame.NamedExpr{Name: dupColumn, Expr: expr.Gt(
			&expr.Over{Agg: &expr.Agg{Func: types.AggRowNumber}, PartitionBy: schema.Names()},
			expr.Lit(1),
		)})
	}
	flagged := in.WithColumns(flags...).
		WithColumns(frame.NamedExpr{Name: anyColumn, Expr: expr.Or(flagCols...)})

	cols := schema.Names()
	valid := flagged.Filter(expr.Not(expr.Col(anyColumn))).Select(cols...)

	names := make([]string, len(rules))
	preds := make([]expr.Expr, len(rules))
	for i, r := range rules {
		names[i], preds[i] = r.ID, r.Violation
	}
	// The rules are re-tested over the violating rows only. Re-testing a
	// uniqueness rule there is exact: every member of a duplicated group
	// violates it, so the groups survive the filter whole.
	quarantine := flagged.Filter(expr.Col(anyColumn)).
		Select(cols...).
		WithColumns(
			frame.NamedExpr{Name: ViolationsColumn, Expr: &expr.RuleList{Names: names, Preds: preds}},
			frame.NamedExpr{Name: QuarantinedAtColumn, Expr: expr.Lit(opts.Now.UTC().Format(time.RFC3339))},
		)

	return &Outcome{
		Valid:      valid,
		Quarantine: quarantine,
		Summary:    flagged.Aggregate(nil, summaryAggs(rules, checks.Dataset)...),
		Rules:      rules,
		Checks:     checks,
	}, nil
}

func flagName(i int) string { return fmt.Sprintf("%s%d", flagPrefix, i) }

func nullName(i int) string { return fmt.Sprintf("%s%d", nullPrefix, i) }

func sumOf(col string) *expr.Agg {
	return expr.AggOf(types.AggSum, expr.CastTo(expr.Col(col), types.Int64))
}

func summaryAggs(rules []Rule, ds config.DatasetChecks) []frame.NamedAgg {
	aggs := []frame.NamedAgg{
		frame.CountAll(totalColumn),
		{Name: failColumn, Agg: sumOf(anyColumn)},
	}
	for i := range rules {
		aggs = append(aggs, frame.NamedAgg{Name: flagName(i), Agg: sumOf(flagName(i))})
	}
	if ds.DuplicateRateMax != nil {
		aggs = append(aggs, frame.NamedAgg{Name: dupColumn, Agg: sumOf(dupColumn)})
	}
	for i, m := range ds.MissingRateMax {
		aggs = append(aggs, frame.NamedAgg{Name: nullName(i), Agg: expr.AggOf(types.AggNullCount, expr.Col(m.Column))})
	}
	return aggs
}

// ruleBuilder compiles one check into its violation predicate. Nulls violate
// only not_null.
type ruleBuilder struct {
	budget expr.Budget
	pred   expr.Expr
}

var _ config.CheckVisitor = (*ruleBuilder)(nil)

func (b *ruleBuilder) VisitNotNull(c *config.NotNull) error {
	b.pred = expr.IsNull(expr.Col(c.Column))
	return nil
}

func (b *ruleBuilder) VisitUnique(c *config.Unique) error {
	col := expr.Col(c.Column)
	b.pred = expr.And(
		expr.IsNotNull(col),
		expr.Gt(expr.OverPartition(expr.CountRows(), c.Column), expr.Lit(1)),
	)
	return nil
}

// VisitRange flags values outside [Min, Max], and values that do not parse
// as numbers.
func (b *ruleBuilder) VisitRange(c *config.Range) error {
	col := expr.Col(c.Column)
	x := expr.TryCast(col, types.Float64)
	out := []expr.Expr{expr.IsNull(x)}
	if c.Min != nil {
		out = append(out, expr.Lt(x, expr.Lit(*c.Min)))
	}
	if c.Max != nil {
		out = append(out, expr.Gt(x, expr.Lit(*c.Max)))
	}
	b.pred = expr.And(expr.IsNotNull(col), expr.Or(out...))
	return nil
}

// VisitRegex flags non-matching values. A value over the regex budget counts
// as not matching.
func (b *ruleBuilder) VisitRegex(c *config.Regex) error {
	col := expr.Col(c.Column)
	m, err := expr.NewMatch(col, c.Pattern, b.budget, expr.ExceedNoMatch)
	if err != nil {
		return errs.Configf("check %s", config.RuleID(c)).WithColumn(c.Column).Wrap(err)
	}
	b.pred = expr.And(expr.IsNotNull(col), expr.Not(expr.FillFalse(m)))
	return nil
}

func (b *ruleBuilder) VisitEnum(c *config.Enum) error {
	col := expr.Col(c.Column)
	b.pred = expr.And(expr.IsNotNull(col), expr.Not(expr.FillFalse(expr.In(col, c.Values))))
	return nil
}
