// Package builder turns relational pipeline steps into lazy plan nodes.
//
// Build never evaluates anything: every step becomes one or more plan nodes
// stacked on the incoming frame, so the execution engine remains free to
// push filters and projections down to the scan. Validate and features
// steps are not relational and are routed to their own engines.
package builder

import (
	"fmt"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// Builder builds relational steps. Inputs holds the frames a join may
// reference by input name.
type Builder struct {
	Runtime config.RuntimeConfig
	Inputs  map[string]frame.LazyFrame
}

// New returns a Builder over the given join inputs.
func New(runtime config.RuntimeConfig, inputs map[string]frame.LazyFrame) *Builder {
	return &Builder{Runtime: runtime, Inputs: inputs}
}

// IsRelational reports whether s is handled by Build.
func IsRelational(s config.Step) bool {
	switch s.Kind() {
	case config.StepValidate, config.StepFeatures:
		return false
	}
	return true
}

// Build applies step to in. Missing columns are SchemaErrors; the caller
// attaches the step index.
func (b *Builder) Build(step config.Step, in frame.LazyFrame) (frame.LazyFrame, error) {
	v := &stepBuilder{b: b, in: in, schema: in.Schema()}
	if err := step.Accept(v); err != nil {
		return frame.LazyFrame{}, err
	}
	return v.out, nil
}

type stepBuilder struct {
	b      *Builder
	in     frame.LazyFrame
	schema frame.Schema
	out    frame.LazyFrame
}

var _ config.StepVisitor = (*stepBuilder)(nil)

func (v *stepBuilder) require(s frame.Schema, cols ...string) error {
	if missing := s.Missing(cols...); len(missing) > 0 {
		return errs.Schemaf("unknown column %q (have %s)", missing[0], s).WithColumn(missing[0])
	}
	return nil
}

func (v *stepBuilder) VisitSelect(s *config.Select) error {
	if err := v.require(v.schema, s.Columns...); err != nil {
		return err
	}
	v.out = v.in.Select(s.Columns...)
	return nil
}

func (v *stepBuilder) VisitFilter(s *config.Filter) error {
	if s.Predicate == nil {
		return errs.Configf("filter %q was not compiled", s.Condition)
	}
	if err := v.require(v.schema, expr.Columns(s.Predicate)...); err != nil {
		return err
	}
	v.out = v.in.Filter(s.Predicate)
	return nil
}

func (v *stepBuilder) VisitCast(s *config.Cast) error {
	exprs := make([]frame.NamedExpr, 0, len(s.Columns))
	for _, c := range s.Columns {
		f, ok := v.schema.Lookup(c.Name)
		if !ok {
			return v.require(v.schema, c.Name)
		}
		if !castable(f.Type, c.Type) {
			return errs.Schemaf("cannot cast column %q", c.Name).
				WithColumn(c.Name).
				WithExpected(c.Type.String(), f.Type.String())
		}
		if f.Type == c.Type {
			continue
		}
		e := expr.TryCast(expr.Col(c.Name), c.Type)
		if s.Strict {
			e = expr.CastTo(expr.Col(c.Name), c.Type)
		}
		exprs = append(exprs, frame.NamedExpr{Name: c.Name, Expr: e})
	}
	v.out = v.in.WithColumns(exprs...)
	return nil
}

// castable reports whether values of from can be converted to to. Value
// counts have no scalar form.
func castable(from, to types.DataType) bool {
	return from != types.Counts && to != types.Counts && to != types.Unknown
}

func (v *stepBuilder) VisitSort(s *config.Sort) error {
	if err := v.require(v.schema, s.By...); err != nil {
		return err
	}
	keys := make([]frame.SortKey, len(s.By))
	for i, c := range s.By {
		keys[i] = frame.SortKey{Column: c, Desc: s.IsDescending(i)}
	}
	v.out = v.in.Sort(keys...)
	return nil
}

func (v *stepBuilder) VisitJoin(s *config.Join) error {
	right, ok := v.b.Inputs[s.Right]
	if !ok {
		return errs.Configf("join references unknown input %q", s.Right)
	}
	if err := v.require(v.schema, s.LeftOn...); err != nil {
		return err
	}
	rs := right.Schema()
	if missing := rs.Missing(s.RightOn...); len(missing) > 0 {
		return errs.Schemaf("unknown column %q in input %q (have %s)", missing[0], s.Right, rs).WithColumn(missing[0])
	}
	for i := range s.LeftOn {
		lf, _ := v.schema.Lookup(s.LeftOn[i])
		rf, _ := rs.Lookup(s.RightOn[i])
		if !joinable(lf.Type, rf.Type) {
			return errs.Schemaf("join key %q has type %s but %q in input %q has type %s",
				lf.Name, lf.Type, rf.Name, s.Right, rf.Type).
				WithColumn(lf.Name).
				WithExpected(lf.Type.String(), rf.Type.String())
		}
	}
	v.out = v.in.Join(right, s.LeftOn, s.RightOn, s.How, s.Suffix)
	return nil
}

func joinable(a, b types.DataType) bool {
	if a == types.Unknown || b == types.Unknown || a == b {
		return true
	}
	return a.IsNumeric() && b.IsNumeric()
}

func (v *stepBuilder) aggregate(a config.Aggregation) (*expr.Agg, error) {
	agg := &expr.Agg{Func: a.Func, Offset: a.Offset}
	if a.Column == "" {
		return agg, nil
	}
	f, ok := v.schema.Lookup(a.Column)
	if !ok {
		return nil, v.require(v.schema, a.Column)
	}
	if needsNumeric(a.Func) && f.Type != types.Unknown && !f.Type.IsNumeric() {
		return nil, errs.Schemaf("%s requires a numeric column, %q is %s", a.Func, a.Column, f.Type).
			WithColumn(a.Column).
			WithExpected("numeric", f.Type.String())
	}
	agg.X = expr.Col(a.Column)
	return agg, nil
}

func needsNumeric(f types.AggFunc) bool {
	switch f {
	case types.AggSum, types.AggMean, types.AggStd, types.AggVar, types.AggStdPop,
		types.AggVarPop, types.AggMedian, types.AggCumSum:
		return true
	}
	return false
}

func (v *stepBuilder) VisitGroupBy(s *config.GroupBy) error {
	if err := v.require(v.schema, s.By...); err != nil {
		return err
	}
	aggs := make([]frame.NamedAgg, 0, len(s.Aggs))
	for _, a := range s.Aggs {
		agg, err := v.aggregate(a)
		if err != nil {
			return err
		}
		aggs = append(aggs, frame.NamedAgg{Name: a.OutputName(), Agg: agg})
	}
	v.out = v.in.Aggregate(s.By, aggs...)
	return nil
}

func (v *stepBuilder) VisitWindow(s *config.Window) error {
	if err := v.require(v.schema, s.PartitionBy...); err != nil {
		return err
	}
	if s.OrderBy != "" {
		if err := v.require(v.schema, s.OrderBy); err != nil {
			return err
		}
	}
	exprs := make([]frame.NamedExpr, 0, len(s.Ops))
	for _, a := range s.Ops {
		agg, err := v.aggregate(a)
		if err != nil {
			return err
		}
		exprs = append(exprs, frame.NamedExpr{
			Name: a.OutputName(),
			Expr: &expr.Over{Agg: agg, PartitionBy: s.PartitionBy, OrderBy: s.OrderBy},
		})
	}
	v.out = v.in.WithColumns(exprs...)
	return nil
}

func (v *stepBuilder) VisitFillNull(s *config.FillNull) error {
	cols := s.Columns
	explicit := len(cols) > 0
	if !explicit {
		cols = v.schema.Names()
	} else if err := v.require(v.schema, cols...); err != nil {
		return err
	}

	switch s.Strategy {
	case config.FillForward, config.FillBackward:
		v.out = v.in.FillDirectional(cols, s.Strategy == config.FillForward)
		return nil
	}

	var exprs []frame.NamedExpr
	for _, c := range cols {
		f, _ := v.schema.Lookup(c)
		e, err := fillExpr(s, f)
		if err != nil {
			if explicit {
				return err
			}
			// Columns the strategy cannot apply to are left alone when
			// the step names no columns.
			continue
		}
		exprs = append(exprs, frame.NamedExpr{Name: c, Expr: e})
	}
	v.out = v.in.WithColumns(exprs...)
	return nil
}

// fillExpr is the replacement expression for column f under strategy s.
func fillExpr(s *config.FillNull, f frame.Field) (expr.Expr, error) {
	col := expr.Col(f.Name)
	numeric := func() error {
		if f.Type != types.Unknown && !f.Type.IsNumeric() {
			return errs.Schemaf("fill strategy %s requires a numeric column, %q is %s", s.Strategy, f.Name, f.Type).
				WithColumn(f.Name).
				WithExpected("numeric", f.Type.String())
		}
		return nil
	}
	switch s.Strategy {
	case config.FillLiteral, config.FillZero:
		value := s.Value
		if s.Strategy == config.FillZero {
			if err := numeric(); err != nil {
				return nil, err
			}
			value = int64(0)
		}
		lit, ok := types.Convert(value, f.Type)
		if !ok {
			return nil, errs.Schemaf("fill value %v does not fit column %q", value, f.Name).
				WithColumn(f.Name).
				WithExpected(f.Type.String(), types.TypeOf(value).String())
		}
		return expr.CoalesceOf(col, expr.Lit(lit)), nil
	case config.FillMean, config.FillMedian:
		if err := numeric(); err != nil {
			return nil, err
		}
		fn := types.AggMean
		if s.Strategy == config.FillMedian {
			fn = types.AggMedian
		}
		// The statistic is fractional; integer columns widen to Float64.
		base := col
		if f.Type != types.Float64 {
			base = expr.TryCast(col, types.Float64)
		}
		return expr.CoalesceOf(base, expr.OverAll(expr.AggOf(fn, col))), nil
	case config.FillMin, config.FillMax:
		fn := types.AggMin
		if s.Strategy == config.FillMax {
			fn = types.AggMax
		}
		return expr.CoalesceOf(col, expr.OverAll(expr.AggOf(fn, col))), nil
	}
	return nil, errs.Configf("unsupported fill strategy %q", s.Strategy)
}

func (v *stepBuilder) VisitDropNull(s *config.DropNull) error {
	cols := s.Columns
	if len(cols) == 0 {
		cols = v.schema.Names()
	} else if err := v.require(v.schema, cols...); err != nil {
		return err
	}
	preds := make([]expr.Expr, len(cols))
	for i, c := range cols {
		preds[i] = expr.IsNotNull(expr.Col(c))
	}
	if len(preds) == 0 {
		v.out = v.in
		return nil
	}
	v.out = v.in.Filter(expr.And(preds...))
	return nil
}

func (v *stepBuilder) VisitValidate(*config.Validate) error { return notRelational(config.StepValidate) }

func (v *stepBuilder) VisitFeatures(*config.Features) error { return notRelational(config.StepFeatures) }

func notRelational(k config.StepKind) error {
	return fmt.Errorf("builder: %s steps are evaluated by their own engine", k)
}
