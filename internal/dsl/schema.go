package dsl

import (
	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
)

// trackSchema follows the column set through the steps when the main input
// declares a schema, and rejects references to columns that cannot exist.
// Tracking stops (and the check is deferred to build time) once a step's
// output columns depend on data, e.g. onehot features or a join against an
// input without a declared schema.
func trackSchema(spec *config.PipelineSpec) error {
	if len(spec.Inputs) == 0 || len(spec.Inputs[0].Schema) == 0 {
		return nil
	}
	t := &schemaTracker{spec: spec, cols: declared(spec.Inputs[0])}
	for i, s := range spec.Steps {
		t.step, t.kind = i, s.Kind()
		if err := s.Accept(t); err != nil {
			return err
		}
		if t.cols == nil {
			return nil
		}
	}
	return nil
}

func declared(in config.InputSpec) []string {
	out := make([]string, len(in.Schema))
	for i, c := range in.Schema {
		out[i] = c.Name
	}
	return out
}

type schemaTracker struct {
	spec *config.PipelineSpec
	step int
	kind config.StepKind
	// cols is the current column list; nil once unknown.
	cols []string
}

var _ config.StepVisitor = (*schemaTracker)(nil)

func (t *schemaTracker) need(field string, cols ...string) error {
	for _, c := range cols {
		if !contains(t.cols, c) {
			return errs.Schemaf("unknown column %q", c).
				AtStep(t.step).
				AtPath(stepPath(t.step, string(t.kind)) + "." + field).
				WithColumn(c)
		}
	}
	return nil
}

func (t *schemaTracker) add(cols ...string) {
	for _, c := range cols {
		if !contains(t.cols, c) {
			t.cols = append(t.cols, c)
		}
	}
}

func (t *schemaTracker) VisitSelect(s *config.Select) error {
	if err := t.need("columns", s.Columns...); err != nil {
		return err
	}
	t.cols = append([]string(nil), s.Columns...)
	return nil
}

func (t *schemaTracker) VisitFilter(s *config.Filter) error {
	return t.need("condition", expr.Columns(s.Predicate)...)
}

func (t *schemaTracker) VisitCast(s *config.Cast) error {
	for _, c := range s.Columns {
		if err := t.need("columns", c.Name); err != nil {
			return err
		}
	}
	return nil
}

func (t *schemaTracker) VisitSort(s *config.Sort) error { return t.need("by", s.By...) }

func (t *schemaTracker) VisitJoin(s *config.Join) error {
	if err := t.need("left_on", s.LeftOn...); err != nil {
		return err
	}
	right, _ := t.spec.Input(s.Right)
	if len(right.Schema) == 0 {
		t.cols = nil
		return nil
	}
	rcols := declared(right)
	for _, c := range s.RightOn {
		if !contains(rcols, c) {
			return errs.Schemaf("unknown column %q in input %q", c, s.Right).
				AtStep(t.step).
				AtPath(stepPath(t.step, string(t.kind)) + ".right_on").
				WithColumn(c)
		}
	}
	left := append([]string(nil), t.cols...)
	for _, c := range rcols {
		if s.How != config.JoinCross && contains(s.RightOn, c) {
			continue
		}
		if contains(left, c) {
			c += s.Suffix
		}
		t.add(c)
	}
	return nil
}

func (t *schemaTracker) VisitGroupBy(s *config.GroupBy) error {
	if err := t.need("by", s.By...); err != nil {
		return err
	}
	out := append([]string(nil), s.By...)
	for _, a := range s.Aggs {
		if a.Column != "" {
			if err := t.need("aggs", a.Column); err != nil {
				return err
			}
		}
		out = append(out, a.OutputName())
	}
	t.cols = out
	return nil
}

func (t *schemaTracker) VisitWindow(s *config.Window) error {
	if err := t.need("partition_by", s.PartitionBy...); err != nil {
		return err
	}
	if s.OrderBy != "" {
		if err := t.need("order_by", s.OrderBy); err != nil {
			return err
		}
	}
	for _, a := range s.Ops {
		if a.Column != "" {
			if err := t.need("ops", a.Column); err != nil {
				return err
			}
		}
	}
	for _, a := range s.Ops {
		t.add(a.OutputName())
	}
	return nil
}

func (t *schemaTracker) VisitFillNull(s *config.FillNull) error {
	return t.need("columns", s.Columns...)
}

func (t *schemaTracker) VisitDropNull(s *config.DropNull) error {
	return t.need("columns", s.Columns...)
}

func (t *schemaTracker) VisitValidate(s *config.Validate) error {
	return t.need("checks", s.Checks.Targets()...)
}

func (t *schemaTracker) VisitFeatures(s *config.Features) error {
	for _, d := range s.Spec.Features {
		if err := t.need("features", d.Column); err != nil {
			return err
		}
	}
	for _, d := range s.Spec.Features {
		if d.Kind == config.FeatureOneHot {
			// Output columns depend on the fitted vocabulary.
			t.cols = nil
			return nil
		}
		t.add(d.OutputName())
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
