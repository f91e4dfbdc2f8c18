package frame

import (
	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/types"
)

// LazyFrame is an immutable handle on a logical plan. Every method returns a
// new frame; the receiver is never modified.
type LazyFrame struct {
	root Node
}

// ScanInput starts a plan reading input, whose full schema is known.
func ScanInput(input config.InputSpec, schema Schema) LazyFrame {
	return LazyFrame{root: &Scan{Input: input, Source: schema}}
}

// FromRows starts a plan over in-memory rows. Rows must match schema.
func FromRows(name string, schema Schema, rows [][]any) LazyFrame {
	return LazyFrame{root: &Values{Name: name, Fields: schema, Rows: rows}}
}

// FromNode wraps an existing plan.
func FromNode(n Node) LazyFrame { return LazyFrame{root: n} }

// Node returns the plan root.
func (f LazyFrame) Node() Node { return f.root }

// Schema returns the output schema.
func (f LazyFrame) Schema() Schema { return f.root.Schema() }

// Valid reports whether the frame has a plan.
func (f LazyFrame) Valid() bool { return f.root != nil }

func (f LazyFrame) String() string { return Explain(f.root) }

// Select keeps columns in the given order.
func (f LazyFrame) Select(columns ...string) LazyFrame {
	return LazyFrame{root: &Project{Input: f.root, Columns: columns}}
}

// Filter keeps rows where pred is true.
func (f LazyFrame) Filter(pred expr.Expr) LazyFrame {
	return LazyFrame{root: &Filter{Input: f.root, Predicate: pred}}
}

// WithColumns adds or replaces columns.
func (f LazyFrame) WithColumns(exprs ...NamedExpr) LazyFrame {
	if len(exprs) == 0 {
		return f
	}
	return LazyFrame{root: &WithColumns{Input: f.root, Exprs: exprs}}
}

// Drop removes columns.
func (f LazyFrame) Drop(columns ...string) LazyFrame {
	if len(columns) == 0 {
		return f
	}
	return LazyFrame{root: &Drop{Input: f.root, Columns: columns}}
}

// Sort orders rows stably by keys.
func (f LazyFrame) Sort(keys ...SortKey) LazyFrame {
	return LazyFrame{root: &Sort{Input: f.root, Keys: keys}}
}

// Join joins f with right.
func (f LazyFrame) Join(right LazyFrame, leftOn, rightOn []string, how config.JoinHow, suffix string) LazyFrame {
	return LazyFrame{root: &Join{Left: f.root, Right: right.root, LeftOn: leftOn, RightOn: rightOn, How: how, Suffix: suffix}}
}

// Aggregate groups by by and computes aggs. An empty by yields one row.
func (f LazyFrame) Aggregate(by []string, aggs ...NamedAgg) LazyFrame {
	return LazyFrame{root: &Aggregate{Input: f.root, By: by, Aggs: aggs}}
}

// FillDirectional fills nulls from neighbouring rows.
func (f LazyFrame) FillDirectional(columns []string, forward bool) LazyFrame {
	return LazyFrame{root: &FillNull{Input: f.root, Columns: columns, Forward: forward}}
}

// Optimize returns f with the plan rewritten by the optimizer rules.
func (f LazyFrame) Optimize() LazyFrame { return LazyFrame{root: Optimize(f.root)} }

// CountAll is the aggregate counting every row, named name.
func CountAll(name string) NamedAgg {
	return NamedAgg{Name: name, Agg: &expr.Agg{Func: types.AggCountAll}}
}
