package frame

import (
	"fmt"
	"strings"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/expr"
)

// Node is a logical plan node.
type Node interface {
	// Schema is the output schema of the node.
	Schema() Schema
	// Inputs returns the child nodes in evaluation order.
	Inputs() []Node
	describe() string
	isNode()
}

// NamedExpr is an expression bound to an output column name.
type NamedExpr struct {
	Name string
	Expr expr.Expr
}

func (n NamedExpr) String() string { return n.Name + "=" + n.Expr.String() }

// NamedAgg is an aggregate bound to an output column name.
type NamedAgg struct {
	Name string
	Agg  *expr.Agg
}

// SortKey is one sort column.
type SortKey struct {
	Column string
	Desc   bool
}

// Scan reads an input dataset. Projection and Predicate are filled in by the
// optimizer; the engine applies them while reading.
type Scan struct {
	Input config.InputSpec
	// Source is the full schema of the dataset.
	Source Schema
	// Projection lists the columns to read, or nil for all.
	Projection []string
	// Predicate filters rows while reading; nil keeps all rows.
	Predicate expr.Expr
}

// Values is an in-memory dataset.
type Values struct {
	Name   string
	Fields Schema
	Rows   [][]any
}

// Project keeps Columns in the given order.
type Project struct {
	Input   Node
	Columns []string
}

// Filter keeps rows for which Predicate is true. Null counts as false.
type Filter struct {
	Input     Node
	Predicate expr.Expr
}

// WithColumns evaluates Exprs against each input row and replaces or appends
// the named columns. All expressions see the input row, not each other's
// results.
type WithColumns struct {
	Input Node
	Exprs []NamedExpr
}

// Drop removes Columns.
type Drop struct {
	Input   Node
	Columns []string
}

// Sort orders rows by Keys. The sort is stable; nulls sort last.
type Sort struct {
	Input Node
	Keys  []SortKey
}

// Join combines Left and Right. Right key columns are not repeated in the
// output; other colliding right columns get Suffix appended.
type Join struct {
	Left, Right     Node
	LeftOn, RightOn []string
	How             config.JoinHow
	Suffix          string
}

// Aggregate groups rows by By and computes Aggs per group. With no By it
// yields exactly one row. Groups are emitted in order of first appearance.
type Aggregate struct {
	Input Node
	By    []string
	Aggs  []NamedAgg
}

// FillNull carries the previous (Forward) or next non-null value into null
// cells of Columns, all columns when empty.
type FillNull struct {
	Input   Node
	Columns []string
	Forward bool
}

func (*Scan) isNode()        {}
func (*Values) isNode()      {}
func (*Project) isNode()     {}
func (*Filter) isNode()      {}
func (*WithColumns) isNode() {}
func (*Drop) isNode()        {}
func (*Sort) isNode()        {}
func (*Join) isNode()        {}
func (*Aggregate) isNode()   {}
func (*FillNull) isNode()    {}

func (*Scan) Inputs() []Node          { return nil }
func (*Values) Inputs() []Node        { return nil }
func (n *Project) Inputs() []Node     { return []Node{n.Input} }
func (n *Filter) Inputs() []Node      { return []Node{n.Input} }
func (n *WithColumns) Inputs() []Node { return []Node{n.Input} }
func (n *Drop) Inputs() []Node        { return []Node{n.Input} }
func (n *Sort) Inputs() []Node        { return []Node{n.Input} }
func (n *Join) Inputs() []Node        { return []Node{n.Left, n.Right} }
func (n *Aggregate) Inputs() []Node   { return []Node{n.Input} }
func (n *FillNull) Inputs() []Node    { return []Node{n.Input} }

func (n *Scan) Schema() Schema {
	if n.Projection == nil {
		return n.Source
	}
	return n.Source.Select(n.Projection)
}

func (n *Values) Schema() Schema  { return n.Fields }
func (n *Project) Schema() Schema { return n.Input.Schema().Select(n.Columns) }
func (n *Filter) Schema() Schema  { return n.Input.Schema() }

func (n *WithColumns) Schema() Schema {
	in := n.Input.Schema()
	out := in
	for _, e := range n.Exprs {
		out = out.With(Field{Name: e.Name, Type: ExprType(e.Expr, in)})
	}
	return out
}

func (n *Drop) Schema() Schema     { return n.Input.Schema().Without(n.Columns...) }
func (n *Sort) Schema() Schema     { return n.Input.Schema() }
func (n *FillNull) Schema() Schema { return n.Input.Schema() }

func (n *Join) Schema() Schema {
	out := Schema{Fields: append([]Field(nil), n.Left.Schema().Fields...)}
	for _, f := range n.RightFields() {
		out.Fields = append(out.Fields, f)
	}
	return out
}

// RightFields returns the right-hand fields that appear in the output, with
// collisions renamed.
func (n *Join) RightFields() []Field {
	left := n.Left.Schema()
	keys := map[string]struct{}{}
	if n.How != config.JoinCross {
		for _, k := range n.RightOn {
			keys[k] = struct{}{}
		}
	}
	suffix := n.Suffix
	if suffix == "" {
		suffix = "_right"
	}
	var out []Field
	for _, f := range n.Right.Schema().Fields {
		if _, ok := keys[f.Name]; ok {
			continue
		}
		if left.Has(f.Name) {
			f.Name += suffix
		}
		out = append(out, f)
	}
	return out
}

func (n *Aggregate) Schema() Schema {
	in := n.Input.Schema()
	out := in.Select(n.By)
	for _, a := range n.Aggs {
		out.Fields = append(out.Fields, Field{Name: a.Name, Type: ExprType(a.Agg, in)})
	}
	return out
}

func (n *Scan) describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan %s (%s)", n.Input.Name, n.Input.Path)
	if n.Projection != nil {
		fmt.Fprintf(&b, " columns=[%s]", strings.Join(n.Projection, ", "))
	}
	if n.Predicate != nil {
		fmt.Fprintf(&b, " predicate=%s", n.Predicate)
	}
	return b.String()
}

func (n *Values) describe() string {
	return fmt.Sprintf("Values %s rows=%d", n.Name, len(n.Rows))
}

func (n *Project) describe() string {
	return "Project [" + strings.Join(n.Columns, ", ") + "]"
}

func (n *Filter) describe() string { return "Filter " + n.Predicate.String() }

func (n *WithColumns) describe() string {
	parts := make([]string, len(n.Exprs))
	for i, e := range n.Exprs {
		parts[i] = e.String()
	}
	return "WithColumns [" + strings.Join(parts, ", ") + "]"
}

func (n *Drop) describe() string { return "Drop [" + strings.Join(n.Columns, ", ") + "]" }

func (n *Sort) describe() string {
	parts := make([]string, len(n.Keys))
	for i, k := range n.Keys {
		parts[i] = k.Column
		if k.Desc {
			parts[i] += " DESC"
		}
	}
	return "Sort [" + strings.Join(parts, ", ") + "]"
}

func (n *Join) describe() string {
	return fmt.Sprintf("Join %s left_on=[%s] right_on=[%s]", n.How,
		strings.Join(n.LeftOn, ", "), strings.Join(n.RightOn, ", "))
}

func (n *Aggregate) describe() string {
	parts := make([]string, len(n.Aggs))
	for i, a := range n.Aggs {
		parts[i] = a.Name + "=" + a.Agg.String()
	}
	return fmt.Sprintf("Aggregate by=[%s] [%s]", strings.Join(n.By, ", "), strings.Join(parts, ", "))
}

func (n *FillNull) describe() string {
	dir := "backward"
	if n.Forward {
		dir = "forward"
	}
	return fmt.Sprintf("FillNull %s [%s]", dir, strings.Join(n.Columns, ", "))
}

// Explain renders the plan rooted at n as an indented tree.
func Explain(n Node) string {
	var b strings.Builder
	explain(&b, n, 0)
	return b.String()
}

func explain(b *strings.Builder, n Node, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.describe())
	b.WriteByte('\n')
	for _, in := range n.Inputs() {
		explain(b, in, depth+1)
	}
}

// IsBreaker reports whether n must see its whole input before emitting a row.
func IsBreaker(n Node) bool {
	switch n := n.(type) {
	case *Sort, *Aggregate:
		return true
	case *FillNull:
		return !n.Forward
	case *WithColumns:
		for _, e := range n.Exprs {
			if expr.HasWindow(e.Expr) {
				return true
			}
		}
	}
	return false
}
