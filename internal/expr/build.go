package expr

import (
	"fmt"

	"github.com/grafana/regexp"

	"github.com/takurot/mlprep/internal/types"
)

// Col references a column.
func Col(name string) Expr { return &Column{Name: name} }

// Lit wraps a constant. Go ints are widened to int64.
func Lit(v any) Expr {
	switch t := v.(type) {
	case int:
		v = int64(t)
	case int32:
		v = int64(t)
	case float32:
		v = float64(t)
	}
	return &Literal{Value: v}
}

func bin(op types.BinaryOp, l, r Expr) Expr { return &Binary{Op: op, Left: l, Right: r} }

func Eq(l, r Expr) Expr  { return bin(types.BinaryOpEq, l, r) }
func Neq(l, r Expr) Expr { return bin(types.BinaryOpNeq, l, r) }
func Gt(l, r Expr) Expr  { return bin(types.BinaryOpGt, l, r) }
func Gte(l, r Expr) Expr { return bin(types.BinaryOpGte, l, r) }
func Lt(l, r Expr) Expr  { return bin(types.BinaryOpLt, l, r) }
func Lte(l, r Expr) Expr { return bin(types.BinaryOpLte, l, r) }
func Add(l, r Expr) Expr { return bin(types.BinaryOpAdd, l, r) }
func Sub(l, r Expr) Expr { return bin(types.BinaryOpSub, l, r) }
func Mul(l, r Expr) Expr { return bin(types.BinaryOpMul, l, r) }
func Div(l, r Expr) Expr { return bin(types.BinaryOpDiv, l, r) }

// And folds es with AND. An empty list is true.
func And(es ...Expr) Expr { return fold(types.BinaryOpAnd, true, es) }

// Or folds es with OR. An empty list is false.
func Or(es ...Expr) Expr { return fold(types.BinaryOpOr, false, es) }

func fold(op types.BinaryOp, empty bool, es []Expr) Expr {
	if len(es) == 0 {
		return Lit(empty)
	}
	out := es[0]
	for _, e := range es[1:] {
		out = bin(op, out, e)
	}
	return out
}

func Not(e Expr) Expr       { return &Unary{Op: types.UnaryOpNot, X: e} }
func Neg(e Expr) Expr       { return &Unary{Op: types.UnaryOpNeg, X: e} }
func IsNull(e Expr) Expr    { return &Unary{Op: types.UnaryOpIsNull, X: e} }
func IsNotNull(e Expr) Expr { return &Unary{Op: types.UnaryOpIsNotNull, X: e} }

// Normalize yields the canonical (NFC) string key of e.
func Normalize(e Expr) Expr { return &Unary{Op: types.UnaryOpNormalize, X: e} }

// CastTo is a strict cast.
func CastTo(e Expr, t types.DataType) Expr { return &Cast{X: e, To: t, Strict: true} }

// TryCast is a non-strict cast: unconvertible values become null.
func TryCast(e Expr, t types.DataType) Expr { return &Cast{X: e, To: t} }

// FillFalse treats a null predicate as false.
func FillFalse(e Expr) Expr { return &Coalesce{Args: []Expr{e, Lit(false)}} }

// CoalesceOf yields the first non-null of es.
func CoalesceOf(es ...Expr) Expr { return &Coalesce{Args: es} }

// When builds CASE WHEN c THEN t ELSE e.
func When(c, t, e Expr) Expr { return &Case{When: c, Then: t, Else: e} }

// In builds a membership test over the string forms of values.
func In(e Expr, values []string) Expr {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return &InSet{X: e, Values: append([]string(nil), values...), set: set}
}

// NewMatch compiles pattern into a regex match node. The budget is
// mandatory: a zero budget is rejected.
func NewMatch(e Expr, pattern string, budget Budget, onExceed ExceedPolicy) (*Match, error) {
	if !budget.Valid() {
		return nil, fmt.Errorf("regex %q: input length and timeout budget are required", pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regex %q: %w", pattern, err)
	}
	return &Match{X: e, Pattern: pattern, Re: re, Budget: budget, OnExceed: onExceed}, nil
}

// AggOf builds an aggregate node.
func AggOf(f types.AggFunc, e Expr) *Agg { return &Agg{Func: f, X: e} }

// CountRows counts all rows.
func CountRows() *Agg { return &Agg{Func: types.AggCountAll} }

// OverAll evaluates agg over the whole frame.
func OverAll(agg *Agg) Expr { return &Over{Agg: agg} }

// OverPartition evaluates agg per partition.
func OverPartition(agg *Agg, partitionBy ...string) Expr {
	return &Over{Agg: agg, PartitionBy: partitionBy}
}
