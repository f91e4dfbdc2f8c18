package engine

import (
	"math"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"

	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// evaluator evaluates row expressions over rows of one schema. It is
// read-only once built and may be shared by goroutines.
type evaluator struct {
	schema frame.Schema
	index  map[string]int
	// windows holds the per-row values of every Over node, computed over
	// the buffered input the rows belong to.
	windows map[*expr.Over][]any
}

func newEvaluator(s frame.Schema) *evaluator {
	index := make(map[string]int, s.Len())
	for i, f := range s.Fields {
		index[f.Name] = i
	}
	return &evaluator{schema: s, index: index}
}

// predicate evaluates e as a filter condition. Null counts as false.
func (ev *evaluator) predicate(e expr.Expr, row []any, i int) (bool, error) {
	v, err := ev.eval(e, row, i)
	if err != nil || v == nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errs.Computef("predicate %s yields %s, not Boolean", e, types.TypeOf(v))
	}
	return b, nil
}

// eval evaluates e over row, the i-th row of the current input.
func (ev *evaluator) eval(e expr.Expr, row []any, i int) (any, error) {
	switch e := e.(type) {
	case *expr.Column:
		idx, ok := ev.index[e.Name]
		if !ok {
			return nil, errs.Schemaf("unknown column %q (have %s)", e.Name, ev.schema).WithColumn(e.Name)
		}
		return row[idx], nil

	case *expr.Literal:
		return e.Value, nil

	case *expr.Unary:
		x, err := ev.eval(e.X, row, i)
		if err != nil {
			return nil, err
		}
		return unary(e, x)

	case *expr.Binary:
		if e.Op.IsLogical() {
			return ev.logical(e, row, i)
		}
		l, err := ev.eval(e.Left, row, i)
		if err != nil {
			return nil, err
		}
		r, err := ev.eval(e.Right, row, i)
		if err != nil {
			return nil, err
		}
		if l == nil || r == nil {
			return nil, nil
		}
		if e.Op.IsComparison() {
			return compare(e.Op, l, r), nil
		}
		return arith(e, l, r)

	case *expr.Cast:
		x, err := ev.eval(e.X, row, i)
		if err != nil {
			return nil, err
		}
		v, ok := types.Convert(x, e.To)
		if ok {
			return v, nil
		}
		if !e.Strict {
			return nil, nil
		}
		return nil, errs.Computef("cannot cast %q to %s", types.ToString(x), e.To).
			WithColumn(columnOf(e.X)).
			WithExpected(e.To.String(), types.TypeOf(x).String())

	case *expr.InSet:
		x, err := ev.eval(e.X, row, i)
		if err != nil || x == nil {
			return nil, err
		}
		return e.Contains(types.ToString(x)), nil

	case *expr.Match:
		x, err := ev.eval(e.X, row, i)
		if err != nil || x == nil {
			return nil, err
		}
		return match(e, types.ToString(x))

	case *expr.Coalesce:
		for _, a := range e.Args {
			v, err := ev.eval(a, row, i)
			if err != nil {
				return nil, err
			}
			if v != nil {
				return v, nil
			}
		}
		return nil, nil

	case *expr.Case:
		c, err := ev.eval(e.When, row, i)
		if err != nil {
			return nil, err
		}
		if b, _ := c.(bool); b {
			return ev.eval(e.Then, row, i)
		}
		if e.Else == nil {
			return nil, nil
		}
		return ev.eval(e.Else, row, i)

	case *expr.Lookup:
		x, err := ev.eval(e.X, row, i)
		if err != nil {
			return nil, err
		}
		if x == nil {
			return e.NullValue, nil
		}
		key := types.ToString(x)
		if v, ok := e.Table[key]; ok {
			return v, nil
		}
		if e.Strict {
			return nil, errs.FeatureStatef("%s: category %q was not seen during fit and no other bucket is reserved", e.Name, key).
				WithColumn(columnOf(e.X))
		}
		return e.Default, nil

	case *expr.HashBucket:
		x, err := ev.eval(e.X, row, i)
		if err != nil || x == nil {
			return nil, err
		}
		return HashBucket(types.ToString(x), e.Buckets), nil

	case *expr.Over:
		vals, ok := ev.windows[e]
		if !ok || i < 0 || i >= len(vals) {
			return nil, errs.Computef("window %s evaluated outside its input", e)
		}
		return vals[i], nil

	case *expr.RuleList:
		var fired []string
		for k, p := range e.Preds {
			ok, err := ev.predicate(p, row, i)
			if err != nil {
				return nil, err
			}
			if ok {
				fired = append(fired, e.Names[k])
			}
		}
		return strings.Join(fired, ","), nil

	case *expr.Agg:
		return nil, errs.Computef("aggregate %s outside a group-by or window", e)
	}
	return nil, errs.Computef("cannot evaluate %T", e)
}

// HashBucket maps s into [0, buckets) with xxh3.
func HashBucket(s string, buckets int) int64 {
	if buckets <= 0 {
		return 0
	}
	return int64(xxh3.HashString(s) % uint64(buckets))
}

func columnOf(e expr.Expr) string {
	if c, ok := e.(*expr.Column); ok {
		return c.Name
	}
	return ""
}

func unary(e *expr.Unary, x any) (any, error) {
	switch e.Op {
	case types.UnaryOpIsNull:
		return x == nil, nil
	case types.UnaryOpIsNotNull:
		return x != nil, nil
	}
	if x == nil {
		return nil, nil
	}
	switch e.Op {
	case types.UnaryOpNot:
		b, err := asBool(e.X, x)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case types.UnaryOpNeg:
		switch v := x.(type) {
		case int64:
			if v == math.MinInt64 {
				return nil, errs.Computef("integer overflow in %s", e)
			}
			return -v, nil
		case float64:
			return -v, nil
		}
		return nil, errs.Computef("cannot negate %s", types.TypeOf(x)).WithColumn(columnOf(e.X))
	case types.UnaryOpNormalize:
		return norm.NFC.String(types.ToString(x)), nil
	}
	return nil, errs.Computef("unsupported operator %s", e.Op)
}

func asBool(e expr.Expr, v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	if b, ok := types.ToBool(v); ok {
		return b, nil
	}
	return false, errs.Computef("%s yields %s, not Boolean", e, types.TypeOf(v)).WithColumn(columnOf(e))
}

// logical implements three-valued AND and OR. The right side is not
// evaluated when the left side decides the result.
func (ev *evaluator) logical(e *expr.Binary, row []any, i int) (any, error) {
	decisive := e.Op == types.BinaryOpOr
	l, err := ev.eval(e.Left, row, i)
	if err != nil {
		return nil, err
	}
	var lb bool
	if l != nil {
		if lb, err = asBool(e.Left, l); err != nil {
			return nil, err
		}
		if lb == decisive {
			return decisive, nil
		}
	}
	r, err := ev.eval(e.Right, row, i)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	rb, err := asBool(e.Right, r)
	if err != nil {
		return nil, err
	}
	if rb == decisive {
		return decisive, nil
	}
	if l == nil {
		return nil, nil
	}
	return !decisive, nil
}

func compare(op types.BinaryOp, l, r any) any {
	c, ok := types.Compare(l, r)
	if !ok {
		return nil
	}
	switch op {
	case types.BinaryOpEq:
		return c == 0
	case types.BinaryOpNeq:
		return c != 0
	case types.BinaryOpGt:
		return c > 0
	case types.BinaryOpGte:
		return c >= 0
	case types.BinaryOpLt:
		return c < 0
	case types.BinaryOpLte:
		return c <= 0
	}
	return nil
}

// arith applies an arithmetic operator. Two Int64 operands stay Int64 except
// for division; overflow and division by zero are ComputeErrors.
func arith(e *expr.Binary, l, r any) (any, error) {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt && e.Op != types.BinaryOpDiv {
		return intArith(e, li, ri)
	}
	lf, ok := types.ToFloat(l)
	if _, isStr := l.(string); isStr || !ok {
		return nil, errs.Computef("cannot apply %s to %s", e.Op, types.TypeOf(l)).WithColumn(columnOf(e.Left))
	}
	rf, ok := types.ToFloat(r)
	if _, isStr := r.(string); isStr || !ok {
		return nil, errs.Computef("cannot apply %s to %s", e.Op, types.TypeOf(r)).WithColumn(columnOf(e.Right))
	}
	var out float64
	switch e.Op {
	case types.BinaryOpAdd:
		out = lf + rf
	case types.BinaryOpSub:
		out = lf - rf
	case types.BinaryOpMul:
		out = lf * rf
	case types.BinaryOpDiv:
		if rf == 0 {
			return nil, errs.Computef("division by zero in %s", e)
		}
		out = lf / rf
	case types.BinaryOpMod:
		if rf == 0 {
			return nil, errs.Computef("division by zero in %s", e)
		}
		out = math.Mod(lf, rf)
	default:
		return nil, errs.Computef("unsupported operator %s", e.Op)
	}
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return nil, errs.Computef("numeric overflow in %s", e)
	}
	return out, nil
}

func intArith(e *expr.Binary, a, b int64) (any, error) {
	overflow := func() (any, error) { return nil, errs.Computef("integer overflow in %s", e) }
	switch e.Op {
	case types.BinaryOpAdd:
		r := a + b
		if (a > 0 && b > 0 && r < 0) || (a < 0 && b < 0 && r >= 0) {
			return overflow()
		}
		return r, nil
	case types.BinaryOpSub:
		r := a - b
		if (a >= 0 && b < 0 && r < 0) || (a < 0 && b > 0 && r >= 0) {
			return overflow()
		}
		return r, nil
	case types.BinaryOpMul:
		if a == 0 || b == 0 {
			return int64(0), nil
		}
		r := a * b
		if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return overflow()
		}
		return r, nil
	case types.BinaryOpMod:
		if b == 0 {
			return nil, errs.Computef("division by zero in %s", e)
		}
		if b == -1 {
			return int64(0), nil
		}
		return a % b, nil
	}
	return nil, errs.Computef("unsupported operator %s", e.Op)
}

// match runs a budgeted regex match. RE2 matching is linear in the input,
// so the input cap bounds the work; the timeout is checked once the match
// returns.
func match(e *expr.Match, s string) (any, error) {
	if e.Re == nil {
		return nil, errs.Computef("regex %q was not compiled", e.Pattern)
	}
	if !e.Budget.Valid() {
		return nil, errs.Computef("regex %q has no budget", e.Pattern)
	}
	if len(s) > e.Budget.MaxInput {
		return exceeded(e, "input of %d bytes exceeds max_input %d", len(s), e.Budget.MaxInput)
	}
	start := time.Now()
	ok := e.Re.MatchString(s)
	if took := time.Since(start); took > e.Budget.Timeout {
		return exceeded(e, "match took %s, over the %s timeout", took, e.Budget.Timeout)
	}
	return ok, nil
}

func exceeded(e *expr.Match, format string, args ...any) (any, error) {
	if e.OnExceed == expr.ExceedNoMatch {
		return false, nil
	}
	return nil, errs.Computef("regex %q: "+format, append([]any{e.Pattern}, args...)...).WithColumn(columnOf(e.X))
}
