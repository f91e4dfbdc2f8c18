package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// accumulator folds the values of one aggregate over one group.
type accumulator interface {
	add(v any) error
	result() any
}

// newAccumulator returns the accumulator for f over values of type in.
// Nulls are skipped by every function except count_all and null_count.
func newAccumulator(f types.AggFunc, in types.DataType) (accumulator, error) {
	switch f {
	case types.AggCount:
		return &countAcc{}, nil
	case types.AggCountAll:
		return &countAcc{all: true}, nil
	case types.AggNullCount:
		return &countAcc{nulls: true}, nil
	case types.AggSum:
		return &sumAcc{ints: in == types.Int64}, nil
	case types.AggMean:
		return &momentsAcc{out: func(m *momentsAcc) any { return m.mean() }}, nil
	case types.AggStd:
		return &momentsAcc{out: func(m *momentsAcc) any { return m.std(1) }}, nil
	case types.AggVar:
		return &momentsAcc{out: func(m *momentsAcc) any { return m.variance(1) }}, nil
	case types.AggStdPop:
		return &momentsAcc{out: func(m *momentsAcc) any { return m.std(0) }}, nil
	case types.AggVarPop:
		return &momentsAcc{out: func(m *momentsAcc) any { return m.variance(0) }}, nil
	case types.AggMin:
		return &extremeAcc{less: true}, nil
	case types.AggMax:
		return &extremeAcc{}, nil
	case types.AggFirst:
		return &edgeAcc{first: true}, nil
	case types.AggLast:
		return &edgeAcc{}, nil
	case types.AggMedian:
		return &medianAcc{}, nil
	case types.AggNUnique:
		return &uniqueAcc{seen: map[string]struct{}{}}, nil
	case types.AggCounts:
		return &countsAcc{counts: map[string]int64{}}, nil
	}
	return nil, errs.Computef("%s is not a group aggregate", f)
}

type countAcc struct {
	all, nulls bool
	n          int64
}

func (a *countAcc) add(v any) error {
	if a.all || (v == nil) == a.nulls {
		a.n++
	}
	return nil
}

func (a *countAcc) result() any { return a.n }

type sumAcc struct {
	ints bool
	i    int64
	f    float64
}

func (a *sumAcc) add(v any) error {
	if v == nil {
		return nil
	}
	if a.ints {
		n, ok := v.(int64)
		if !ok {
			return errs.Computef("sum expects Int64, got %s", types.TypeOf(v))
		}
		r := a.i + n
		if (a.i > 0 && n > 0 && r < 0) || (a.i < 0 && n < 0 && r >= 0) {
			return errs.Computef("integer overflow in sum")
		}
		a.i = r
		return nil
	}
	f, err := number(v)
	if err != nil {
		return err
	}
	a.f += f
	return nil
}

func (a *sumAcc) result() any {
	if a.ints {
		return a.i
	}
	return a.f
}

func number(v any) (float64, error) {
	if _, isStr := v.(string); !isStr {
		if f, ok := types.ToFloat(v); ok {
			return f, nil
		}
	}
	return 0, errs.Computef("expected a number, got %s %q", types.TypeOf(v), types.ToString(v))
}

// momentsAcc tracks count, mean and the sum of squared deviations with
// Welford's update.
type momentsAcc struct {
	n   int64
	mu  float64
	m2  float64
	out func(*momentsAcc) any
}

func (a *momentsAcc) add(v any) error {
	if v == nil {
		return nil
	}
	x, err := number(v)
	if err != nil {
		return err
	}
	a.n++
	d := x - a.mu
	a.mu += d / float64(a.n)
	a.m2 += d * (x - a.mu)
	return nil
}

func (a *momentsAcc) result() any { return a.out(a) }

func (a *momentsAcc) mean() any {
	if a.n == 0 {
		return nil
	}
	return a.mu
}

// variance with ddof delta degrees of freedom.
func (a *momentsAcc) variance(ddof int64) any {
	if a.n-ddof <= 0 {
		return nil
	}
	return a.m2 / float64(a.n-ddof)
}

func (a *momentsAcc) std(ddof int64) any {
	v := a.variance(ddof)
	if v == nil {
		return nil
	}
	return math.Sqrt(v.(float64))
}

type extremeAcc struct {
	less bool
	v    any
}

func (a *extremeAcc) add(v any) error {
	if v == nil {
		return nil
	}
	if a.v == nil {
		a.v = v
		return nil
	}
	c, _ := types.Compare(v, a.v)
	if (a.less && c < 0) || (!a.less && c > 0) {
		a.v = v
	}
	return nil
}

func (a *extremeAcc) result() any { return a.v }

// edgeAcc keeps the first or last non-null value.
type edgeAcc struct {
	first bool
	v     any
}

func (a *edgeAcc) add(v any) error {
	if v != nil && (!a.first || a.v == nil) {
		a.v = v
	}
	return nil
}

func (a *edgeAcc) result() any { return a.v }

type medianAcc struct{ xs []float64 }

func (a *medianAcc) add(v any) error {
	if v == nil {
		return nil
	}
	x, err := number(v)
	if err != nil {
		return err
	}
	a.xs = append(a.xs, x)
	return nil
}

func (a *medianAcc) result() any {
	n := len(a.xs)
	if n == 0 {
		return nil
	}
	sort.Float64s(a.xs)
	if n%2 == 1 {
		return a.xs[n/2]
	}
	return (a.xs[n/2-1] + a.xs[n/2]) / 2
}

type uniqueAcc struct{ seen map[string]struct{} }

func (a *uniqueAcc) add(v any) error {
	if v != nil {
		a.seen[keyOf(v)] = struct{}{}
	}
	return nil
}

func (a *uniqueAcc) result() any { return int64(len(a.seen)) }

// countsAcc counts the string forms of non-null values.
type countsAcc struct{ counts map[string]int64 }

func (a *countsAcc) add(v any) error {
	if v != nil {
		a.counts[types.ToString(v)]++
	}
	return nil
}

func (a *countsAcc) result() any { return a.counts }

// keyOf renders v as a grouping key. Numbers with equal values share a key
// whatever their type.
func keyOf(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case string:
		return "s" + t
	case bool:
		if t {
			return "bt"
		}
		return "bf"
	case int64:
		return "n" + strconv.FormatInt(t, 10)
	}
	if f, ok := types.ToFloat(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return "n" + strconv.FormatInt(int64(f), 10)
		}
		return "n" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "s" + types.ToString(v)
}

// keyOfRow renders the values of row at idx as one grouping key. The second
// result is true when any of them is null.
func keyOfRow(row []any, idx []int) (string, bool) {
	var b strings.Builder
	hasNull := false
	for k, i := range idx {
		if k > 0 {
			b.WriteByte(0x1f)
		}
		if row[i] == nil {
			hasNull = true
		}
		b.WriteString(keyOf(row[i]))
	}
	return b.String(), hasNull
}

func indexesOf(s frame.Schema, names []string) ([]int, error) {
	idx := make([]int, len(names))
	for k, n := range names {
		idx[k] = s.Index(n)
		if idx[k] < 0 {
			return nil, errs.Schemaf("unknown column %q (have %s)", n, s).WithColumn(n)
		}
	}
	return idx, nil
}

type group struct {
	key  []any
	accs []accumulator
}

// executeAggregate groups its input by n.By, keeping groups in order of
// first appearance. Without By it emits exactly one row, also for an empty
// input.
func (c *Context) executeAggregate(n *frame.Aggregate, inputs []Pipeline) Pipeline {
	in := n.Input.Schema()
	byIdx, err := indexesOf(in, n.By)
	if err != nil {
		return closeAnd(errorPipeline(err), inputs)
	}
	ev := newEvaluator(in)
	argTypes := make([]types.DataType, len(n.Aggs))
	for k, a := range n.Aggs {
		if a.Agg.Func.IsWindowOnly() {
			return closeAnd(errorPipeline(errs.Computef("%s is only valid in a window", a.Agg.Func)), inputs)
		}
		if a.Agg.X != nil {
			argTypes[k] = frame.ExprType(a.Agg.X, in)
		}
	}

	newGroup := func(key []any) (*group, error) {
		g := &group{key: key, accs: make([]accumulator, len(n.Aggs))}
		for k, a := range n.Aggs {
			acc, err := newAccumulator(a.Agg.Func, argTypes[k])
			if err != nil {
				return nil, err
			}
			g.accs[k] = acc
		}
		return g, nil
	}

	var out Pipeline
	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) ([][]any, error) {
		if out != nil {
			return out.Read(ctx)
		}
		groups := map[string]*group{}
		var order []*group
		for {
			batch, err := inputs[0].Read(ctx)
			if errors.Is(err, EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			for _, row := range batch {
				key, _ := keyOfRow(row, byIdx)
				g, ok := groups[key]
				if !ok {
					vals := make([]any, len(byIdx))
					for k, i := range byIdx {
						vals[k] = row[i]
					}
					if g, err = newGroup(vals); err != nil {
						return nil, err
					}
					if err := c.mem.charge("group-by", [][]any{vals}); err != nil {
						return nil, err
					}
					groups[key] = g
					order = append(order, g)
				}
				for k, a := range n.Aggs {
					var v any
					if a.Agg.X != nil {
						if v, err = ev.eval(a.Agg.X, row, -1); err != nil {
							return nil, err
						}
					}
					if err := g.accs[k].add(v); err != nil {
						return nil, withAgg(err, a)
					}
				}
			}
		}
		if len(order) == 0 && len(n.By) == 0 {
			g, err := newGroup(nil)
			if err != nil {
				return nil, err
			}
			order = append(order, g)
		}
		rows := make([][]any, len(order))
		for r, g := range order {
			row := make([]any, 0, len(g.key)+len(g.accs))
			row = append(row, g.key...)
			for _, acc := range g.accs {
				row = append(row, acc.result())
			}
			rows[r] = row
		}
		out = bufferedPipeline(rows, c.batchSize)
		return out.Read(ctx)
	}, inputs...)
}

func withAgg(err error, a frame.NamedAgg) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Column == "" {
		if col, ok := a.Agg.X.(*expr.Column); ok {
			e.Column = col.Name
		}
	}
	return err
}

func closeAnd(p Pipeline, inputs []Pipeline) Pipeline {
	for _, in := range inputs {
		in.Close()
	}
	return p
}
