package engine

import (
	"sort"

	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// overs returns the distinct Over nodes of es, innermost first.
func overs(es ...expr.Expr) []*expr.Over {
	var out []*expr.Over
	seen := map[*expr.Over]bool{}
	var visit func(e expr.Expr)
	visit = func(e expr.Expr) {
		if e == nil {
			return
		}
		for _, c := range e.Children() {
			visit(c)
		}
		if o, ok := e.(*expr.Over); ok && !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	for _, e := range es {
		visit(e)
	}
	return out
}

// bindWindows computes every window of es over rows and returns an
// evaluator that resolves them by row position.
func bindWindows(s frame.Schema, rows [][]any, es ...expr.Expr) (*evaluator, error) {
	ev := newEvaluator(s)
	ev.windows = map[*expr.Over][]any{}
	for _, o := range overs(es...) {
		vals, err := windowValues(ev, o, rows)
		if err != nil {
			return nil, err
		}
		ev.windows[o] = vals
	}
	return ev, nil
}

// windowValues evaluates o for every row. Partitions keep input order; with
// OrderBy each partition is stably sorted by it, nulls last. Plain
// aggregates cover the whole partition; window-only functions run along
// the ordered partition.
func windowValues(ev *evaluator, o *expr.Over, rows [][]any) ([]any, error) {
	partIdx, err := indexesOf(ev.schema, o.PartitionBy)
	if err != nil {
		return nil, err
	}
	ordIdx := -1
	if o.OrderBy != "" {
		if ordIdx = ev.schema.Index(o.OrderBy); ordIdx < 0 {
			return nil, errs.Schemaf("unknown column %q (have %s)", o.OrderBy, ev.schema).WithColumn(o.OrderBy)
		}
	}

	args := make([]any, len(rows))
	if o.Agg.X != nil {
		for i, row := range rows {
			if args[i], err = ev.eval(o.Agg.X, row, i); err != nil {
				return nil, err
			}
		}
	}

	var parts [][]int
	byKey := map[string]int{}
	for i, row := range rows {
		key, _ := keyOfRow(row, partIdx)
		p, ok := byKey[key]
		if !ok {
			p = len(parts)
			byKey[key] = p
			parts = append(parts, nil)
		}
		parts[p] = append(parts[p], i)
	}

	out := make([]any, len(rows))
	argType := types.Unknown
	if o.Agg.X != nil {
		argType = frame.ExprType(o.Agg.X, ev.schema)
	}
	for _, p := range parts {
		if ordIdx >= 0 {
			sort.SliceStable(p, func(a, b int) bool {
				return types.SortLess(rows[p[a]][ordIdx], rows[p[b]][ordIdx])
			})
		}
		if err := fillPartition(o, p, rows, args, ordIdx, argType, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func fillPartition(o *expr.Over, p []int, rows [][]any, args []any, ordIdx int, argType types.DataType, out []any) error {
	f := o.Agg.Func
	switch f {
	case types.AggRowNumber:
		for pos, i := range p {
			out[i] = int64(pos + 1)
		}
		return nil

	case types.AggRank:
		// Ranks the argument, or the order column without one. Ties share
		// the lowest rank; nulls have none.
		vals := func(i int) any { return args[i] }
		if o.Agg.X == nil {
			if ordIdx < 0 {
				return errs.Computef("rank needs a column or an order_by")
			}
			vals = func(i int) any { return rows[i][ordIdx] }
		}
		ranked := append([]int(nil), p...)
		sort.SliceStable(ranked, func(a, b int) bool { return types.SortLess(vals(ranked[a]), vals(ranked[b])) })
		for pos, i := range ranked {
			v := vals(i)
			switch {
			case v == nil:
				out[i] = nil
			case pos > 0 && sameValue(vals(ranked[pos-1]), v):
				out[i] = out[ranked[pos-1]]
			default:
				out[i] = int64(pos + 1)
			}
		}
		return nil

	case types.AggLag, types.AggLead:
		off := o.Agg.Offset
		if off == 0 {
			off = 1
		}
		if f == types.AggLag {
			off = -off
		}
		for pos, i := range p {
			if j := pos + off; j >= 0 && j < len(p) {
				out[i] = args[p[j]]
			} else {
				out[i] = nil
			}
		}
		return nil

	case types.AggCumSum, types.AggCumMax, types.AggCumMin:
		var acc accumulator
		switch f {
		case types.AggCumSum:
			acc = &sumAcc{ints: argType == types.Int64}
		case types.AggCumMax:
			acc = &extremeAcc{}
		default:
			acc = &extremeAcc{less: true}
		}
		for _, i := range p {
			if args[i] == nil {
				out[i] = nil
				continue
			}
			if err := acc.add(args[i]); err != nil {
				return err
			}
			out[i] = acc.result()
		}
		return nil
	}

	acc, err := newAccumulator(f, argType)
	if err != nil {
		return err
	}
	for _, i := range p {
		if err := acc.add(args[i]); err != nil {
			return err
		}
	}
	v := acc.result()
	for _, i := range p {
		out[i] = v
	}
	return nil
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, _ := types.Compare(a, b)
	return c == 0
}
