package engine

import (
	"context"
	"errors"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/frame"
)

// executeJoin is a hash join that builds on the right input and streams the
// left one. Null keys never match. Matches come out in left order; right
// and outer joins then append the unmatched right rows, their left key
// columns filled from the right keys.
func (c *Context) executeJoin(n *frame.Join, inputs []Pipeline) Pipeline {
	left, right := n.Left.Schema(), n.Right.Schema()
	cross := n.How == config.JoinCross

	var leftKeys, rightKeys []int
	if !cross {
		var err error
		if leftKeys, err = indexesOf(left, n.LeftOn); err != nil {
			return closeAnd(errorPipeline(err), inputs)
		}
		if rightKeys, err = indexesOf(right, n.RightOn); err != nil {
			return closeAnd(errorPipeline(err), inputs)
		}
	}
	// Right columns carried into the output.
	var carried []int
	keyCol := map[int]bool{}
	for _, k := range rightKeys {
		keyCol[k] = true
	}
	for i := range right.Fields {
		if !keyCol[i] {
			carried = append(carried, i)
		}
	}
	width := left.Len() + len(carried)

	combine := func(l, r []any) []any {
		row := make([]any, width)
		if l != nil {
			copy(row, l)
		}
		if r != nil {
			for k, i := range carried {
				row[left.Len()+k] = r[i]
			}
		}
		return row
	}

	var (
		built     bool
		buildRows [][]any
		table     map[string][]int
		matched   []bool
		tailDone  bool
	)
	build := func(ctx context.Context, p Pipeline) error {
		rows, err := drain(ctx, p, c.mem, "join build side")
		if err != nil {
			return err
		}
		buildRows = rows
		matched = make([]bool, len(rows))
		if cross {
			return nil
		}
		table = make(map[string][]int, len(rows))
		for i, row := range rows {
			key, hasNull := keyOfRow(row, rightKeys)
			if hasNull {
				continue
			}
			table[key] = append(table[key], i)
		}
		return nil
	}

	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) ([][]any, error) {
		if !built {
			if err := build(ctx, inputs[1]); err != nil {
				return nil, err
			}
			built = true
		}
		batch, err := inputs[0].Read(ctx)
		if errors.Is(err, EOF) {
			if tailDone || (n.How != config.JoinRight && n.How != config.JoinOuter) {
				return nil, EOF
			}
			tailDone = true
			var rows [][]any
			for i, r := range buildRows {
				if matched[i] {
					continue
				}
				row := combine(nil, r)
				for k, li := range leftKeys {
					row[li] = r[rightKeys[k]]
				}
				rows = append(rows, row)
			}
			return rows, nil
		}
		if err != nil {
			return nil, err
		}

		var rows [][]any
		for _, l := range batch {
			if cross {
				for _, r := range buildRows {
					rows = append(rows, combine(l, r))
				}
				continue
			}
			key, hasNull := keyOfRow(l, leftKeys)
			var hits []int
			if !hasNull {
				hits = table[key]
			}
			for _, i := range hits {
				matched[i] = true
				rows = append(rows, combine(l, buildRows[i]))
			}
			if len(hits) == 0 && (n.How == config.JoinLeft || n.How == config.JoinOuter) {
				rows = append(rows, combine(l, nil))
			}
		}
		return rows, nil
	}, inputs...)
}
