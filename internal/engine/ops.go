package engine

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/source"
	"github.com/takurot/mlprep/internal/types"
)

// minParallelRows is the batch size below which rows are evaluated on the
// calling goroutine.
const minParallelRows = 256

// parallel runs fn over [0, n) in contiguous chunks, one per thread.
func (c *Context) parallel(ctx context.Context, n int, fn func(lo, hi int) error) error {
	if c.threads <= 1 || n < minParallelRows {
		return fn(0, n)
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.threads)
	chunk := (n + c.threads - 1) / c.threads
	for lo := 0; lo < n; lo += chunk {
		lo := lo
		hi := min(lo+chunk, n)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}

// projector maps rows of one schema onto a subset of its columns.
type projector []int

func newProjector(from frame.Schema, to frame.Schema) projector {
	p := make(projector, to.Len())
	for i, f := range to.Fields {
		p[i] = from.Index(f.Name)
	}
	return p
}

func (p projector) identity(width int) bool {
	if len(p) != width {
		return false
	}
	for i, j := range p {
		if i != j {
			return false
		}
	}
	return true
}

func (p projector) apply(row []any) []any {
	out := make([]any, len(p))
	for i, j := range p {
		out[i] = row[j]
	}
	return out
}

// executeScan reads an input. The scan predicate is applied while reading.
// With caching on, the first complete read of an input keeps its rows and
// later scans replay them.
func (c *Context) executeScan(ctx context.Context, n *frame.Scan) Pipeline {
	e := c.engine
	out := n.Schema()

	if t, ok := e.cached(n.Input.Name); ok && sameSchema(t.Schema, n.Source) {
		return c.scanRows(n, t.Schema, bufferedPipeline(t.Rows, c.batchSize))
	}

	caching := e.rt.Cache
	read := n.Source
	if !caching {
		need := out.Names()
		if n.Predicate != nil {
			need = append(need, expr.Columns(n.Predicate)...)
		}
		read = n.Source.Select(sourceOrder(n.Source, need))
	}

	var (
		r      source.Reader
		buf    [][]any
		bufLen uint64
	)
	raw := newGenericPipeline(func(ctx context.Context, _ []Pipeline) ([][]any, error) {
		if r == nil {
			var err error
			if r, err = e.open(ctx, n.Input, read); err != nil {
				return nil, err
			}
		}
		rows, err := r.Next(ctx, c.batchSize)
		if errors.Is(err, io.EOF) {
			if caching {
				e.store(n.Input.Name, &Table{Schema: read, Rows: buf})
				caching, buf = false, nil
			}
			return nil, EOF
		}
		if err != nil {
			return nil, err
		}
		if caching {
			bufLen += sizeOf(rows)
			if e.rt.MemoryLimit > 0 && bufLen > e.rt.MemoryLimit/2 {
				level.Debug(e.logger).Log("msg", "input too large to cache", "input", n.Input.Name)
				caching, buf = false, nil
			} else {
				buf = append(buf, rows...)
			}
		}
		return rows, nil
	})
	raw.onClose = func() {
		if r != nil {
			r.Close()
		}
	}
	return c.scanRows(n, read, raw)
}

// scanRows applies the scan predicate and projection to rows of schema
// read.
func (c *Context) scanRows(n *frame.Scan, read frame.Schema, input Pipeline) Pipeline {
	out := n.Schema()
	proj := newProjector(read, out)
	if n.Predicate == nil && proj.identity(read.Len()) {
		return input
	}
	ev := newEvaluator(read)
	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) ([][]any, error) {
		batch, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		if n.Predicate != nil {
			if batch, err = c.filterBatch(ctx, ev, n.Predicate, batch); err != nil {
				return nil, err
			}
		}
		rows := make([][]any, len(batch))
		for i, row := range batch {
			rows[i] = proj.apply(row)
		}
		return rows, nil
	}, input)
}

func sameSchema(a, b frame.Schema) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i] != b.Fields[i] {
			return false
		}
	}
	return true
}

// sourceOrder returns the names of s found in names, in schema order.
func sourceOrder(s frame.Schema, names []string) []string {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	out := []string{}
	for _, f := range s.Fields {
		if _, ok := want[f.Name]; ok {
			out = append(out, f.Name)
		}
	}
	return out
}

func (c *Context) executeValues(n *frame.Values) Pipeline {
	return bufferedPipeline(n.Rows, c.batchSize)
}

func (c *Context) executeProject(n *frame.Project, inputs []Pipeline) Pipeline {
	return c.project(newProjector(n.Input.Schema(), n.Schema()), inputs)
}

func (c *Context) executeDrop(n *frame.Drop, inputs []Pipeline) Pipeline {
	return c.project(newProjector(n.Input.Schema(), n.Schema()), inputs)
}

func (c *Context) project(p projector, inputs []Pipeline) Pipeline {
	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) ([][]any, error) {
		batch, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([][]any, len(batch))
		for i, row := range batch {
			rows[i] = p.apply(row)
		}
		return rows, nil
	}, inputs...)
}

// filterBatch keeps the rows of batch for which pred is true, in order.
// Window values are looked up by position, so batch must be the whole
// buffered input when pred has windows.
func (c *Context) filterBatch(ctx context.Context, ev *evaluator, pred expr.Expr, batch [][]any) ([][]any, error) {
	keep := make([]bool, len(batch))
	err := c.parallel(ctx, len(batch), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			ok, err := ev.predicate(pred, batch[i], i)
			if err != nil {
				return err
			}
			keep[i] = ok
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := batch[:0:0]
	for i, row := range batch {
		if keep[i] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (c *Context) executeFilter(n *frame.Filter, inputs []Pipeline) Pipeline {
	schema := n.Input.Schema()
	if expr.HasWindow(n.Predicate) {
		return c.breaker("window filter", inputs[0], func(ctx context.Context, rows [][]any) ([][]any, error) {
			ev, err := bindWindows(schema, rows, n.Predicate)
			if err != nil {
				return nil, err
			}
			return c.filterBatch(ctx, ev, n.Predicate, rows)
		})
	}
	ev := newEvaluator(schema)
	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) ([][]any, error) {
		batch, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		return c.filterBatch(ctx, ev, n.Predicate, batch)
	}, inputs...)
}

// executeWithColumns evaluates every expression against the input row. With
// windows the whole input is buffered first.
func (c *Context) executeWithColumns(n *frame.WithColumns, inputs []Pipeline) Pipeline {
	in := n.Input.Schema()
	out := n.Schema()
	slots := make([]int, len(n.Exprs))
	es := make([]expr.Expr, len(n.Exprs))
	for k, e := range n.Exprs {
		slots[k] = out.Index(e.Name)
		es[k] = e.Expr
	}
	width := out.Len()

	apply := func(ctx context.Context, ev *evaluator, batch [][]any) ([][]any, error) {
		rows := make([][]any, len(batch))
		err := c.parallel(ctx, len(batch), func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				row := make([]any, width)
				copy(row, batch[i])
				for k, e := range es {
					v, err := ev.eval(e, batch[i], i)
					if err != nil {
						return err
					}
					row[slots[k]] = v
				}
				rows[i] = row
			}
			return nil
		})
		return rows, err
	}

	if expr.HasWindow(es...) {
		return c.breaker("window", inputs[0], func(ctx context.Context, rows [][]any) ([][]any, error) {
			ev, err := bindWindows(in, rows, es...)
			if err != nil {
				return nil, err
			}
			return apply(ctx, ev, rows)
		})
	}
	ev := newEvaluator(in)
	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) ([][]any, error) {
		batch, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		return apply(ctx, ev, batch)
	}, inputs...)
}

// executeSort sorts stably; nulls sort last in either direction.
func (c *Context) executeSort(n *frame.Sort, inputs []Pipeline) Pipeline {
	names := make([]string, len(n.Keys))
	for k, key := range n.Keys {
		names[k] = key.Column
	}
	idx, err := indexesOf(n.Input.Schema(), names)
	if err != nil {
		return closeAnd(errorPipeline(err), inputs)
	}
	return c.breaker("sort", inputs[0], func(_ context.Context, rows [][]any) ([][]any, error) {
		sort.SliceStable(rows, func(a, b int) bool {
			for k, key := range n.Keys {
				va, vb := rows[a][idx[k]], rows[b][idx[k]]
				switch {
				case va == nil && vb == nil:
					continue
				case va == nil:
					return false
				case vb == nil:
					return true
				}
				cmp, _ := types.Compare(va, vb)
				if cmp == 0 {
					continue
				}
				if key.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
		return rows, nil
	})
}

// executeFillNull carries the last (forward) or next (backward) non-null
// value of each column into null cells. Forward fill streams; backward fill
// buffers.
func (c *Context) executeFillNull(n *frame.FillNull, inputs []Pipeline) Pipeline {
	schema := n.Input.Schema()
	cols := n.Columns
	if len(cols) == 0 {
		cols = schema.Names()
	}
	idx, err := indexesOf(schema, cols)
	if err != nil {
		return closeAnd(errorPipeline(err), inputs)
	}
	if !n.Forward {
		return c.breaker("backward fill", inputs[0], func(_ context.Context, rows [][]any) ([][]any, error) {
			next := make([]any, len(idx))
			for r := len(rows) - 1; r >= 0; r-- {
				rows[r] = fillRow(rows[r], idx, next)
			}
			return rows, nil
		})
	}
	last := make([]any, len(idx))
	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) ([][]any, error) {
		batch, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([][]any, len(batch))
		for r, row := range batch {
			rows[r] = fillRow(row, idx, last)
		}
		return rows, nil
	}, inputs...)
}

// fillRow fills the null cells of row at idx from carry and records the
// non-null ones in carry. The row is copied before it is changed.
func fillRow(row []any, idx []int, carry []any) []any {
	out, copied := row, false
	for k, i := range idx {
		if row[i] != nil {
			carry[k] = row[i]
			continue
		}
		if carry[k] == nil {
			continue
		}
		if !copied {
			out, copied = append([]any(nil), row...), true
		}
		out[i] = carry[k]
	}
	return out
}
