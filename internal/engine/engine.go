// Package engine evaluates lazy frames.
//
// Local is the reference evaluator: a pull-based tree of pipelines, one per
// plan node, passing row batches upwards. Streaming nodes (scan, filter,
// project, with-columns) work batch at a time; pipeline breakers (sort,
// aggregate, windows, the build side of a join, backward fill) buffer their
// input and charge it against the runtime memory limit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/source"
)

// Engine evaluates lazy frames. Collect and Stream are the only points where
// a plan is materialized.
type Engine interface {
	// Collect evaluates f and returns all of its rows.
	Collect(ctx context.Context, f frame.LazyFrame) (*Table, error)
	// Stream evaluates f and hands each batch to fn in row order.
	Stream(ctx context.Context, f frame.LazyFrame, fn func(*Table) error) error
}

// Table is a materialized frame or batch.
type Table struct {
	Schema frame.Schema
	Rows   [][]any
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Column returns the values of column name, or nil when there is no such
// column.
func (t *Table) Column(name string) []any {
	i := t.Schema.Index(name)
	if i < 0 {
		return nil
	}
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Record returns row i keyed by column name.
func (t *Table) Record(i int) map[string]any {
	m := make(map[string]any, t.Schema.Len())
	for c, f := range t.Schema.Fields {
		m[f.Name] = t.Rows[i][c]
	}
	return m
}

// Opener opens an input for reading rows of schema.
type Opener func(ctx context.Context, in config.InputSpec, schema frame.Schema) (source.Reader, error)

// Option configures a Local engine.
type Option func(*Local)

// WithLogger sets the logger used for debug output.
func WithLogger(l log.Logger) Option { return func(e *Local) { e.logger = l } }

// WithOpener replaces source.Open, e.g. to read from memory in tests.
func WithOpener(o Opener) Option { return func(e *Local) { e.open = o } }

// Local is the reference engine. It is safe for concurrent use.
type Local struct {
	rt     config.RuntimeConfig
	logger log.Logger
	open   Opener

	// cache holds fully read inputs by name when the runtime enables
	// caching, so repeated evaluations over one input read it once.
	mu    sync.Mutex
	cache map[string]*Table
}

var _ Engine = (*Local)(nil)

// New returns a local engine for rt.
func New(rt config.RuntimeConfig, opts ...Option) *Local {
	e := &Local{
		rt:     rt,
		logger: log.NewNopLogger(),
		open:   source.Open,
		cache:  map[string]*Table{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.rt.BatchSize <= 0 {
		e.rt.BatchSize = config.DefaultBatchSize
	}
	if e.rt.Threads <= 0 {
		e.rt.Threads = 1
	}
	return e
}

// Runtime returns the runtime configuration of e.
func (e *Local) Runtime() config.RuntimeConfig { return e.rt }

// Collect implements Engine. The collected rows count against the memory
// limit like any other buffer.
func (e *Local) Collect(ctx context.Context, f frame.LazyFrame) (*Table, error) {
	t := &Table{Schema: f.Schema()}
	mem := newTracker(e.rt.MemoryLimit)
	err := e.run(ctx, f, mem, func(b *Table) error {
		if err := mem.charge("collect", b.Rows); err != nil {
			return err
		}
		t.Rows = append(t.Rows, b.Rows...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Stream implements Engine.
func (e *Local) Stream(ctx context.Context, f frame.LazyFrame, fn func(*Table) error) error {
	return e.run(ctx, f, newTracker(e.rt.MemoryLimit), fn)
}

func (e *Local) run(ctx context.Context, f frame.LazyFrame, mem *tracker, fn func(*Table) error) error {
	if !f.Valid() {
		return errors.New("engine: empty plan")
	}
	start := time.Now()
	plan := f.Optimize()
	level.Debug(e.logger).Log("msg", "executing plan", "plan", plan.String())

	c := &Context{engine: e, mem: mem, batchSize: e.rt.BatchSize, threads: e.rt.Threads}
	p := c.execute(ctx, plan.Node())
	defer p.Close()

	schema := plan.Schema()
	var rows int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := p.Read(ctx)
		if errors.Is(err, EOF) {
			break
		}
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			continue
		}
		rows += len(batch)
		if err := fn(&Table{Schema: schema, Rows: batch}); err != nil {
			return err
		}
	}
	level.Debug(e.logger).Log("msg", "plan executed", "rows", rows, "peak_bytes", mem.peakString(), "duration", time.Since(start))
	return nil
}

func (e *Local) cached(name string) (*Table, bool) {
	if !e.rt.Cache {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.cache[name]
	return t, ok
}

func (e *Local) store(name string, t *Table) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[name] = t
	level.Debug(e.logger).Log("msg", "cached input", "input", name, "rows", len(t.Rows))
}

// Reset drops cached inputs.
func (e *Local) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = map[string]*Table{}
}

// Context is the state of one plan execution.
type Context struct {
	engine    *Local
	mem       *tracker
	batchSize int
	threads   int
}

func (c *Context) execute(ctx context.Context, node frame.Node) Pipeline {
	children := node.Inputs()
	inputs := make([]Pipeline, 0, len(children))
	for _, child := range children {
		inputs = append(inputs, c.execute(ctx, child))
	}

	switch n := node.(type) {
	case *frame.Scan:
		return c.executeScan(ctx, n)
	case *frame.Values:
		return c.executeValues(n)
	case *frame.Project:
		return c.executeProject(n, inputs)
	case *frame.Drop:
		return c.executeDrop(n, inputs)
	case *frame.Filter:
		return c.executeFilter(n, inputs)
	case *frame.WithColumns:
		return c.executeWithColumns(n, inputs)
	case *frame.Sort:
		return c.executeSort(n, inputs)
	case *frame.Join:
		return c.executeJoin(n, inputs)
	case *frame.Aggregate:
		return c.executeAggregate(n, inputs)
	case *frame.FillNull:
		return c.executeFillNull(n, inputs)
	default:
		for _, in := range inputs {
			in.Close()
		}
		return errorPipeline(fmt.Errorf("invalid node type: %T", node))
	}
}
