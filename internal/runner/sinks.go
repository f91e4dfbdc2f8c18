package runner

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/engine"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/lineage"
	"github.com/takurot/mlprep/internal/metrics"
	"github.com/takurot/mlprep/internal/storage"
)

// sampleRows is the number of quarantined rows logged at debug level.
const sampleRows = 5

// target is one opened output.
type target struct {
	out  config.OutputSpec
	sink storage.Sink
	rows int64
}

// writeAll loads the quarantined rows and the final frame into their sinks
// and commits them together. If any load fails, every sink is aborted.
func (rn *run) writeAll(ctx context.Context, final frame.LazyFrame) error {
	var opened []*target
	qs, err := rn.loadQuarantine(ctx)
	opened = append(opened, qs...)
	if err == nil && len(rn.spec.Outputs) > 0 {
		var ts []*target
		ts, err = rn.load(ctx, rn.spec.Outputs, final.Schema(), []frame.LazyFrame{final}, nil)
		opened = append(opened, ts...)
		if len(ts) > 0 {
			rn.res.Rows = ts[0].rows
		}
	}
	if err != nil {
		rn.abort(opened)
		return err
	}
	if err := rn.commit(opened); err != nil {
		return err
	}
	metrics.RecordRow(rn.opts.Name, metrics.RowsWritten, rn.res.Rows)
	metrics.RecordRow(rn.opts.Name, metrics.RowsQuarantined, rn.res.Quarantined)
	return nil
}

// loadQuarantine loads the quarantine frames of every quarantine-mode
// validation into the quarantine output. The frames must share one schema.
func (rn *run) loadQuarantine(ctx context.Context) ([]*target, error) {
	if len(rn.quarantine) == 0 {
		return nil, nil
	}
	if rn.spec.Quarantine == nil {
		return nil, errs.Configf("%d quarantined rows have no quarantine output", rn.res.Quarantined)
	}
	schema := rn.quarantine[0].frame.Schema()
	frames := make([]frame.LazyFrame, len(rn.quarantine))
	for i, q := range rn.quarantine {
		if s := q.frame.Schema(); !sameSchema(schema, s) {
			return nil, errs.Schemaf("quarantined rows of steps %d and %d differ in columns: %s vs %s",
				rn.quarantine[0].step, q.step, schema, s).AtStep(q.step)
		}
		frames[i] = q.frame
	}
	logged := 0
	sample := func(s frame.Schema, row []any) {
		if logged >= sampleRows {
			return
		}
		logged++
		record := make(map[string]any, len(row))
		for i, f := range s.Fields {
			record[f.Name] = row[i]
		}
		level.Debug(rn.logger).Log(append([]any{"msg", "quarantined row"}, rn.opts.Policy.Keyvals(record)...)...)
	}
	return rn.load(ctx, []config.OutputSpec{*rn.spec.Quarantine}, schema, frames, sample)
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

// load streams frames once and fans every row out to one sink per output.
// Each sink is fed by its own LoadBatches goroutine, so a slow output only
// stalls the others by the depth of its channel. The returned targets are
// loaded but not committed; on error they are already aborted.
func (rn *run) load(
	ctx context.Context,
	outs []config.OutputSpec,
	schema frame.Schema,
	frames []frame.LazyFrame,
	sample func(frame.Schema, []any),
) ([]*target, error) {
	batch := rn.spec.Runtime.BatchSize
	if batch <= 0 {
		batch = config.DefaultBatchSize
	}
	ts := make([]*target, 0, len(outs))
	for _, out := range outs {
		s, err := storage.Open(ctx, out)
		if err != nil {
			rn.abort(ts)
			return nil, err
		}
		ts = append(ts, &target{out: out, sink: s})
	}

	g, gctx := errgroup.WithContext(ctx)
	chans := make([]chan []any, len(ts))
	for i, t := range ts {
		t := t
		ch := make(chan []any, batch)
		chans[i] = ch
		g.Go(func() error {
			logger := log.With(rn.logger, "output", storage.Describe(t.out))
			n, err := storage.LoadBatches(gctx, logger, t.sink, schema, ch, batch)
			t.rows = n
			return err
		})
	}
	g.Go(func() error {
		defer func() {
			for _, ch := range chans {
				close(ch)
			}
		}()
		for _, f := range frames {
			err := rn.eng.Stream(gctx, f, func(t *engine.Table) error {
				for _, row := range t.Rows {
					if sample != nil {
						sample(t.Schema, row)
					}
					for _, ch := range chans {
						select {
						case ch <- row:
						case <-gctx.Done():
							return gctx.Err()
						}
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		rn.abort(ts)
		return nil, err
	}
	return ts, nil
}

func (rn *run) abort(ts []*target) {
	for _, t := range ts {
		if err := t.sink.Abort(); err != nil {
			level.Warn(rn.logger).Log("msg", "abort output", "output", storage.Describe(t.out), "err", err)
		}
	}
}

// commit closes every sink and records the outputs in the lineage entry.
func (rn *run) commit(ts []*target) error {
	var failed error
	for _, t := range ts {
		name := storage.Describe(t.out)
		if err := t.sink.Close(); err != nil {
			failed = errors.Join(failed, err)
			continue
		}
		level.Info(rn.logger).Log("msg", "output written", "output", name, "rows", t.rows)
		p, ok := t.sink.(storage.Pather)
		if !ok {
			rn.entry.Outputs = append(rn.entry.Outputs, lineage.File{Path: name, Rows: t.rows})
			continue
		}
		paths := p.Paths()
		for _, path := range paths {
			f, err := lineage.Stat(path)
			if err != nil {
				failed = errors.Join(failed, err)
				continue
			}
			if len(paths) == 1 {
				f.Rows = t.rows
			}
			rn.entry.Outputs = append(rn.entry.Outputs, f)
		}
	}
	return failed
}
