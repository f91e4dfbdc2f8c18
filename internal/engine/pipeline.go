package engine

import (
	"context"
	"errors"
	"fmt"
)

// Pipeline produces row batches.
type Pipeline interface {
	// Read returns the next batch. It returns EOF once the pipeline is
	// exhausted. A batch may be empty.
	Read(context.Context) ([][]any, error)
	// Close closes the resources of the pipeline, including its inputs.
	Close()
}

// EOF is returned by Read when a pipeline is exhausted.
var EOF = errors.New("pipeline exhausted") //nolint:revive,staticcheck

type readFunc func(context.Context, []Pipeline) ([][]any, error)

// GenericPipeline runs read over its inputs.
type GenericPipeline struct {
	inputs  []Pipeline
	read    readFunc
	onClose func()
}

func newGenericPipeline(read readFunc, inputs ...Pipeline) *GenericPipeline {
	return &GenericPipeline{
		read:   read,
		inputs: inputs,
	}
}

var _ Pipeline = (*GenericPipeline)(nil)

// Read implements Pipeline.
func (p *GenericPipeline) Read(ctx context.Context) ([][]any, error) {
	if p.read == nil {
		return nil, EOF
	}
	return p.read(ctx, p.inputs)
}

// Close implements Pipeline.
func (p *GenericPipeline) Close() {
	for _, inp := range p.inputs {
		inp.Close()
	}
	if p.onClose != nil {
		p.onClose()
		p.onClose = nil
	}
}

func errorPipeline(err error) Pipeline {
	return newGenericPipeline(func(_ context.Context, _ []Pipeline) ([][]any, error) {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	})
}

// bufferedPipeline replays rows in batches of size.
func bufferedPipeline(rows [][]any, size int) Pipeline {
	pos := 0
	return newGenericPipeline(func(_ context.Context, _ []Pipeline) ([][]any, error) {
		if pos >= len(rows) {
			return nil, EOF
		}
		end := min(pos+size, len(rows))
		batch := rows[pos:end]
		pos = end
		return batch, nil
	})
}

// drain reads p to exhaustion, charging every batch to mem under what.
func drain(ctx context.Context, p Pipeline, mem *tracker, what string) ([][]any, error) {
	var rows [][]any
	for {
		batch, err := p.Read(ctx)
		if errors.Is(err, EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if err := mem.charge(what, batch); err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
}

// breaker buffers its whole input on first Read, transforms it with fn and
// replays the result. The buffered input is released from the memory
// account once the replay is exhausted.
func (c *Context) breaker(what string, input Pipeline, fn func(ctx context.Context, rows [][]any) ([][]any, error)) Pipeline {
	var (
		out  Pipeline
		held [][]any
	)
	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) ([][]any, error) {
		if out == nil {
			rows, err := drain(ctx, inputs[0], c.mem, what)
			if err != nil {
				return nil, err
			}
			held = rows
			if rows, err = fn(ctx, rows); err != nil {
				return nil, err
			}
			out = bufferedPipeline(rows, c.batchSize)
		}
		batch, err := out.Read(ctx)
		if errors.Is(err, EOF) && held != nil {
			c.mem.release(held)
			held = nil
		}
		return batch, err
	}, input)
}
