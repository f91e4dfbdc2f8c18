package storage

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/takurot/mlprep/internal/frame"
)

// LoadBatches drains rows from in, groups them into batches of batchSize and
// writes each batch to sink. It returns the number of rows written and the
// first error. A progress line is logged per flushed batch. The sink is
// prepared with an empty write first, so an empty input still creates the
// output.
func LoadBatches(
	ctx context.Context,
	logger log.Logger,
	sink Sink,
	schema frame.Schema,
	in <-chan []any,
	batchSize int,
) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("storage: batch size must be > 0")
	}
	if err := sink.Write(ctx, schema, nil); err != nil {
		return 0, err
	}
	var (
		total   int64
		batches int
		batch   = make([][]any, 0, batchSize)
		start   = time.Now()
		last    = start
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.Write(ctx, schema, batch); err != nil {
			level.Error(logger).Log("msg", "write failed", "batch", batches+1, "rows", len(batch), "total", total, "err", err)
			return err
		}
		n := int64(len(batch))
		total += n
		batches++
		now := time.Now()
		rps := 0.0
		if d := now.Sub(last); d > 0 {
			rps = float64(n) / d.Seconds()
		}
		level.Debug(logger).Log("msg", "batch written", "batch", batches, "rows", n, "total", total,
			"rps", int64(rps), "elapsed", now.Sub(start).Truncate(time.Millisecond))
		last = now
		// The sink may keep the batch, so a fresh one is allocated.
		batch = make([][]any, 0, batchSize)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case row, ok := <-in:
			if !ok {
				if err := flush(); err != nil {
					return total, err
				}
				level.Debug(logger).Log("msg", "input closed", "batches", batches, "total", total)
				return total, nil
			}
			batch = append(batch, row)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return total, err
				}
			}
		}
	}
}
