package engine

import (
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/takurot/mlprep/internal/errs"
)

// Approximate in-memory cost of buffered values.
const (
	rowOverhead  = 24 // slice header
	cellOverhead = 16 // interface value
)

// tracker accounts for the bytes buffered by pipeline breakers during one
// execution. A zero limit only records usage.
type tracker struct {
	limit uint64

	mu   sync.Mutex
	used uint64
	peak uint64
}

func newTracker(limit uint64) *tracker { return &tracker{limit: limit} }

// charge adds the estimated size of rows. It fails with a MemoryError once
// the total exceeds the limit.
func (t *tracker) charge(what string, rows [][]any) error {
	if t == nil {
		return nil
	}
	n := sizeOf(rows)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used += n
	t.peak = max(t.peak, t.used)
	if t.limit > 0 && t.used > t.limit {
		return errs.Memoryf("%s buffers %s, exceeding the memory limit of %s",
			what, humanize.Bytes(t.used), humanize.Bytes(t.limit))
	}
	return nil
}

// release returns the estimated size of rows.
func (t *tracker) release(rows [][]any) {
	if t == nil {
		return
	}
	n := sizeOf(rows)
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.used {
		n = t.used
	}
	t.used -= n
}

func (t *tracker) peakString() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return humanize.Bytes(t.peak)
}

func sizeOf(rows [][]any) uint64 {
	var n uint64
	for _, r := range rows {
		n += rowOverhead + uint64(len(r))*cellOverhead
		for _, v := range r {
			switch v := v.(type) {
			case string:
				n += uint64(len(v))
			case map[string]int64:
				for k := range v {
					n += uint64(len(k)) + 8
				}
			}
		}
	}
	return n
}
