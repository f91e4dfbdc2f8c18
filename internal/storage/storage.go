// Package storage writes frames to their outputs.
//
// Every output format is served by a Sink registered under the format name.
// File formats (csv, jsonl) live in this package; database backends register
// themselves from their own packages, so a binary links only the drivers it
// imports. Import storage/all to enable every built-in backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
)

// Sink receives the rows of one output. Write may be called any number of
// times with batches of the same schema. Exactly one of Close, which
// finalizes the output, or Abort, which discards what it can, ends the sink.
type Sink interface {
	Write(ctx context.Context, schema frame.Schema, rows [][]any) error
	Close() error
	Abort() error
}

// Factory opens a Sink for out.
type Factory func(ctx context.Context, out config.OutputSpec) (Sink, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under format. Registering a format
// twice panics.
func Register(format string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[format]; dup {
		panic(fmt.Sprintf("storage: backend %q registered twice", format))
	}
	factories[format] = f
}

// Formats lists the registered formats.
func Formats() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open opens the sink of out, deriving the format from the path when it is
// not set.
func Open(ctx context.Context, out config.OutputSpec) (Sink, error) {
	if out.Format == "" {
		out.Format = config.FormatFromPath(out.Path)
	}
	mu.RLock()
	f, ok := factories[out.Format]
	mu.RUnlock()
	if !ok {
		return nil, errs.Configf("unsupported output format %q (have %v)", out.Format, Formats())
	}
	s, err := f(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("open %s output %s: %w", out.Format, Describe(out), err)
	}
	return s, nil
}

// Describe names out for logs and lineage without leaking database
// credentials.
func Describe(out config.OutputSpec) string {
	if config.IsDatabase(out.Format) {
		return out.Format + ":" + out.Table
	}
	return out.Path
}

// Pather is implemented by sinks that write files. Paths lists the files of
// the output once it is closed.
type Pather interface {
	Paths() []string
}
