package features

import (
	"context"
	"fmt"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/engine"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
)

// check resolves the transformers of spec and checks its columns exist in
// schema.
func check(spec config.FeatureSpec, schema frame.Schema) ([]Transformer, error) {
	ts := make([]Transformer, len(spec.Features))
	seen := make(map[string]bool, len(spec.Features))
	for i, def := range spec.Features {
		t, ok := Lookup(def.Kind)
		if !ok {
			return nil, errs.Configf("unknown transform %q", def.Kind).AtPath(fmt.Sprintf("features[%d].transform", i))
		}
		if seen[def.Key()] {
			return nil, errs.Configf("feature %s is declared twice", def.Key()).AtPath(fmt.Sprintf("features[%d]", i))
		}
		seen[def.Key()] = true
		if !schema.Has(def.Column) {
			return nil, errs.Schemaf("feature %s references unknown column %q (have %s)", def.Key(), def.Column, schema).
				WithColumn(def.Column)
		}
		ts[i] = t
	}
	return ts, nil
}

func statName(i, j int) string { return fmt.Sprintf("__mlprep_f%d_%d", i, j) }

// Fit computes the parameters of every feature of spec over in. The
// statistics of all features come from a single aggregate plan.
func Fit(ctx context.Context, eng engine.Engine, in frame.LazyFrame, spec config.FeatureSpec, opts FitOptions) (*State, error) {
	ts, err := check(spec, in.Schema())
	if err != nil {
		return nil, err
	}

	var aggs []frame.NamedAgg
	for i, def := range spec.Features {
		for j, a := range ts[i].Stats(def) {
			aggs = append(aggs, frame.NamedAgg{Name: statName(i, j), Agg: a})
		}
	}
	var row map[string]any
	if len(aggs) > 0 {
		t, err := eng.Collect(ctx, in.Aggregate(nil, aggs...))
		if err != nil {
			return nil, fmt.Errorf("fit features: %w", err)
		}
		if t.Len() != 1 {
			return nil, fmt.Errorf("fit features: expected one statistics row, got %d", t.Len())
		}
		row = t.Record(0)
	}

	s := &State{
		FormatVersion: FormatVersion,
		Fingerprint:   Fingerprint(spec),
		Features:      make(map[string]Params, len(spec.Features)),
	}
	for i, def := range spec.Features {
		n := len(ts[i].Stats(def))
		stats := make([]any, n)
		for j := range stats {
			stats[j] = row[statName(i, j)]
		}
		p, err := ts[i].Fit(def, stats, opts)
		if err != nil {
			return nil, err
		}
		s.Features[def.Key()] = p
	}
	return s, nil
}

// Transform applies state to in. The state must have been fitted for spec.
func Transform(in frame.LazyFrame, spec config.FeatureSpec, state *State) (frame.LazyFrame, error) {
	if state == nil {
		return in, errs.FeatureStatef("features are not fitted")
	}
	if fp := Fingerprint(spec); state.Fingerprint != fp {
		return in, errs.FeatureStatef("feature state was fitted for a different feature spec").
			WithExpected(fp, state.Fingerprint)
	}
	ts, err := check(spec, in.Schema())
	if err != nil {
		return in, err
	}
	out := in
	for i, def := range spec.Features {
		p, ok := state.Params(def)
		if !ok {
			return in, errs.FeatureStatef("feature state has no parameters for %s", def.Key()).WithColumn(def.Column)
		}
		if !out.Schema().Has(def.Column) {
			return in, errs.Schemaf("feature %s: column %q was replaced by an earlier feature", def.Key(), def.Column).
				WithColumn(def.Column)
		}
		if out, err = ts[i].Apply(out, def, p); err != nil {
			return in, err
		}
	}
	return out, nil
}

// Engine tracks the fit state of one FeatureSpec. It starts not fitted; Fit
// or Use make it fitted, after which Transform may be called any number of
// times.
type Engine struct {
	spec  config.FeatureSpec
	state *State
}

// NewEngine returns a not-fitted engine for spec.
func NewEngine(spec config.FeatureSpec) *Engine {
	return &Engine{spec: spec}
}

// Fitted reports whether the engine holds a state.
func (e *Engine) Fitted() bool { return e.state != nil }

// State returns the fitted state, or nil.
func (e *Engine) State() *State { return e.state }

// Fit fits the spec over in. An engine is fitted at most once.
func (e *Engine) Fit(ctx context.Context, eng engine.Engine, in frame.LazyFrame, opts FitOptions) (*State, error) {
	if e.state != nil {
		return nil, errs.FeatureStatef("features are already fitted")
	}
	s, err := Fit(ctx, eng, in, e.spec, opts)
	if err != nil {
		return nil, err
	}
	e.state = s
	return s, nil
}

// Use adopts a previously persisted state. Its fingerprint is checked by
// Transform.
func (e *Engine) Use(s *State) error {
	if e.state != nil {
		return errs.FeatureStatef("features are already fitted")
	}
	if s == nil {
		return errs.FeatureStatef("no feature state")
	}
	e.state = s
	return nil
}

// Load adopts the state stored at path.
func (e *Engine) Load(path string) error {
	s, err := Load(path)
	if err != nil {
		return err
	}
	return e.Use(s)
}

// Transform applies the fitted state to in.
func (e *Engine) Transform(in frame.LazyFrame) (frame.LazyFrame, error) {
	if e.state == nil {
		return in, errs.FeatureStatef("transform called before fit: features are not fitted")
	}
	return Transform(in, e.spec, e.state)
}
