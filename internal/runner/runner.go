// Package runner executes a compiled pipeline end to end.
//
// A run scans its inputs, stacks every relational step onto one lazy plan,
// evaluates validate and features steps where they occur, and finally
// streams the result into the configured outputs. Nothing is written until
// every step has been decided, so a strict validation failure leaves the
// outputs untouched. Each run appends one lineage entry when lineage is
// configured, whether it succeeded or not.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/takurot/mlprep/internal/builder"
	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/dsl"
	"github.com/takurot/mlprep/internal/engine"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/features"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/lineage"
	"github.com/takurot/mlprep/internal/metrics"
	"github.com/takurot/mlprep/internal/security"
	"github.com/takurot/mlprep/internal/source"
	"github.com/takurot/mlprep/internal/validate"
)

// Options configure a Runner. The zero value runs unrestricted with a no-op
// logger.
type Options struct {
	Logger log.Logger
	// Policy restricts file access and masks columns in logs. Nil allows
	// everything.
	Policy *security.Policy
	// Engine evaluates plans. Nil uses a local engine per run, configured by
	// the pipeline runtime.
	Engine engine.Engine
	Limits dsl.Limits
	// Name labels metrics and lineage. RunFile defaults it to the file stem.
	Name string
	// ReportPath receives the validation reports of the run, also when the
	// run fails.
	ReportPath string
	// ForceFit fits every features step regardless of its mode.
	ForceFit bool
	// StatePath overrides the state path of the features step.
	StatePath string
	Now       func() time.Time
}

// Result describes a finished run.
type Result struct {
	RunID string
	// Rows is the number of rows of the final frame written to each output.
	Rows        int64
	Quarantined int64
	Reports     []validate.Report
	// States lists the feature state files written.
	States []string
	Entry  *lineage.Entry
}

// Runner executes pipelines.
type Runner struct {
	opts Options
}

// New returns a Runner.
func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{opts: opts}
}

// CompileFile reads and compiles the pipeline document at path.
func (r *Runner) CompileFile(path string) (*config.PipelineSpec, error) {
	doc, err := r.readFile(path)
	if err != nil {
		return nil, err
	}
	spec, err := dsl.Compile(doc, r.opts.Limits)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	return spec, nil
}

func (r *Runner) readFile(path string) ([]byte, error) {
	if err := r.opts.Policy.CheckPath(path); err != nil {
		return nil, err
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IOf(err, "read %s", path)
	}
	return doc, nil
}

// RunFile compiles and runs the pipeline at path.
func (r *Runner) RunFile(ctx context.Context, path string) (*Result, error) {
	spec, err := r.CompileFile(path)
	if err != nil {
		return nil, err
	}
	if r.opts.Name == "" {
		named := *r
		named.opts.Name = config.StemOf(path)
		return named.Run(ctx, spec)
	}
	return r.Run(ctx, spec)
}

// run is the state of one pipeline execution.
type run struct {
	*Runner
	spec    *config.PipelineSpec
	eng     engine.Engine
	logger  log.Logger
	entry   *lineage.Entry
	res     *Result
	started time.Time

	quarantine []quarantined
	states     []pendingState
}

type quarantined struct {
	step  int
	frame frame.LazyFrame
}

type pendingState struct {
	path  string
	state *features.State
}

// Run executes spec. The returned Result is non-nil whenever the run got far
// enough to be assigned an id, also on error.
func (r *Runner) Run(ctx context.Context, spec *config.PipelineSpec) (res *Result, err error) {
	started := r.opts.Now()
	entry := lineage.NewEntry(started)
	entry.Pipeline = r.opts.Name
	res = &Result{RunID: entry.RunID, Entry: entry, Reports: []validate.Report{}}
	rn := &run{
		Runner:  r,
		spec:    spec,
		logger:  log.With(r.opts.Logger, "run", entry.RunID),
		entry:   entry,
		res:     res,
		started: started,
	}
	defer func() { err = rn.finish(ctx, err) }()

	if len(spec.Inputs) == 0 {
		return res, errs.Configf("pipeline has no inputs").AtPath("inputs")
	}
	if err := entry.AddSteps(spec.Steps); err != nil {
		return res, err
	}
	if err := checkQuarantine(spec); err != nil {
		return res, err
	}
	if err := rn.checkAccess(); err != nil {
		return res, err
	}
	rn.eng = r.opts.Engine
	if rn.eng == nil {
		rn.eng = engine.New(spec.Runtime, engine.WithLogger(rn.logger))
	}
	level.Info(rn.logger).Log("msg", "run started", "pipeline", r.opts.Name, "inputs", len(spec.Inputs), "steps", len(spec.Steps))

	frames, err := rn.scanInputs(ctx)
	if err != nil {
		return res, err
	}
	cur := frames[spec.Inputs[0].Name]
	b := builder.New(spec.Runtime, frames)
	for i, step := range spec.Steps {
		cur, err = rn.step(ctx, b, i, step, cur)
		if err != nil {
			return res, err
		}
	}

	if err := rn.timed("write", func() error { return rn.writeAll(ctx, cur) }); err != nil {
		return res, err
	}
	for _, ps := range rn.states {
		if err := features.Save(ps.path, ps.state); err != nil {
			return res, err
		}
		res.States = append(res.States, ps.path)
		level.Info(rn.logger).Log("msg", "feature state saved", "path", ps.path, "fingerprint", ps.state.Fingerprint)
	}
	return res, nil
}

// checkQuarantine rejects a quarantine-mode validation without a
// quarantine output, which would drop the violating rows.
func checkQuarantine(spec *config.PipelineSpec) error {
	if spec.Quarantine != nil {
		return nil
	}
	for i, s := range spec.Steps {
		if v, ok := s.(*config.Validate); ok && v.Mode == config.ModeQuarantine {
			return errs.Configf("quarantine mode needs a quarantine output").
				AtPath(fmt.Sprintf("steps[%d].validate.mode", i)).AtStep(i)
		}
	}
	return nil
}

func (rn *run) checkAccess() error {
	if err := rn.opts.Policy.CheckSpec(rn.spec); err != nil {
		return err
	}
	if rn.opts.StatePath == "" {
		return nil
	}
	n := 0
	for _, s := range rn.spec.Steps {
		if s.Kind() == config.StepFeatures {
			n++
		}
	}
	if n > 1 {
		return errs.Configf("a state path override needs exactly one features step, pipeline has %d", n)
	}
	return rn.opts.Policy.CheckPath(rn.opts.StatePath)
}

// finish completes the lineage entry and flushes metrics. A lineage failure
// fails an otherwise successful run.
func (rn *run) finish(ctx context.Context, err error) error {
	now := rn.opts.Now()
	if err != nil {
		level.Error(rn.logger).Log("msg", "run failed", "err", err)
	}
	if rn.opts.ReportPath != "" {
		if rerr := validate.WriteReportFile(rn.opts.ReportPath, rn.res.Reports...); rerr != nil {
			err = errors.Join(err, errs.IOf(rerr, "write report %s", rn.opts.ReportPath))
		}
	}
	rn.entry.Validation = rn.res.Reports
	rn.entry.FeatureStates = rn.res.States
	rn.entry.Finish(now, err)
	metrics.RecordStep(rn.opts.Name, "run", err, now.Sub(rn.started))

	if l := rn.spec.Lineage; l != nil {
		if lerr := rn.appendLineage(context.WithoutCancel(ctx), *l); lerr != nil {
			if err == nil {
				err = lerr
			} else {
				level.Error(rn.logger).Log("msg", "lineage not recorded", "err", lerr)
			}
		}
	}
	if ferr := metrics.Flush(); ferr != nil {
		level.Warn(rn.logger).Log("msg", "metrics flush failed", "err", ferr)
	}
	if err == nil {
		level.Info(rn.logger).Log("msg", "run succeeded", "rows", rn.res.Rows, "quarantined", rn.res.Quarantined,
			"elapsed", now.Sub(rn.started).Truncate(time.Millisecond))
	}
	return err
}

func (rn *run) appendLineage(ctx context.Context, spec config.LineageSpec) error {
	store, err := lineage.Open(ctx, spec)
	if err != nil {
		return err
	}
	if err := store.Append(ctx, rn.entry); err != nil {
		store.Close()
		return err
	}
	return store.Close()
}

// timed runs fn, recording its duration under name.
func (rn *run) timed(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	rn.entry.Observe(name, d)
	metrics.RecordStep(rn.opts.Name, name, err, d)
	return err
}

func (rn *run) scanInputs(ctx context.Context) (map[string]frame.LazyFrame, error) {
	frames := make(map[string]frame.LazyFrame, len(rn.spec.Inputs))
	for _, in := range rn.spec.Inputs {
		var schema frame.Schema
		err := rn.timed("scan_"+in.Name, func() error {
			s, err := source.Probe(ctx, in)
			schema = s
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		f, err := lineage.Stat(in.Path)
		if err != nil {
			return nil, err
		}
		rn.entry.Inputs = append(rn.entry.Inputs, f)
		frames[in.Name] = frame.ScanInput(in, schema)
		level.Debug(rn.logger).Log("msg", "input scanned", "input", in.Name, "path", in.Path, "schema", schema)
	}
	return frames, nil
}

// step applies step i to cur. Errors that do not name a step are attributed
// to i.
func (rn *run) step(ctx context.Context, b *builder.Builder, i int, step config.Step, cur frame.LazyFrame) (frame.LazyFrame, error) {
	name := fmt.Sprintf("step_%d_%s", i, step.Kind())
	next := cur
	err := rn.timed(name, func() error {
		var err error
		switch s := step.(type) {
		case *config.Validate:
			next, err = rn.validate(ctx, i, s, cur)
		case *config.Features:
			next, err = rn.features(ctx, i, s, cur)
		default:
			next, err = b.Build(step, cur)
		}
		return err
	})
	if err != nil {
		return cur, atStep(err, i)
	}
	level.Debug(rn.logger).Log("msg", "step planned", "step", i, "kind", step.Kind(), "schema", next.Schema())
	return next, nil
}

func atStep(err error, i int) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Step < 0 {
		e.AtStep(i)
	}
	return err
}

// checks returns the inline checks of s, or those of its checks file.
func (rn *run) checks(s *config.Validate) (config.CheckSet, error) {
	if s.ChecksPath == "" {
		return s.Checks, nil
	}
	doc, err := rn.readFile(s.ChecksPath)
	if err != nil {
		return config.CheckSet{}, err
	}
	set, err := dsl.CompileChecks(doc, rn.opts.Limits)
	if err != nil {
		return config.CheckSet{}, fmt.Errorf("checks %s: %w", s.ChecksPath, err)
	}
	return set, nil
}

func (rn *run) validate(ctx context.Context, i int, s *config.Validate, in frame.LazyFrame) (frame.LazyFrame, error) {
	checks, err := rn.checks(s)
	if err != nil {
		return in, err
	}
	o, err := validate.Evaluate(in, checks, validate.Options{Budget: rn.spec.Runtime.RegexBudget(), Now: rn.started})
	if err != nil {
		return in, err
	}
	result, err := validate.Summarize(ctx, rn.eng, o)
	if err != nil {
		return in, err
	}
	rn.res.Reports = append(rn.res.Reports, validate.NewReport(i, s.Mode, result))
	for _, c := range result.Checks {
		metrics.RecordViolations(rn.opts.Name, c.Rule, c.Violations)
	}
	metrics.RecordRow(rn.opts.Name, metrics.RowsValidated, result.Total)
	metrics.RecordRow(rn.opts.Name, metrics.RowsFailed, result.Failed)

	logger := log.With(rn.logger, "step", i, "mode", s.Mode)
	level.Info(logger).Log("msg", "validation", "total", result.Total, "passed", result.Passed, "failed", result.Failed, "ok", result.OK())
	for _, d := range result.FailedDataset() {
		level.Warn(logger).Log("msg", "dataset check failed", "check", d.Check, "column", d.Column, "limit", d.Limit, "actual", d.Actual)
	}

	fwd, err := validate.Decide(s.Mode, result)
	if err != nil {
		return in, err
	}
	if fwd == validate.ForwardValid {
		if result.Failed > 0 {
			rn.quarantine = append(rn.quarantine, quarantined{step: i, frame: o.Quarantine})
			rn.res.Quarantined += result.Failed
		}
		return o.Valid, nil
	}
	if !result.OK() {
		level.Warn(logger).Log("msg", "validation failed, continuing with all rows")
	}
	return in, nil
}

func (rn *run) features(ctx context.Context, i int, s *config.Features, in frame.LazyFrame) (frame.LazyFrame, error) {
	path, mode := s.StatePath, s.Mode
	if rn.opts.StatePath != "" {
		path = rn.opts.StatePath
	}
	if rn.opts.ForceFit {
		mode = config.FeatureFit
	}
	if mode == config.FeatureAuto || mode == "" {
		mode = config.FeatureFit
		if path != "" {
			if _, err := os.Stat(path); err == nil {
				mode = config.FeatureTransform
			}
		}
	}

	fe := features.NewEngine(s.Spec)
	logger := log.With(rn.logger, "step", i, "mode", mode)
	switch mode {
	case config.FeatureFit:
		st, err := fe.Fit(ctx, rn.eng, in, features.FitOptions{MaxCategories: rn.spec.Runtime.MaxCategories})
		if err != nil {
			return in, err
		}
		if path != "" {
			rn.states = append(rn.states, pendingState{path: path, state: st})
		}
		level.Info(logger).Log("msg", "features fitted", "features", len(s.Spec.Features), "fingerprint", st.Fingerprint)
	case config.FeatureTransform:
		if path == "" {
			return in, errs.Configf("features step in transform mode needs a state_path")
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return in, errs.FeatureStatef("features are not fitted: no state at %s", path)
		}
		if err := fe.Load(path); err != nil {
			return in, err
		}
		level.Info(logger).Log("msg", "feature state loaded", "path", path)
	default:
		return in, errs.Configf("unknown features mode %q", mode)
	}
	return fe.Transform(in)
}

// ValidationSpec builds the pipeline of a standalone validation: input is
// checked against the checks document at checksPath and only quarantined
// rows, if any, are written.
func ValidationSpec(in config.InputSpec, checksPath string, mode config.ValidationMode, quarantine *config.OutputSpec) *config.PipelineSpec {
	if in.Name == "" {
		in.Name = config.StemOf(in.Path)
	}
	if in.Format == "" {
		in.Format = config.FormatFromPath(in.Path)
	}
	if quarantine != nil && quarantine.Format == "" {
		quarantine.Format = config.FormatFromPath(quarantine.Path)
	}
	return &config.PipelineSpec{
		Inputs:     []config.InputSpec{in},
		Steps:      []config.Step{&config.Validate{Mode: mode, ChecksPath: checksPath}},
		Quarantine: quarantine,
		Runtime:    config.DefaultRuntime(),
	}
}
