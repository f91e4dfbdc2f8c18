package runner

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/takurot/mlprep/internal/builder"
	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/features"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/source"
	"github.com/takurot/mlprep/internal/storage"
	"github.com/takurot/mlprep/internal/validate"
)

// Explain renders the optimized plan of spec without evaluating it. Input
// headers are read to resolve schemas. Validate steps contribute their
// valid-row filter in quarantine mode. A features step whose state file
// does not exist yet cannot be planned, since its columns depend on the fit;
// planning stops there.
func (r *Runner) Explain(ctx context.Context, spec *config.PipelineSpec) (string, error) {
	if err := r.opts.Policy.CheckSpec(spec); err != nil {
		return "", err
	}
	var b strings.Builder
	frames := make(map[string]frame.LazyFrame, len(spec.Inputs))
	for _, in := range spec.Inputs {
		schema, err := source.Probe(ctx, in)
		if err != nil {
			return "", fmt.Errorf("input %s: %w", in.Name, err)
		}
		frames[in.Name] = frame.ScanInput(in, schema)
		fmt.Fprintf(&b, "input %s (%s): %s\n", in.Name, in.Path, schema)
	}
	if len(spec.Inputs) == 0 {
		return b.String(), nil
	}

	cur := frames[spec.Inputs[0].Name]
	bld := builder.New(spec.Runtime, frames)
	var notes []string
plan:
	for i, step := range spec.Steps {
		var err error
		switch s := step.(type) {
		case *config.Validate:
			cur, err = r.explainValidate(s, spec.Runtime, cur)
		case *config.Features:
			path := s.StatePath
			if r.opts.StatePath != "" {
				path = r.opts.StatePath
			}
			if _, serr := os.Stat(path); path == "" || serr != nil || r.opts.ForceFit || s.Mode == config.FeatureFit {
				notes = append(notes, fmt.Sprintf("step %d (features) is fitted at run time; later steps are not planned", i))
				break plan
			}
			fe := features.NewEngine(s.Spec)
			if err = fe.Load(path); err == nil {
				cur, err = fe.Transform(cur)
			}
		default:
			cur, err = bld.Build(step, cur)
		}
		if err != nil {
			return "", atStep(err, i)
		}
	}

	fmt.Fprintf(&b, "plan:\n%s", cur.Optimize())
	fmt.Fprintf(&b, "schema: %s\n", cur.Schema())
	for _, out := range spec.Outputs {
		fmt.Fprintf(&b, "output: %s\n", storage.Describe(out))
	}
	if spec.Quarantine != nil {
		fmt.Fprintf(&b, "quarantine: %s\n", storage.Describe(*spec.Quarantine))
	}
	for _, n := range notes {
		fmt.Fprintf(&b, "note: %s\n", n)
	}
	return b.String(), nil
}

func (r *Runner) explainValidate(s *config.Validate, rt config.RuntimeConfig, in frame.LazyFrame) (frame.LazyFrame, error) {
	rn := &run{Runner: r}
	checks, err := rn.checks(s)
	if err != nil {
		return in, err
	}
	o, err := validate.Evaluate(in, checks, validate.Options{Budget: rt.RegexBudget()})
	if err != nil {
		return in, err
	}
	if s.Mode == config.ModeQuarantine {
		return o.Valid, nil
	}
	return in, nil
}
