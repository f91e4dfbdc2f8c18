package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a lint finding.
type IssueSeverity string

const (
	// SeverityError indicates a finding that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding worth surfacing that does not
	// block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single lint finding.
//
// Path is a dotted path into the document (e.g. "outputs[0].format",
// "steps[2].validate.mode"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Lint performs static checks over a compiled spec that the compiler does
// not treat as fatal. It does not mutate the spec.
func Lint(p *PipelineSpec) []Issue {
	var issues []Issue

	if len(p.Outputs) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "outputs",
			Message:  "no outputs configured; the pipeline result is discarded",
		})
	}
	for i, o := range p.Outputs {
		issues = append(issues, lintOutput(fmt.Sprintf("outputs[%d]", i), o)...)
	}
	if p.Quarantine != nil {
		issues = append(issues, lintOutput("quarantine", *p.Quarantine)...)
	}

	quarantineSteps := 0
	for i, s := range p.Steps {
		path := fmt.Sprintf("steps[%d].%s", i, s.Kind())
		switch s := s.(type) {
		case *Validate:
			if s.Mode == ModeQuarantine {
				quarantineSteps++
				if p.Quarantine == nil {
					issues = append(issues, Issue{
						Severity: SeverityError,
						Path:     path + ".mode",
						Message:  "quarantine mode without a quarantine output",
					})
				}
			}
			if s.Checks.Empty() && s.ChecksPath == "" {
				issues = append(issues, Issue{
					Severity: SeverityWarning,
					Path:     path + ".checks",
					Message:  "validate step has no checks",
				})
			}
		case *Features:
			if strings.TrimSpace(s.StatePath) == "" {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     path + ".state_path",
					Message:  "features step requires a state_path to persist or load fitted state",
				})
			}
			issues = append(issues, lintFeatures(path, s.Spec)...)
		case *Sort:
			if len(s.Descending) > 1 && len(s.Descending) != len(s.By) {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     path + ".descending",
					Message:  fmt.Sprintf("descending has %d entries for %d sort keys", len(s.Descending), len(s.By)),
				})
			}
		case *Join:
			if s.How != JoinCross && len(s.LeftOn) != len(s.RightOn) {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     path + ".on",
					Message:  fmt.Sprintf("left_on has %d columns but right_on has %d", len(s.LeftOn), len(s.RightOn)),
				})
			}
		}
	}
	if p.Quarantine != nil && quarantineSteps == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "quarantine",
			Message:  "quarantine output configured but no validate step runs in quarantine mode",
		})
	}

	issues = append(issues, lintRuntime(p.Runtime)...)
	return issues
}

func lintOutput(path string, o OutputSpec) []Issue {
	var issues []Issue
	if strings.TrimSpace(o.Path) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".path",
			Message:  "output requires a non-empty path",
		})
	}
	known := map[string]struct{}{
		FormatCSV: {}, FormatJSONL: {}, FormatSQLite: {}, FormatPostgres: {}, FormatMySQL: {}, FormatMSSQL: {},
	}
	if _, ok := known[o.Format]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".format",
			Message:  fmt.Sprintf("unknown output format %q", o.Format),
		})
	}
	if IsDatabase(o.Format) && strings.TrimSpace(o.Table) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".table",
			Message:  fmt.Sprintf("%s output requires a table", o.Format),
		})
	}
	if o.Compression != "" && o.Compression != "gzip" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     path + ".compression",
			Message:  fmt.Sprintf("compression %q is not supported and will be ignored", o.Compression),
		})
	}
	if len(o.PartitionBy) > 0 && IsDatabase(o.Format) {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     path + ".partition_by",
			Message:  "partition_by is ignored for database outputs",
		})
	}
	return issues
}

func lintFeatures(path string, spec FeatureSpec) []Issue {
	var issues []Issue
	seen := map[string]int{}
	outputs := map[string]int{}
	for i, d := range spec.Features {
		fp := fmt.Sprintf("%s.features[%d]", path, i)
		if j, dup := seen[d.Key()]; dup {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fp,
				Message:  fmt.Sprintf("duplicate feature %s (also features[%d])", d.Key(), j),
			})
		}
		seen[d.Key()] = i
		if d.Kind != FeatureOneHot {
			if j, dup := outputs[d.OutputName()]; dup {
				issues = append(issues, Issue{
					Severity: SeverityWarning,
					Path:     fp + ".alias",
					Message:  fmt.Sprintf("output column %q is also written by features[%d]", d.OutputName(), j),
				})
			}
			outputs[d.OutputName()] = i
		}
		if d.Kind == FeatureHashing && d.Params.Buckets <= 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fp + ".params.buckets",
				Message:  "hashing requires buckets > 0",
			})
		}
		if d.Kind.IsCategorical() && d.Params.MaxCategories > 0 && !d.Params.ReserveOther {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     fp + ".params.reserve_other",
				Message:  "max_categories without reserve_other: categories never seen during fit are rejected at transform time",
			})
		}
	}
	return issues
}

func lintRuntime(r RuntimeConfig) []Issue {
	var issues []Issue
	if r.Threads < 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: "runtime.threads", Message: "threads must be >= 0"})
	}
	if r.BatchSize < 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: "runtime.batch_size", Message: "batch_size must be >= 0"})
	}
	if r.MemoryLimit > 0 && r.MemoryLimit < 1<<20 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.memory_limit",
			Message:  "memory_limit below 1 MiB; most sorts and aggregations will fail",
		})
	}
	return issues
}
