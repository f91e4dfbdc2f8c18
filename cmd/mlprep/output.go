package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/runner"
	"github.com/takurot/mlprep/internal/validate"
)

// printError renders err after a highlighted label. A strict validation
// failure also lists the checks that failed.
func printError(w io.Writer, err error) {
	color.New(color.FgRed, color.Bold).Fprint(w, "error")
	fmt.Fprintf(w, ": %v\n", err)
	var e *errs.Error
	if !errors.As(err, &e) {
		return
	}
	if r, ok := e.Detail.(validate.Result); ok {
		printChecks(w, r)
	}
}

func printChecks(w io.Writer, r validate.Result) {
	for _, c := range r.Checks {
		if c.Violations > 0 {
			fmt.Fprintf(w, "  %-32s %s violations\n", c.Rule, humanize.Comma(c.Violations))
		}
	}
	for _, d := range r.FailedDataset() {
		name := d.Check
		if d.Column != "" {
			name += "(" + d.Column + ")"
		}
		fmt.Fprintf(w, "  %-32s limit %g, actual %g\n", name, d.Limit, d.Actual)
	}
}

// printSummary reports what a run wrote.
func printSummary(w io.Writer, res *runner.Result) {
	if res == nil || res.Entry == nil || res.Entry.Status == "" {
		return
	}
	bold := color.New(color.Bold)
	bold.Fprintf(w, "run %s: %s\n", res.RunID, res.Entry.Status)
	for _, rep := range res.Reports {
		status := color.GreenString("ok")
		if !rep.OK {
			status = color.YellowString("failed")
		}
		fmt.Fprintf(w, "  validate step %d (%s): %s, %s of %s rows passed\n",
			rep.Step, rep.Mode, status, humanize.Comma(rep.Passed), humanize.Comma(rep.Total))
		if !rep.OK {
			printChecks(w, rep.Result)
		}
	}
	for _, out := range res.Entry.Outputs {
		fmt.Fprintf(w, "  wrote %s", out.Path)
		if out.Size > 0 {
			fmt.Fprintf(w, " (%s)", humanize.Bytes(uint64(out.Size)))
		}
		if out.Rows > 0 {
			fmt.Fprintf(w, ", %s rows", humanize.Comma(out.Rows))
		}
		fmt.Fprintln(w)
	}
	for _, s := range res.States {
		fmt.Fprintf(w, "  saved feature state %s\n", s)
	}
}

// printIssues lists lint findings, errors in red and warnings in yellow.
func printIssues(w io.Writer, issues []config.Issue) {
	if len(issues) == 0 {
		fmt.Fprintln(w, color.GreenString("no issues"))
		return
	}
	for _, iss := range issues {
		sev := color.YellowString(string(iss.Severity))
		if iss.Severity == config.SeverityError {
			sev = color.RedString(string(iss.Severity))
		}
		fmt.Fprintf(w, "%s %s: %s\n", sev, iss.Path, iss.Message)
	}
}
