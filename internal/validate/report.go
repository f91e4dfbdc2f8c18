package validate

import (
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/takurot/mlprep/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report is the machine-readable validation report. It is written in every
// mode.
type Report struct {
	Step int                   `json:"step"`
	Mode config.ValidationMode `json:"mode"`
	OK   bool                  `json:"ok"`
	Result
}

// NewReport wraps r for the validate step at index step.
func NewReport(step int, mode config.ValidationMode, r Result) Report {
	return Report{Step: step, Mode: mode, OK: r.OK(), Result: r}
}

// WriteReports writes reports as one indented JSON document: a single
// object for one report, an array otherwise.
func WriteReports(w io.Writer, reports ...Report) error {
	var v any = reports
	if len(reports) == 1 {
		v = reports[0]
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode validation report: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write validation report: %w", err)
	}
	return nil
}

// WriteReportFile writes reports to path.
func WriteReportFile(path string, reports ...Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create validation report: %w", err)
	}
	if err := WriteReports(f, reports...); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
