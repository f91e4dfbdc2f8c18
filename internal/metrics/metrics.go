// Package metrics records operational metrics of pipeline runs behind a
// small backend-agnostic interface.
//
// The default backend is a no-op, so instrumentation is always safe to call.
// Concrete backends live in subpackages (see prompush) and are installed with
// SetBackend by the command that owns the process.
package metrics

import (
	"sync"
	"time"
)

// Metric names.
const (
	StepTotal       = "mlprep_step_total"
	StepDuration    = "mlprep_step_duration_seconds"
	RowsTotal       = "mlprep_rows_total"
	ViolationsTotal = "mlprep_violations_total"
)

// Row kinds counted by RecordRow.
const (
	RowsValidated   = "validated"
	RowsWritten     = "written"
	RowsQuarantined = "quarantined"
	RowsFailed      = "failed"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface of a metrics backend.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a duration-style value.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes collected metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error { return current().Flush() }

// RecordStep counts one execution of step and observes its duration.
func RecordStep(pipeline, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"pipeline": pipeline, "step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRow adds delta rows of kind, e.g. RowsValidated or RowsQuarantined.
func RecordRow(pipeline, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{"pipeline": pipeline, "kind": kind})
}

// RecordViolations adds n violations of rule.
func RecordViolations(pipeline, rule string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(ViolationsTotal, float64(n), Labels{"pipeline": pipeline, "rule": rule})
}
