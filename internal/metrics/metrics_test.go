package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type counterCall struct {
	name   string
	delta  float64
	labels Labels
}

type fakeBackend struct {
	mu       sync.Mutex
	counters []counterCall
	hists    []counterCall
	flushes  int
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, counterCall{name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hists = append(f.hists, counterCall{name, value, labels})
}

func (f *fakeBackend) Flush() error {
	f.flushes++
	return nil
}

func install(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{}
	SetBackend(f)
	t.Cleanup(func() { SetBackend(nil) })
	return f
}

/*
TestRecordStep verifies the status label follows the error and the duration
is observed in seconds.
*/
func TestRecordStep(t *testing.T) {
	f := install(t)
	RecordStep("p", "filter", nil, 1500*time.Millisecond)
	RecordStep("p", "validate", errors.New("x"), time.Second)

	require.Len(t, f.counters, 2)
	require.Equal(t, counterCall{StepTotal, 1, Labels{"pipeline": "p", "step": "filter", "status": "success"}}, f.counters[0])
	require.Equal(t, "failure", f.counters[1].labels["status"])
	require.Equal(t, StepDuration, f.hists[0].name)
	require.InDelta(t, 1.5, f.hists[0].delta, 1e-9)
}

/*
TestRecordRowAndViolations verifies non-positive deltas are dropped.
*/
func TestRecordRowAndViolations(t *testing.T) {
	f := install(t)
	RecordRow("p", RowsValidated, 10)
	RecordRow("p", RowsQuarantined, 0)
	RecordViolations("p", "age:range", 2)
	RecordViolations("p", "email:not_null", -1)

	require.Equal(t, []counterCall{
		{RowsTotal, 10, Labels{"pipeline": "p", "kind": RowsValidated}},
		{ViolationsTotal, 2, Labels{"pipeline": "p", "rule": "age:range"}},
	}, f.counters)

	require.NoError(t, Flush())
	require.Equal(t, 1, f.flushes)
}

/*
TestNopBackend verifies recording without a backend is harmless.
*/
func TestNopBackend(t *testing.T) {
	SetBackend(nil)
	RecordStep("p", "s", nil, time.Millisecond)
	RecordRow("p", RowsValidated, 1)
	require.NoError(t, Flush())
}
