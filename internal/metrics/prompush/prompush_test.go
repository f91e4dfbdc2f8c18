package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

/*
TestNewBackend verifies the gateway URL is required and the job name
defaults.
*/
func TestNewBackend(t *testing.T) {
	_, err := NewBackend("job", "")
	require.Error(t, err)

	b, err := NewBackend("", "http://localhost:9091")
	require.NoError(t, err)
	require.Equal(t, "mlprep", b.jobName)
}

/*
TestCounters verifies counters land on the labelled series and unknown names
are ignored.
*/
func TestCounters(t *testing.T) {
	b, err := NewBackend("job", "http://localhost:9091")
	require.NoError(t, err)
	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"pipeline": "p", "kind": "read"})
	b.IncCounter(metrics.RowsTotal, 2, metrics.Labels{"pipeline": "p", "kind": "read"})
	b.IncCounter(metrics.ViolationsTotal, 1, metrics.Labels{"pipeline": "p", "rule": "age:range"})
	b.IncCounter("unknown", 1, nil)
	b.ObserveHistogram(metrics.StepDuration, 0.25, metrics.Labels{"pipeline": "p", "step": "filter", "status": "success"})

	require.Equal(t, 5.0, counterValue(t, b.rowCounter.WithLabelValues("p", "read")))
	require.Equal(t, 1.0, counterValue(t, b.violations.WithLabelValues("p", "age:range")))

	m := &dto.Metric{}
	require.NoError(t, b.stepDuration.WithLabelValues("p", "filter", "success").(prometheus.Metric).Write(m))
	require.Equal(t, uint64(1), m.GetSummary().GetSampleCount())
}

/*
TestFlush verifies the registry is pushed to the job's group.
*/
func TestFlush(t *testing.T) {
	type request struct {
		path string
		size int
	}
	reqs := make(chan request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		b, _ := io.ReadAll(r.Body)
		reqs <- request{path: r.URL.Path, size: len(b)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("mlprep-test", server.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"pipeline": "p", "step": "sort", "status": "success"})
	require.NoError(t, b.Flush())
	req := <-reqs
	require.Equal(t, "/metrics/job/mlprep-test", req.path)
	require.Positive(t, req.size)

	server.Close()
	err = b.Flush()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "prompush"))
}
