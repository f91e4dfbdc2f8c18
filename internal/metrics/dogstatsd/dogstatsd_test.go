package dogstatsd

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/metrics"
)

/*
TestNewBackend verifies the agent address is required.
*/
func TestNewBackend(t *testing.T) {
	_, err := NewBackend(Config{})
	require.Error(t, err)
}

/*
TestTags verifies labels become sorted key:value tags.
*/
func TestTags(t *testing.T) {
	require.Nil(t, tags(nil))
	require.Equal(t, []string{"kind:written", "pipeline:p"}, tags(metrics.Labels{"pipeline": "p", "kind": "written"}))
}

/*
TestFlushSendsDatagrams verifies counters and histograms reach a UDP agent
with their tags once the backend flushes.
*/
func TestFlushSendsDatagrams(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	b, err := NewBackend(Config{Addr: conn.LocalAddr().String(), Namespace: "test."})
	require.NoError(t, err)
	defer b.Close()

	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"pipeline": "p", "kind": "written"})
	b.ObserveHistogram(metrics.StepDuration, 0.25, metrics.Labels{"pipeline": "p"})
	require.NoError(t, b.Flush())

	var got strings.Builder
	buf := make([]byte, 64*1024)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !strings.Contains(got.String(), "mlprep_rows_total") || !strings.Contains(got.String(), "mlprep_step_duration_seconds") {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	require.Contains(t, got.String(), "test.mlprep_rows_total:3|c|#kind:written,pipeline:p")
	require.Contains(t, got.String(), "test.mlprep_step_duration_seconds:0.25|h|#pipeline:p")
}
