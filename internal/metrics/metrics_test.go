package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.TaskHandled("interpret", OutcomeOK, 10*time.Millisecond)
	m.TaskHandled("interpret", OutcomeError, time.Second)
	m.TaskHandled("", OutcomeRejected, 0)
	m.OracleCall("allocate", OutcomeOK)
	m.Allocation("drone_bot")
	m.Allocation("drone_bot")
	m.DeadLettered()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("interpret", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("unknown", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.oracleCalls.WithLabelValues("allocate", OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.allocations.WithLabelValues("drone_bot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskHandled("interpret", OutcomeOK, time.Second)
	m.OracleCall("interpret", OutcomeOK)
	m.Allocation("ground_bot")
	m.DeadLettered()
}

func TestHandler(t *testing.T) {
	m := New()
	m.Allocation("ground_bot")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `swarmops_allocations_total{agent_type="ground_bot"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
}
