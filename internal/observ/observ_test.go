package observ

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	Log("signal_prepared", map[string]any{"signal_id": "s1"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "signal_prepared", line["event"])
	assert.Equal(t, "s1", line["signal_id"])
	assert.NotEmpty(t, line["ts"])
}

func TestCountersAndGauges(t *testing.T) {
	ResetMetrics()
	IncCounter("gateway_vetoes_total", map[string]string{"gate": "cost"})
	IncCounter("gateway_vetoes_total", map[string]string{"gate": "cost"})
	IncCounter("gateway_vetoes_total", map[string]string{"gate": "risk"})
	SetGauge("breaker_active", 1, nil)

	assert.Equal(t, 2.0, CounterValue("gateway_vetoes_total", map[string]string{"gate": "cost"}))
	assert.Equal(t, 3.0, CounterTotal("gateway_vetoes_total"))
	v, ok := GaugeValue("breaker_active", nil)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestCollectorExportsRegistry(t *testing.T) {
	ResetMetrics()
	IncCounter("eventlog_appends_total", map[string]string{"type": "signal.prepared"})
	Observe("gateway_confirm_ms", 3, nil)

	c := NewCollector()
	assert.Equal(t, 2, testutil.CollectAndCount(c))

	expected := `
# HELP brain_eventlog_appends_total eventlog_appends_total
# TYPE brain_eventlog_appends_total counter
brain_eventlog_appends_total{type="signal.prepared"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "brain_eventlog_appends_total"))
}

type fakeSource struct{ components map[string]ComponentStatus }

func (f fakeSource) Components() map[string]ComponentStatus { return f.components }
func (f fakeSource) Equity() float64                        { return 1234.5 }
func (f fakeSource) BreakerStatus() any                     { return map[string]any{"active": false} }

func TestHealthHandlerStatusCodes(t *testing.T) {
	cases := []struct {
		name       string
		components map[string]ComponentStatus
		wantCode   int
		wantStatus string
	}{
		{"healthy", map[string]ComponentStatus{"eventlog": {Status: StatusHealthy}}, http.StatusOK, StatusHealthy},
		{"degraded", map[string]ComponentStatus{"truth": {Status: StatusDegraded}}, http.StatusPartialContent, StatusDegraded},
		{"failed", map[string]ComponentStatus{"truth": {Status: StatusDegraded}, "bus": {Status: StatusFailed}}, http.StatusServiceUnavailable, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HealthHandler(fakeSource{tc.components}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tc.wantCode, rec.Code)

			var st Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
			assert.Equal(t, tc.wantStatus, st.Status)
			assert.Equal(t, 1234.5, st.Equity)
			assert.NotNil(t, st.CircuitBreaker)
		})
	}
}
