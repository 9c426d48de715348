package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndGauges(t *testing.T) {
	t.Parallel()

	m := New()
	m.ActiveSessions.WithLabelValues("anonymous").Inc()
	m.ActiveSessions.WithLabelValues("anonymous").Inc()
	m.ActiveSessions.WithLabelValues("anonymous").Dec()
	m.SessionsStarted.WithLabelValues("authenticated").Inc()
	m.SecurityDegraded.Set(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("anonymous")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted.WithLabelValues("authenticated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecurityDegraded))
}

func TestMetrics_HandlerServesScrape(t *testing.T) {
	t.Parallel()

	m := New()
	m.Resumes.WithLabelValues("ok").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "shellbroker_resumes_total")
}

func TestMetrics_IsolatedRegistries(t *testing.T) {
	t.Parallel()

	a := New()
	b := New()
	a.InputBytes.Add(10)

	assert.Equal(t, 10.0, testutil.ToFloat64(a.InputBytes))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.InputBytes))
}
