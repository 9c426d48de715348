// Package telemetry exposes the broker's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every broker metric, registered against one registry so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// ActiveSessions tracks live sessions per admission class.
	ActiveSessions *prometheus.GaugeVec
	// SessionsStarted counts sessions admitted, per class.
	SessionsStarted *prometheus.CounterVec
	// SessionsEnded counts sessions by final state.
	SessionsEnded *prometheus.CounterVec
	// Resumes counts resume attempts by result.
	Resumes *prometheus.CounterVec
	// Throttled counts rate limiter rejections by scope.
	Throttled *prometheus.CounterVec
	// OutputBytes counts container output bytes forwarded to clients.
	OutputBytes prometheus.Counter
	// InputBytes counts client bytes forwarded to container stdin.
	InputBytes prometheus.Counter
	// SessionDuration observes session lifetimes in seconds.
	SessionDuration prometheus.Histogram
	// SecurityDegraded is 1 when the broker runs with degraded sandbox
	// hardening.
	SecurityDegraded prometheus.Gauge
}

// New creates and registers the metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shellbroker_active_sessions",
			Help: "Currently live sessions by admission class.",
		}, []string{"class"}),
		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellbroker_sessions_started_total",
			Help: "Sessions admitted, by class.",
		}, []string{"class"}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellbroker_sessions_ended_total",
			Help: "Sessions ended, by final state.",
		}, []string{"state"}),
		Resumes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellbroker_resumes_total",
			Help: "Resume attempts, by result.",
		}, []string{"result"}),
		Throttled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellbroker_throttled_total",
			Help: "Rate limiter rejections, by scope.",
		}, []string{"scope"}),
		OutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellbroker_output_bytes_total",
			Help: "Container output bytes forwarded to clients.",
		}),
		InputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellbroker_input_bytes_total",
			Help: "Client bytes forwarded to container stdin.",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shellbroker_session_duration_seconds",
			Help:    "Session lifetime from registration to teardown.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		SecurityDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellbroker_security_degraded",
			Help: "1 when sandbox hardening is degraded, 0 otherwise.",
		}),
	}
}

// Handler returns the scrape endpoint handler for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
