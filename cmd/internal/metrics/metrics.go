// Package metrics exposes Prometheus counters for skykey operations.
//
// All methods are safe on a nil *Metrics, so components can run without metrics wired.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"skykey/cmd/internal/errkind"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation names used as the "operation" label.
const (
	OpIssueKey      = "issue_key"
	OpRegister      = "register"
	OpLogin         = "login"
	OpVerifySession = "verify_session"
)

// Metrics owns a private registry and the skykey collectors.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	keysIssued      *prometheus.CounterVec
	accountsSwept   prometheus.Counter
	sessionsPurged  prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// New registers the skykey collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skykey",
			Name:      "operations_total",
			Help:      "Facade operations by outcome. result is \"ok\" or the error code returned to the client.",
		}, []string{"operation", "result"}),
		keysIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skykey",
			Name:      "keys_issued_total",
			Help:      "Activation keys issued, by duration.",
		}, []string{"duration"}),
		accountsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: "skykey",
			Name:      "accounts_swept_total",
			Help:      "Expired accounts removed by the background janitor.",
		}),
		sessionsPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: "skykey",
			Name:      "sessions_purged_total",
			Help:      "Expired sessions removed by the background janitor.",
		}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skykey",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status_class"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Outcome records the result of one facade operation.
func (m *Metrics) Outcome(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, Result(err)).Inc()
}

// KeyIssued records one issued key.
func (m *Metrics) KeyIssued(duration string) {
	if m == nil {
		return
	}
	m.keysIssued.WithLabelValues(duration).Inc()
}

// Swept records one janitor pass.
func (m *Metrics) Swept(accounts, sessions int) {
	if m == nil {
		return
	}
	m.accountsSwept.Add(float64(accounts))
	m.sessionsPurged.Add(float64(sessions))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Observe(elapsed.Seconds())
}

// Result maps an operation error to the "result" label value.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errkind.Code(err); code != "" {
		return code
	}
	return "error"
}
