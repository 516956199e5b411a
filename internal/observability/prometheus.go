package observability

import (
	"net/http"
	"time"

	"checkoutd/internal/checkout"
	"checkoutd/internal/checkout/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics exports checkout results and supervised calls. It
// forwards every observation to an optional in-process Metrics as well.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	results  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	calls    *prometheus.CounterVec
	attempts *prometheus.HistogramVec
	stats    *Metrics
}

// NewPrometheusMetrics registers the checkout collectors on a fresh registry
// together with the Go and process collectors.
func NewPrometheusMetrics(stats *Metrics) *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	m := &PrometheusMetrics{
		registry: reg,
		stats:    stats,
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkoutd",
			Name:      "checkout_results_total",
			Help:      "Terminal checkout results by kind and reason.",
		}, []string{"kind", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkoutd",
			Name:      "checkout_duration_ms",
			Help:      "Checkout latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"kind"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkoutd",
			Name:      "supervised_calls_total",
			Help:      "Supervised collaborator calls by class, operation and outcome.",
		}, []string{"class", "operation", "outcome"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkoutd",
			Name:      "supervised_call_attempts",
			Help:      "Attempts spent per supervised collaborator call.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}, []string{"class"}),
	}
	reg.MustRegister(
		m.results, m.latency, m.calls, m.attempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCheckout implements checkout.CheckoutObserver.
func (m *PrometheusMetrics) ObserveCheckout(result domain.Result, elapsed time.Duration) {
	m.results.WithLabelValues(string(result.Kind), string(result.Reason)).Inc()
	m.latency.WithLabelValues(string(result.Kind)).Observe(float64(elapsed) / float64(time.Millisecond))
	m.stats.ObserveCheckout(result, elapsed)
}

// ObserveCall has the checkout.CallObserver signature.
func (m *PrometheusMetrics) ObserveCall(class checkout.OperationClass, op string, kind checkout.OutcomeKind, attempts int) {
	m.calls.WithLabelValues(string(class), op, string(kind)).Inc()
	m.attempts.WithLabelValues(string(class)).Observe(float64(attempts))
	m.stats.ObserveCall(class, op, kind, attempts)
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
