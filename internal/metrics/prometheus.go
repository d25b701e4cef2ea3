package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter publishes gateway counters to a private Prometheus registry.
// A private registry keeps gateway series apart from host metrics when
// the gateway is embedded in a larger process.
type Exporter struct {
	reg *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	rateLimited    *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	circuitState   *prometheus.GaugeVec
	canaryWeight   *prometheus.GaugeVec
}

// NewExporter builds the exporter and registers all collectors. The
// registry also carries the standard Go and process collectors.
func NewExporter() *Exporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	e := &Exporter{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apron_requests_total",
				Help: "Total requests handled per route",
			},
			[]string{"route", "method", "status", "version"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apron_request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route"},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apron_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apron_upstream_errors_total",
				Help: "Upstream failures (5xx, transport errors, timeouts, open circuits)",
			},
			[]string{"route"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apron_circuit_state",
				Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		canaryWeight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apron_canary_weight",
				Help: "Current canary traffic percentage per route",
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(
		e.requestsTotal,
		e.duration,
		e.rateLimited,
		e.upstreamErrors,
		e.circuitState,
		e.canaryWeight,
	)

	return e
}

// ObserveRequest records one completed request. The version label is
// empty for routes without version or canary routing.
func (e *Exporter) ObserveRequest(route, method string, status int, version string, d time.Duration) {
	e.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status), version).Inc()
	e.duration.WithLabelValues(route).Observe(d.Seconds())
}

// RateLimited counts a request rejected by the rate limiter.
func (e *Exporter) RateLimited(route string) {
	e.rateLimited.WithLabelValues(route).Inc()
}

// UpstreamError counts an upstream failure on the route.
func (e *Exporter) UpstreamError(route string) {
	e.upstreamErrors.WithLabelValues(route).Inc()
}

// SetCircuitState publishes the breaker state for a service.
func (e *Exporter) SetCircuitState(service string, state float64) {
	e.circuitState.WithLabelValues(service).Set(state)
}

// SetCanaryWeight publishes the live canary percentage for a route.
func (e *Exporter) SetCanaryWeight(route string, weight int) {
	e.canaryWeight.WithLabelValues(route).Set(float64(weight))
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scrapes.
func (e *Exporter) Registry() *prometheus.Registry { return e.reg }
