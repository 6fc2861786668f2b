package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StricklySoft/storefront-gateway/pkg/auth"
)

const metricsNamespace = "storefront_gateway"

// Metrics holds the gateway's Prometheus collectors on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	authDecisions *prometheus.CounterVec
	rateLimit     *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors, plus the Go and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Requests handled, by route class and status code.",
		}, []string{"route_class", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency including upstream time, by route class.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route_class"}),
		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_decisions_total",
			Help:      "Authentication decisions, by source, outcome and reason.",
		}, []string{"source", "outcome", "reason"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter outcomes (allowed, limited, error), by route class.",
		}, []string{"route_class", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.duration,
		m.authDecisions,
		m.rateLimit,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeRequest(class string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(class, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(class).Observe(elapsed.Seconds())
}

// observeDecision is an [auth.DecisionHook].
func (m *Metrics) observeDecision(_ *http.Request, d auth.Decision) {
	outcome := "allowed"
	if !d.OK {
		outcome = "denied"
	}
	m.authDecisions.WithLabelValues(d.Source.String(), outcome, d.Reason).Inc()
}

func (m *Metrics) observeRateLimit(class, outcome string) {
	m.rateLimit.WithLabelValues(class, outcome).Inc()
}
