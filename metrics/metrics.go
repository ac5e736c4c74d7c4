package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runbox"

// Collector holds the platform's Prometheus collectors.
type Collector struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	proxyRequests     *prometheus.CounterVec
	containersActive  prometheus.Gauge
	portsLeased       prometheus.Gauge
}

// NewCollector creates the collectors on a fresh registry, including the
// standard Go runtime and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of code executions by outcome.",
			},
			[]string{"status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of code executions.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		proxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Total requests forwarded to hosted web services.",
			},
			[]string{"service_type", "status"},
		),
		containersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "containers_active",
				Help:      "Number of pooled containers currently tracked.",
			},
		),
		portsLeased: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ports_leased",
				Help:      "Number of host ports currently leased to web services.",
			},
		),
	}
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordExecution records one finished execution.
func (c *Collector) RecordExecution(status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordProxyRequest records one proxied request.
func (c *Collector) RecordProxyRequest(serviceType string, statusCode int) {
	c.proxyRequests.WithLabelValues(serviceType, statusClass(statusCode)).Inc()
}

// SetContainersActive updates the active container gauge.
func (c *Collector) SetContainersActive(n int) {
	c.containersActive.Set(float64(n))
}

// SetPortsLeased updates the leased port gauge.
func (c *Collector) SetPortsLeased(n int) {
	c.portsLeased.Set(float64(n))
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
