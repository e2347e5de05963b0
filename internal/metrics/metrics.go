// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quotagate"

// Collectors groups every metric the service records.
type Collectors struct {
	gatherer prometheus.Gatherer

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	GatewayRequestsTotal  *prometheus.CounterVec
	CreditsChargedTotal   *prometheus.CounterVec
	ProviderAttemptsTotal *prometheus.CounterVec
	RateLimitDecisions    *prometheus.CounterVec
	AuditFailuresTotal    *prometheus.CounterVec
	JobRunsTotal          *prometheus.CounterVec
}

// NewCollectors registers the collectors on registry. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewCollectors(registry *prometheus.Registry) *Collectors {
	collectors := &Collectors{
		gatherer: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path", "status"},
		),
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Gateway completions by outcome and budget source",
			},
			[]string{"status", "source"},
		),
		CreditsChargedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_charged_total",
				Help:      "Credits charged by budget source and cost source",
			},
			[]string{"source", "cost_source"},
		),
		ProviderAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider call attempts by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Admission decisions by result",
			},
			[]string{"result"},
		),
		AuditFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_failures_total",
				Help:      "Ledger operation log sink failures",
			},
			[]string{"operation"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Background job runs by result",
			},
			[]string{"job", "result"},
		),
	}
	registry.MustRegister(
		collectors.HTTPRequestsTotal,
		collectors.HTTPRequestDuration,
		collectors.GatewayRequestsTotal,
		collectors.CreditsChargedTotal,
		collectors.ProviderAttemptsTotal,
		collectors.RateLimitDecisions,
		collectors.AuditFailuresTotal,
		collectors.JobRunsTotal,
	)
	return collectors
}

// Handler serves the registry in the Prometheus text format.
func (collectors *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(collectors.gatherer, promhttp.HandlerOpts{})
}

// Middleware records HTTP request duration and count per route template.
func (collectors *Collectors) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		collectors.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		collectors.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	}
}

// ObserveAuditFailure counts a failed operation log write.
func (collectors *Collectors) ObserveAuditFailure(operation string) {
	collectors.AuditFailuresTotal.WithLabelValues(operation).Inc()
}

// ObserveJob counts a background job run.
func (collectors *Collectors) ObserveJob(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	collectors.JobRunsTotal.WithLabelValues(job, result).Inc()
}
