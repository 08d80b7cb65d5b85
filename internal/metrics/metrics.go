// Package metrics exposes Prometheus counters for header generation and
// violation reports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carpenike/cspd/internal/csp"
)

const namespace = "cspd"

// Collector owns the counters. Build one per registry.
type Collector struct {
	registry *prometheus.Registry

	headersEmitted *prometheus.CounterVec
	buildFailures  *prometheus.CounterVec
	reports        *prometheus.CounterVec
	reportsPruned  prometheus.Counter
}

// NewCollector registers the counters on registry, or on a new registry if
// nil. Go runtime and process collectors are registered too.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		headersEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "headers_emitted_total",
			Help:      "CSP headers written to responses.",
		}, []string{"policy_type"}),
		buildFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_build_failures_total",
			Help:      "CSP headers dropped because the policy could not be built.",
		}, []string{"policy_type"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_received_total",
			Help:      "Violation reports accepted, by policy type and effective directive.",
		}, []string{"policy_type", "directive"}),
		reportsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_pruned_total",
			Help:      "Violation reports deleted by retention pruning.",
		}),
	}

	registry.MustRegister(
		c.headersEmitted,
		c.buildFailures,
		c.reports,
		c.reportsPruned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// HeaderEmitted counts a header written for policyType.
func (c *Collector) HeaderEmitted(policyType string) {
	c.headersEmitted.WithLabelValues(policyType).Inc()
}

// HeaderBuildFailed counts a header dropped for policyType.
func (c *Collector) HeaderBuildFailed(policyType string) {
	c.buildFailures.WithLabelValues(policyType).Inc()
}

// ReportReceived counts a stored violation report. Directives outside the
// registry are counted as "other" to bound label cardinality.
func (c *Collector) ReportReceived(policyType, directive string) {
	if !csp.IsValidDirective(directive) {
		directive = "other"
	}
	c.reports.WithLabelValues(policyType, directive).Inc()
}

// ReportsPruned adds n deleted reports.
func (c *Collector) ReportsPruned(n int64) {
	if n > 0 {
		c.reportsPruned.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
