// Package metrics exposes the engine's Prometheus instruments on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskd"

// Metrics holds every instrument the engine and HTTP layer report.
type Metrics struct {
	registry *prometheus.Registry

	ScoresComputed       *prometheus.CounterVec
	ScoreDuration        *prometheus.HistogramVec
	ComplianceEvaluated  *prometheus.CounterVec
	RuleEvaluationErrors *prometheus.CounterVec
	AlertsDispatched     *prometheus.CounterVec
	AlertTransitions     *prometheus.CounterVec
	RuleReloads          *prometheus.CounterVec
	RuleSetVersion       prometheus.Gauge
	NormalizeFailures    prometheus.Counter

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the instruments and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ScoresComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "scores_total",
			Help:      "Scores computed by risk type and band.",
		}, []string{"risk_type", "band"}),
		ScoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "duration_seconds",
			Help:      "Time to score one vector.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16),
		}, []string{"risk_type"}),
		ComplianceEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "evaluations_total",
			Help:      "Compliance evaluations by region and status.",
		}, []string{"region", "status"}),
		RuleEvaluationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "evaluation_errors_total",
			Help:      "Rule predicates that failed to evaluate.",
		}, []string{"rule_id"}),
		AlertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "dispatched_total",
			Help:      "Alerts created or updated by source and severity.",
		}, []string{"source", "severity"}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Alert lifecycle transitions by action.",
		}, []string{"action"}),
		RuleReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "reloads_total",
			Help:      "Rule set reloads by result.",
		}, []string{"result"}),
		RuleSetVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "version",
			Help:      "Version of the active rule set.",
		}),
		NormalizeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "failures_total",
			Help:      "Inputs rejected by the normalizer.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ScoresComputed,
		m.ScoreDuration,
		m.ComplianceEvaluated,
		m.RuleEvaluationErrors,
		m.AlertsDispatched,
		m.AlertTransitions,
		m.RuleReloads,
		m.RuleSetVersion,
		m.NormalizeFailures,
		m.HTTPRequests,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry returns the registry backing the instruments.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
