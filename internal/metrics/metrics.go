// Package metrics exposes Prometheus collectors for the detection pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Metrics groups every collector Sentinel exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Analyzed      *prometheus.CounterVec
	Anomalies     *prometheus.CounterVec
	Actions       *prometheus.CounterVec
	Duration      prometheus.Histogram
	StoreErrors   *prometheus.CounterVec
	PublishErrors prometheus.Counter
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sentinel"
	}
	factory := promauto.With(reg)

	return &Metrics{
		Analyzed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_analyzed_total",
				Help:      "Total number of analyzed transactions by risk level",
			},
			[]string{"risk_level"},
		),
		Anomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_detected_total",
				Help:      "Total number of detector firings by anomaly type",
			},
			[]string{"anomaly_type"},
		),
		Actions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recommended_actions_total",
				Help:      "Total number of verdicts by recommended action",
			},
			[]string{"action"},
		),
		Duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Time spent analyzing one transaction",
				Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pattern_store_errors_total",
				Help:      "Total number of failed pattern store operations",
			},
			[]string{"operation"},
		),
		PublishErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_publish_errors_total",
				Help:      "Total number of verdict events that could not be published",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveVerdict records one completed analysis.
func (m *Metrics) ObserveVerdict(result *domain.AnomalyResult, elapsed time.Duration) {
	if m == nil || result == nil {
		return
	}
	m.Analyzed.WithLabelValues(string(result.RiskLevel)).Inc()
	m.Actions.WithLabelValues(string(result.RecommendedAction)).Inc()
	for _, tag := range result.AnomalyTypes {
		m.Anomalies.WithLabelValues(tag).Inc()
	}
	m.Duration.Observe(elapsed.Seconds())
}

// StoreError records a failed pattern store call.
func (m *Metrics) StoreError(operation string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(operation).Inc()
}

// PublishError records a failed event publication.
func (m *Metrics) PublishError() {
	if m == nil {
		return
	}
	m.PublishErrors.Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
