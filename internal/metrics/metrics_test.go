package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/opensource-finance/sentinel/internal/domain"
)

func TestObserveVerdict(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.ObserveVerdict(&domain.AnomalyResult{
		RiskLevel:         domain.RiskHigh,
		RecommendedAction: domain.ActionReview,
		AnomalyTypes:      []string{domain.TagAmountOutlier, domain.TagUnusualTime},
	}, 2*time.Millisecond)
	m.ObserveVerdict(&domain.AnomalyResult{
		RiskLevel:         domain.RiskLow,
		RecommendedAction: domain.ActionApprove,
		AnomalyTypes:      []string{},
	}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Analyzed.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Analyzed.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies.WithLabelValues(domain.TagAmountOutlier)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("approve")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveVerdict(&domain.AnomalyResult{}, time.Millisecond)
		m.StoreError("get")
		m.PublishError()
		m.ObserveHTTP("GET", "/stats", 200, time.Millisecond)
	})
}

func TestObserveHTTP(t *testing.T) {
	m := New("", prometheus.NewRegistry())
	m.ObserveHTTP("POST", "/analyze", 200, time.Millisecond)
	m.ObserveHTTP("POST", "/analyze", 200, time.Millisecond)
	m.ObserveHTTP("GET", "", 404, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/analyze", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))
}
