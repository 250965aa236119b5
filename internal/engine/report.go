package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/scoring"
)

// Risk profile factor weights.
const (
	frequencyWeight   = 0.3
	severityWeight    = 0.4
	variabilityWeight = 0.3

	// HighVariabilityCV is the coefficient of variation above which a
	// customer's amounts are reported as highly variable.
	HighVariabilityCV = 1.0

	frequentAnomalyShare = 0.3
	wideSpreadLocations  = 3
	offHoursShare        = 0.5
)

const (
	ConcernInsufficientHistory = "Insufficient transaction history: no behavioral pattern exists for this customer"
	ConcernHighVariability     = "High amount variability"
	ConcernNone                = "No significant concerns"
)

// GenerateRiskReport summarizes the customer's pattern and recent verdicts.
// An unknown customer is not an error: the report carries a nil pattern.
func (s *Service) GenerateRiskReport(ctx context.Context, customerID string) (*domain.RiskReport, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customerId is required", domain.ErrInvalidTransaction)
	}

	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	p, err := s.loadPattern(ctx, customerID)
	if err != nil {
		return nil, err
	}

	report := &domain.RiskReport{
		CustomerID:  customerID,
		Pattern:     p,
		GeneratedAt: s.now(),
	}

	if p == nil {
		report.RiskProfile = domain.RiskProfile{
			OverallRisk:     domain.RiskLow,
			RiskScore:       0,
			TopConcerns:     []string{ConcernInsufficientHistory},
			Factors:         factors(0, 0, 0),
			Recommendations: []string{"Collect more transaction history before assessing risk"},
		}
		return report, nil
	}

	report.RiskProfile = s.profile(p, s.recent(ctx, p))
	return report, nil
}

func (s *Service) profile(p *domain.CustomerPattern, recent []*domain.AnomalyResult) domain.RiskProfile {
	cfg := s.GetConfig()

	anomalies := 0
	scoreSum := 0.0
	tagCounts := map[string]int{}
	for _, r := range recent {
		scoreSum += r.Score
		if r.IsAnomaly {
			anomalies++
		}
		for _, tag := range r.AnomalyTypes {
			tagCounts[tag]++
		}
	}

	frequency, severity := 0.0, 0.0
	if len(recent) > 0 {
		frequency = float64(anomalies) / float64(len(recent))
		severity = scoreSum / float64(len(recent)) / 100
	}
	cv := p.CoefficientOfVariation()
	variability := math.Min(cv, 2) / 2

	riskScore := round2(100 * (frequencyWeight*frequency + severityWeight*severity + variabilityWeight*variability))

	var concerns []string
	if p.TransactionCount < int64(cfg.MinTransactionsForPattern) {
		concerns = append(concerns, fmt.Sprintf("Limited transaction history (%d of %d transactions needed for a reliable baseline)",
			p.TransactionCount, cfg.MinTransactionsForPattern))
	}
	if cv > HighVariabilityCV {
		concerns = append(concerns, fmt.Sprintf("%s (coefficient of variation %.2f)", ConcernHighVariability, cv))
	}
	if len(recent) > 0 && frequency > frequentAnomalyShare {
		concerns = append(concerns, fmt.Sprintf("Frequent anomalies (%d of last %d transactions)", anomalies, len(recent)))
	}
	if tag, n := mostCommon(tagCounts); n > 0 {
		concerns = append(concerns, fmt.Sprintf("Recurring anomaly: %s (%d of last %d transactions)", tag, n, len(recent)))
	}
	if len(p.KnownLocations) > wideSpreadLocations {
		concerns = append(concerns, fmt.Sprintf("Wide geographic spread (%d known locations)", len(p.KnownLocations)))
	}
	if share := offHours(p, cfg); share > offHoursShare {
		concerns = append(concerns, fmt.Sprintf("Predominantly off-hours activity (%.0f%% of transactions)", share*100))
	}
	if len(concerns) == 0 {
		concerns = []string{ConcernNone}
	}

	var recommendations []string
	switch {
	case riskScore > 70:
		recommendations = []string{"Immediate review required", "Consider enhanced monitoring"}
	case riskScore > 40:
		recommendations = []string{"Schedule periodic review", "Monitor for pattern changes"}
	default:
		recommendations = []string{"Continue standard monitoring"}
	}

	return domain.RiskProfile{
		OverallRisk:     scoring.Level(riskScore),
		RiskScore:       riskScore,
		TopConcerns:     concerns,
		Factors:         factors(frequency, severity, variability),
		Recommendations: recommendations,
		RecentVerdicts:  len(recent),
		RecentAnomalies: anomalies,
	}
}

func factors(frequency, severity, variability float64) []domain.RiskFactor {
	return []domain.RiskFactor{
		{Name: "anomaly_frequency", Weight: frequencyWeight, Score: round2(frequency)},
		{Name: "severity", Weight: severityWeight, Score: round2(severity)},
		{Name: "amount_variability", Weight: variabilityWeight, Score: round2(variability)},
	}
}

// mostCommon returns the most frequent tag, ties broken by name.
func mostCommon(counts map[string]int) (string, int) {
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	best, bestN := "", 0
	for _, tag := range tags {
		if counts[tag] > bestN {
			best, bestN = tag, counts[tag]
		}
	}
	return best, bestN
}

func offHours(p *domain.CustomerPattern, cfg domain.DetectionConfig) float64 {
	var total, unusual int64
	for h, n := range p.TypicalHours {
		total += n
		if cfg.IsUnusualHour(h) {
			unusual += n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(unusual) / float64(total)
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
