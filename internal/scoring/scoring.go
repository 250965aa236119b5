// Package scoring fuses detector outcomes into a single verdict.
package scoring

import (
	"math"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Risk level thresholds on the 0-100 score.
const (
	MediumThreshold   = 30.0
	HighThreshold     = 60.0
	CriticalThreshold = 80.0

	// BlockConfidence is the minimum confidence for a critical verdict to block.
	BlockConfidence = 0.7
)

// Input contains all data needed for a verdict.
type Input struct {
	TxID       string
	CustomerID string

	// Outcomes in declaration order; abstaining outcomes are ignored.
	Outcomes []domain.DetectorOutcome

	// PatternCount is the number of transactions backing the baseline
	// before this one was folded in.
	PatternCount int64

	MinTransactionsForPattern int
	Now                       time.Time
}

// Fuse reduces detector outcomes to an AnomalyResult.
func Fuse(in *Input) *domain.AnomalyResult {
	result := &domain.AnomalyResult{
		TransactionID:    in.TxID,
		CustomerID:       in.CustomerID,
		AnomalyTypes:     []string{},
		Reasons:          []string{},
		DetectionMethods: []string{},
		DetectedAt:       in.Now,
	}

	fired := 0
	for _, o := range in.Outcomes {
		if !o.Fired || !(o.Weight > 0) {
			continue
		}
		fired++
		result.AnomalyTypes = append(result.AnomalyTypes, o.Tag)
		result.Reasons = append(result.Reasons, o.Reason)
		result.DetectionMethods = append(result.DetectionMethods, o.Method)
	}

	result.Score = Score(in.Outcomes)
	result.IsAnomaly = fired > 0
	result.RiskLevel = Level(result.Score)
	result.Confidence = Confidence(fired, in.PatternCount, in.MinTransactionsForPattern)
	result.RecommendedAction = Recommend(result.RiskLevel, result.Confidence)

	return result
}

// Score combines fired weights as a noisy-OR: 100 * (1 - Π(1 - w)).
// Every extra firing strictly raises the score.
func Score(outcomes []domain.DetectorOutcome) float64 {
	miss := 1.0
	for _, o := range outcomes {
		if !o.Fired || !(o.Weight > 0) {
			continue
		}
		miss *= 1 - math.Min(o.Weight, domain.MaxRuleWeight)
	}
	return round2(100 * (1 - miss))
}

// Level maps a score to a risk level. Every finite score maps to exactly one level.
func Level(score float64) domain.RiskLevel {
	switch {
	case score >= CriticalThreshold:
		return domain.RiskCritical
	case score >= HighThreshold:
		return domain.RiskHigh
	case score >= MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Confidence grows with detector agreement and with baseline history.
func Confidence(fired int, patternCount int64, minTransactions int) float64 {
	agreement := 0.0
	if fired > 0 {
		agreement = 1 - 1/float64(1+fired)
	}

	history := 0.0
	if patternCount > 0 {
		if minTransactions < 1 {
			minTransactions = 1
		}
		history = float64(patternCount) / float64(patternCount+int64(minTransactions))
	}

	return round2(0.2 + 0.4*agreement + 0.4*history)
}

// Recommend maps level and confidence to an action. A critical verdict
// without enough confidence is downgraded to review, never to approve.
func Recommend(level domain.RiskLevel, confidence float64) domain.Action {
	switch level {
	case domain.RiskLow:
		return domain.ActionApprove
	case domain.RiskCritical:
		if confidence >= BlockConfidence {
			return domain.ActionBlock
		}
		return domain.ActionReview
	default:
		return domain.ActionReview
	}
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
