// Package detect holds the built-in detectors. Every detector is a pure
// function of transaction, pattern and config; a detector that cannot judge
// (missing field, no history) abstains instead of failing.
package detect

import (
	"github.com/opensource-finance/sentinel/internal/domain"
)

// Detection methods reported on verdicts.
const (
	MethodZScore      = "z_score"
	MethodIQR         = "iqr"
	MethodVelocity    = "velocity"
	MethodTimeOfDay   = "time_of_day"
	MethodGeolocation = "geolocation"
	MethodCategory    = "category_denylist"
	MethodRoundNumber = "round_number"
	MethodThreshold   = "threshold_breach"
	MethodDuplicate   = "duplicate"
	MethodBenford     = "benford"
)

// Detector examines one behavioral dimension.
type Detector func(tx *domain.Transaction, p *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome

// Detectors in declaration order. Reasons on a verdict follow this order.
var Detectors = []Detector{
	AmountOutlier,
	VelocitySpike,
	UnusualTime,
	LocationMismatch,
	HighRiskCategory,
	RoundAmount,
	LargeAmount,
	DuplicateAmount,
	BenfordDeviation,
}

// Features are derived per-transaction values, exposed to custom rules.
type Features struct {
	Amount        float64
	ZScore        float64
	HasBaseline   bool
	PatternCount  int64
	AverageAmount float64
	StdDevAmount  float64
	VelocityCount int
	Hour          int
	KnownLocation bool
}

// Run executes every detector against tx and returns all outcomes, fired or
// not, in declaration order.
func Run(tx *domain.Transaction, p *domain.CustomerPattern, cfg domain.DetectionConfig) []domain.DetectorOutcome {
	outcomes := make([]domain.DetectorOutcome, 0, len(Detectors))
	for _, d := range Detectors {
		outcomes = append(outcomes, d(tx, p, cfg))
	}
	return outcomes
}

// Extract computes the features of tx against p.
func Extract(tx *domain.Transaction, p *domain.CustomerPattern, cfg domain.DetectionConfig) Features {
	f := Features{
		Amount:        tx.AmountFloat(),
		HasBaseline:   HasBaseline(p, cfg),
		VelocityCount: VelocityCount(tx, p, cfg),
		Hour:          tx.Timestamp.Hour(),
	}
	if p != nil {
		f.PatternCount = p.TransactionCount
		f.AverageAmount = p.AverageAmount
		f.StdDevAmount = p.StdDevAmount
		f.ZScore = ZScore(f.Amount, p.AverageAmount, p.StdDevAmount)
		if !tx.Location.IsZero() {
			f.KnownLocation = p.KnowsLocation(*tx.Location)
		}
	}
	return f
}
