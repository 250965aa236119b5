package detect

import (
	"fmt"
	"math"

	"github.com/opensource-finance/sentinel/internal/domain"
)

const (
	// minSigma is the absolute floor on the deviation used in ratios.
	minSigma = 1e-9

	// relSigma floors the deviation at a fraction of the mean so that a
	// perfectly flat history does not turn cent-level noise into outliers.
	relSigma = 0.01

	maxAbsZ = 1e6

	// Normal-distribution quartile offset: Q1/Q3 = mean ∓ 0.6745σ.
	quartileOffset = 0.6745
)

// EffectiveSigma is the deviation used for z-scores and fences.
func EffectiveSigma(mean, stdDev float64) float64 {
	return math.Max(stdDev, math.Max(relSigma*math.Abs(mean), minSigma))
}

// ZScore is (x - mean) / EffectiveSigma, clamped to a finite range.
func ZScore(x, mean, stdDev float64) float64 {
	z := (x - mean) / EffectiveSigma(mean, stdDev)
	switch {
	case math.IsNaN(z):
		return 0
	case z > maxAbsZ:
		return maxAbsZ
	case z < -maxAbsZ:
		return -maxAbsZ
	}
	return z
}

// IQRFence returns [Q1 - k·IQR, Q3 + k·IQR] with quartiles approximated
// from the mean and deviation under a normal baseline.
func IQRFence(mean, stdDev, k float64) (lo, hi float64) {
	sigma := EffectiveSigma(mean, stdDev)
	q1 := mean - quartileOffset*sigma
	q3 := mean + quartileOffset*sigma
	iqr := q3 - q1
	return q1 - k*iqr, q3 + k*iqr
}

// AmountOutlier flags amounts far from the customer's baseline. It abstains
// until the pattern holds MinTransactionsForPattern transactions.
func AmountOutlier(tx *domain.Transaction, p *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagAmountOutlier, Method: MethodZScore}
	if !HasBaseline(p, cfg) {
		return out
	}

	x := tx.AmountFloat()
	z := ZScore(x, p.AverageAmount, p.StdDevAmount)
	absZ := math.Abs(z)

	if absZ >= cfg.ZScoreThreshold {
		out.Fired = true
		out.Weight = clamp(0.5+0.1*(absZ-cfg.ZScoreThreshold), 0.5, 0.9)
		out.Reason = fmt.Sprintf("amount %s is %.1f standard deviations from the customer average of %.2f",
			tx.Amount.String(), z, p.AverageAmount)
		return out
	}

	lo, hi := IQRFence(p.AverageAmount, p.StdDevAmount, cfg.IQRMultiplier)
	if x < lo || x > hi {
		out.Fired = true
		out.Method = MethodIQR
		out.Weight = 0.35
		out.Reason = fmt.Sprintf("amount %s is outside the expected range %.2f to %.2f",
			tx.Amount.String(), lo, hi)
	}
	return out
}

// HasBaseline reports whether p has enough history for statistical checks.
func HasBaseline(p *domain.CustomerPattern, cfg domain.DetectionConfig) bool {
	return p != nil && p.TransactionCount >= int64(cfg.MinTransactionsForPattern)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
