package detect

import (
	"fmt"
	"math"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/pattern"
)

// BenfordCriticalValue is the chi-square critical value for 8 degrees of
// freedom at p = 0.05.
const BenfordCriticalValue = 15.51

// benfordExpected[d] is the share of amounts expected to lead with digit d.
var benfordExpected = [10]float64{0, 0.301, 0.176, 0.125, 0.097, 0.079, 0.067, 0.058, 0.051, 0.046}

// BenfordChiSquare tests a first-digit histogram against Benford's law.
// Index 0 of digits is ignored.
func BenfordChiSquare(digits [10]int64) (chi float64, total int64) {
	for d := 1; d <= 9; d++ {
		total += digits[d]
	}
	if total == 0 {
		return 0, 0
	}
	for d := 1; d <= 9; d++ {
		expected := benfordExpected[d] * float64(total)
		diff := float64(digits[d]) - expected
		chi += diff * diff / expected
	}
	return chi, total
}

// BenfordDeviation fires when the customer's first digits, including this
// transaction, stray from Benford's law. It abstains until the pattern holds
// BenfordMinHistory transactions.
func BenfordDeviation(tx *domain.Transaction, p *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagBenfordDeviation, Method: MethodBenford}
	if p == nil || p.TransactionCount < int64(cfg.BenfordMinHistory) {
		return out
	}

	digits := p.FirstDigits
	if d := pattern.FirstDigit(tx.Amount); d > 0 {
		digits[d]++
	}
	chi, total := BenfordChiSquare(digits)
	if total < int64(cfg.BenfordMinHistory) || chi <= BenfordCriticalValue {
		return out
	}

	out.Fired = true
	out.Weight = math.Min(0.25*chi/BenfordCriticalValue, 0.5)
	out.Reason = fmt.Sprintf("first-digit distribution of %d amounts deviates from Benford's law (chi-square %.2f > %.2f)",
		total, chi, BenfordCriticalValue)
	return out
}
