package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// VelocityCount counts the pattern's timestamps within the velocity window
// of tx, plus tx itself.
func VelocityCount(tx *domain.Transaction, p *domain.CustomerPattern, cfg domain.DetectionConfig) int {
	count := 1
	if p == nil {
		return count
	}
	window := cfg.VelocityWindowDuration()
	for _, ts := range p.RecentTimestamps {
		if absDuration(tx.Timestamp.Sub(ts)) <= window {
			count++
		}
	}
	return count
}

// VelocitySpike fires when too many transactions land inside the window.
func VelocitySpike(tx *domain.Transaction, p *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagVelocitySpike, Method: MethodVelocity}
	count := VelocityCount(tx, p, cfg)
	if count < cfg.VelocityThreshold {
		return out
	}
	out.Fired = true
	out.Weight = clamp(0.45+0.05*float64(count-cfg.VelocityThreshold), 0.45, 0.8)
	out.Reason = fmt.Sprintf("%d transactions within %ds (threshold %d)", count, cfg.VelocityWindow, cfg.VelocityThreshold)
	return out
}

// UnusualTime fires on the transaction's own local hour, regardless of
// history. With FlagWeekends set, a weekend date fires at a lower weight.
func UnusualTime(tx *domain.Transaction, _ *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagUnusualTime, Method: MethodTimeOfDay}
	if cfg.IsUnusualHour(tx.Timestamp.Hour()) {
		out.Fired = true
		out.Weight = 0.25
		out.Reason = fmt.Sprintf("transaction at %s local time is in the unusual window %02d:00-%02d:00",
			tx.Timestamp.Format("15:04"), cfg.UnusualHourStart, cfg.UnusualHourEnd)
		return out
	}
	if cfg.FlagWeekends && isWeekend(tx.Timestamp) {
		out.Fired = true
		out.Weight = 0.15
		out.Reason = fmt.Sprintf("transaction on a %s", tx.Timestamp.Weekday())
	}
	return out
}

func isWeekend(t time.Time) bool {
	day := t.Weekday()
	return day == time.Saturday || day == time.Sunday
}

// LocationMismatch fires for a location the customer has never used, once
// at least one location is known.
func LocationMismatch(tx *domain.Transaction, p *domain.CustomerPattern, _ domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagLocationMismatch, Method: MethodGeolocation}
	if tx.Location.IsZero() || p == nil || len(p.KnownLocations) == 0 {
		return out
	}
	if p.KnowsLocation(*tx.Location) {
		return out
	}
	out.Fired = true
	out.Weight = 0.4
	out.Reason = fmt.Sprintf("new location %s, %s (customer seen in %d known locations)",
		tx.Location.City, tx.Location.Country, len(p.KnownLocations))
	return out
}

// HighRiskCategory fires for denylisted categories.
func HighRiskCategory(tx *domain.Transaction, _ *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagHighRiskCategory, Method: MethodCategory}
	if !cfg.IsHighRiskCategory(tx.Category) {
		return out
	}
	out.Fired = true
	out.Weight = 0.45
	out.Reason = fmt.Sprintf("high-risk category %q", strings.ToLower(strings.TrimSpace(tx.Category)))
	return out
}

// RoundAmount fires for exact multiples of the round unit at or above the minimum.
func RoundAmount(tx *domain.Transaction, _ *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagRoundAmount, Method: MethodRoundNumber}
	abs := tx.Amount.Abs()
	unit := decimal.NewFromFloat(cfg.RoundAmountUnit)
	if unit.IsZero() || abs.LessThan(decimal.NewFromFloat(cfg.RoundAmountMinimum)) {
		return out
	}
	if !abs.Mod(unit).IsZero() {
		return out
	}
	out.Fired = true
	out.Weight = 0.2
	out.Reason = fmt.Sprintf("round amount %s is an exact multiple of %s", tx.Amount.String(), unit.String())
	return out
}

// LargeAmount fires when the amount breaches the absolute threshold.
func LargeAmount(tx *domain.Transaction, _ *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagLargeAmount, Method: MethodThreshold}
	limit := decimal.NewFromFloat(cfg.LargeAmountThreshold)
	if tx.Amount.Abs().LessThan(limit) {
		return out
	}
	out.Fired = true
	out.Weight = 0.5
	out.Reason = fmt.Sprintf("amount %s exceeds the large transaction threshold of %s", tx.Amount.String(), limit.String())
	return out
}

// DuplicateAmount fires when the same non-zero amount was seen within the
// duplicate window.
func DuplicateAmount(tx *domain.Transaction, p *domain.CustomerPattern, cfg domain.DetectionConfig) domain.DetectorOutcome {
	out := domain.DetectorOutcome{Tag: domain.TagDuplicateAmount, Method: MethodDuplicate}
	if p == nil || tx.Amount.IsZero() {
		return out
	}
	window := cfg.DuplicateWindowDuration()
	for _, seen := range p.RecentAmounts {
		if absDuration(tx.Timestamp.Sub(seen.At)) > window {
			continue
		}
		amount, err := decimal.NewFromString(seen.Amount)
		if err != nil || !amount.Equal(tx.Amount) {
			continue
		}
		out.Fired = true
		out.Weight = 0.3
		out.Reason = fmt.Sprintf("same amount %s already seen at %s", tx.Amount.String(), seen.At.Format(time.RFC3339))
		return out
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
