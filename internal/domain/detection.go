package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DetectionConfig holds the tunables read by every detection call.
type DetectionConfig struct {
	ZScoreThreshold           float64 `json:"zscoreThreshold" mapstructure:"zscore_threshold" validate:"gt=0"`
	IQRMultiplier             float64 `json:"iqrMultiplier" mapstructure:"iqr_multiplier" validate:"gt=0"`
	VelocityWindow            int     `json:"velocityWindow" mapstructure:"velocity_window" validate:"gt=0"` // seconds
	VelocityThreshold         int     `json:"velocityThreshold" mapstructure:"velocity_threshold" validate:"gt=0"`
	MinTransactionsForPattern int     `json:"minTransactionsForPattern" mapstructure:"min_transactions_for_pattern" validate:"gt=0"`

	// Unusual band is [start, end) in the transaction's local hour; wraps when start > end.
	UnusualHourStart int `json:"unusualHourStart" mapstructure:"unusual_hour_start" validate:"min=0,max=23"`
	UnusualHourEnd   int `json:"unusualHourEnd" mapstructure:"unusual_hour_end" validate:"min=1,max=24"`

	HighRiskCategories   []string `json:"highRiskCategories" mapstructure:"high_risk_categories" validate:"dive,required"`
	RoundAmountUnit      float64  `json:"roundAmountUnit" mapstructure:"round_amount_unit" validate:"gt=0"`
	RoundAmountMinimum   float64  `json:"roundAmountMinimum" mapstructure:"round_amount_minimum" validate:"gt=0"`
	LargeAmountThreshold float64  `json:"largeAmountThreshold" mapstructure:"large_amount_threshold" validate:"gt=0"`
	DuplicateWindow      int      `json:"duplicateWindow" mapstructure:"duplicate_window" validate:"gt=0"` // seconds

	// BenfordMinHistory is the prior transaction count before the
	// first-digit test runs.
	BenfordMinHistory int `json:"benfordMinHistory" mapstructure:"benford_min_history" validate:"gt=0"`

	// FlagWeekends makes Saturday and Sunday (local date) unusual time.
	FlagWeekends bool `json:"flagWeekends" mapstructure:"flag_weekends"`
}

// DefaultDetectionConfig returns the stock tunables.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		ZScoreThreshold:           3.0,
		IQRMultiplier:             1.5,
		VelocityWindow:            60,
		VelocityThreshold:         10,
		MinTransactionsForPattern: 10,
		UnusualHourStart:          0,
		UnusualHourEnd:            6,
		HighRiskCategories:        []string{"gambling", "cryptocurrency", "crypto", "casino", "money_transfer", "adult"},
		RoundAmountUnit:           1000,
		RoundAmountMinimum:        1000,
		LargeAmountThreshold:      100000,
		DuplicateWindow:           86400,
		BenfordMinHistory:         100,
	}
}

// Validate checks every field against its invariant.
func (c DetectionConfig) Validate() error {
	for name, v := range map[string]float64{
		"zscoreThreshold":      c.ZScoreThreshold,
		"iqrMultiplier":        c.IQRMultiplier,
		"roundAmountUnit":      c.RoundAmountUnit,
		"roundAmountMinimum":   c.RoundAmountMinimum,
		"largeAmountThreshold": c.LargeAmountThreshold,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidConfig, name)
		}
	}
	return ValidateStruct(c, ErrInvalidConfig)
}

// Clone returns a copy that shares no slices with c.
func (c DetectionConfig) Clone() DetectionConfig {
	c.HighRiskCategories = append([]string(nil), c.HighRiskCategories...)
	return c
}

// VelocityWindowDuration returns the velocity window as a duration.
func (c DetectionConfig) VelocityWindowDuration() time.Duration {
	return time.Duration(c.VelocityWindow) * time.Second
}

// DuplicateWindowDuration returns the duplicate window as a duration.
func (c DetectionConfig) DuplicateWindowDuration() time.Duration {
	return time.Duration(c.DuplicateWindow) * time.Second
}

// IsHighRiskCategory matches category against the denylist, ignoring case.
func (c DetectionConfig) IsHighRiskCategory(category string) bool {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return false
	}
	for _, denied := range c.HighRiskCategories {
		if strings.ToLower(strings.TrimSpace(denied)) == category {
			return true
		}
	}
	return false
}

// IsUnusualHour reports whether hour falls in the unusual band.
func (c DetectionConfig) IsUnusualHour(hour int) bool {
	start, end := c.UnusualHourStart, c.UnusualHourEnd
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// ConfigPatch is a partial DetectionConfig. Nil fields are left unchanged.
type ConfigPatch struct {
	ZScoreThreshold           *float64  `json:"zscoreThreshold,omitempty" validate:"omitnil,gt=0"`
	IQRMultiplier             *float64  `json:"iqrMultiplier,omitempty" validate:"omitnil,gt=0"`
	VelocityWindow            *int      `json:"velocityWindow,omitempty" validate:"omitnil,gt=0"`
	VelocityThreshold         *int      `json:"velocityThreshold,omitempty" validate:"omitnil,gt=0"`
	MinTransactionsForPattern *int      `json:"minTransactionsForPattern,omitempty" validate:"omitnil,gt=0"`
	UnusualHourStart          *int      `json:"unusualHourStart,omitempty" validate:"omitnil,min=0,max=23"`
	UnusualHourEnd            *int      `json:"unusualHourEnd,omitempty" validate:"omitnil,min=1,max=24"`
	HighRiskCategories        *[]string `json:"highRiskCategories,omitempty"`
	RoundAmountUnit           *float64  `json:"roundAmountUnit,omitempty" validate:"omitnil,gt=0"`
	RoundAmountMinimum        *float64  `json:"roundAmountMinimum,omitempty" validate:"omitnil,gt=0"`
	LargeAmountThreshold      *float64  `json:"largeAmountThreshold,omitempty" validate:"omitnil,gt=0"`
	DuplicateWindow           *int      `json:"duplicateWindow,omitempty" validate:"omitnil,gt=0"`
	BenfordMinHistory         *int      `json:"benfordMinHistory,omitempty" validate:"omitnil,gt=0"`
	FlagWeekends              *bool     `json:"flagWeekends,omitempty"`
}

// Apply validates the patch and merges it over base. On any invalid field
// base is returned untouched together with the error.
func (p ConfigPatch) Apply(base DetectionConfig) (DetectionConfig, error) {
	if err := ValidateStruct(p, ErrInvalidConfig); err != nil {
		return base, err
	}

	next := base.Clone()
	if p.ZScoreThreshold != nil {
		next.ZScoreThreshold = *p.ZScoreThreshold
	}
	if p.IQRMultiplier != nil {
		next.IQRMultiplier = *p.IQRMultiplier
	}
	if p.VelocityWindow != nil {
		next.VelocityWindow = *p.VelocityWindow
	}
	if p.VelocityThreshold != nil {
		next.VelocityThreshold = *p.VelocityThreshold
	}
	if p.MinTransactionsForPattern != nil {
		next.MinTransactionsForPattern = *p.MinTransactionsForPattern
	}
	if p.UnusualHourStart != nil {
		next.UnusualHourStart = *p.UnusualHourStart
	}
	if p.UnusualHourEnd != nil {
		next.UnusualHourEnd = *p.UnusualHourEnd
	}
	if p.HighRiskCategories != nil {
		next.HighRiskCategories = append([]string(nil), (*p.HighRiskCategories)...)
	}
	if p.RoundAmountUnit != nil {
		next.RoundAmountUnit = *p.RoundAmountUnit
	}
	if p.RoundAmountMinimum != nil {
		next.RoundAmountMinimum = *p.RoundAmountMinimum
	}
	if p.LargeAmountThreshold != nil {
		next.LargeAmountThreshold = *p.LargeAmountThreshold
	}
	if p.DuplicateWindow != nil {
		next.DuplicateWindow = *p.DuplicateWindow
	}
	if p.BenfordMinHistory != nil {
		next.BenfordMinHistory = *p.BenfordMinHistory
	}
	if p.FlagWeekends != nil {
		next.FlagWeekends = *p.FlagWeekends
	}

	if err := next.Validate(); err != nil {
		return base, err
	}
	return next, nil
}

// Anomaly tags.
const (
	TagAmountOutlier    = "amount_outlier"
	TagVelocitySpike    = "velocity_spike"
	TagUnusualTime      = "unusual_time"
	TagLocationMismatch = "location_mismatch"
	TagHighRiskCategory = "high_risk_category"
	TagRoundAmount      = "round_amount"
	TagLargeAmount      = "large_amount"
	TagDuplicateAmount  = "duplicate_amount"
	TagBenfordDeviation = "benford_deviation"
	TagCustomRule       = "custom_rule"
)

// CustomRuleTag is the anomaly tag of one custom rule.
func CustomRuleTag(ruleID string) string {
	return TagCustomRule + ":" + ruleID
}

// DetectorOutcome is what one detector reports for one transaction.
type DetectorOutcome struct {
	Fired  bool    `json:"fired"`
	Tag    string  `json:"tag"`
	Reason string  `json:"reason,omitempty"`
	Weight float64 `json:"weight"`
	Method string  `json:"method"`
}

// RiskLevel is the ordinal classification of a score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Action is the recommended disposition of a transaction.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReview  Action = "review"
	ActionBlock   Action = "block"
)

// AnomalyResult is the verdict for one analyzed transaction.
type AnomalyResult struct {
	TransactionID     string    `json:"transactionId"`
	CustomerID        string    `json:"customerId"`
	Score             float64   `json:"score"`
	IsAnomaly         bool      `json:"isAnomaly"`
	RiskLevel         RiskLevel `json:"riskLevel"`
	Confidence        float64   `json:"confidence"`
	AnomalyTypes      []string  `json:"anomalyTypes"`
	Reasons           []string  `json:"reasons"`
	DetectionMethods  []string  `json:"detectionMethods"`
	RecommendedAction Action    `json:"recommendedAction"`
	DetectedAt        time.Time `json:"detectedAt"`
}

// HasType reports whether tag is among the result's anomaly types.
func (r *AnomalyResult) HasType(tag string) bool {
	for _, t := range r.AnomalyTypes {
		if t == tag {
			return true
		}
	}
	return false
}

// DetectionStats are the process-wide counters.
type DetectionStats struct {
	TotalAnalyzed     int64               `json:"totalAnalyzed"`
	AnomaliesDetected int64               `json:"anomaliesDetected"`
	AverageScore      float64             `json:"averageScore"`
	ByRiskLevel       map[RiskLevel]int64 `json:"byRiskLevel"`
	ByAction          map[Action]int64    `json:"byAction"`
	LastAnalyzedAt    *time.Time          `json:"lastAnalyzedAt"`
}
