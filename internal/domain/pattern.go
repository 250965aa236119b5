package domain

import "time"

// CustomerPattern is the behavioral baseline of one customer.
// Mean and deviation are running (Welford) statistics; StdDevAmount is the
// population standard deviation sqrt(M2/n).
type CustomerPattern struct {
	CustomerID       string  `json:"customerId"`
	TransactionCount int64   `json:"transactionCount"`
	AverageAmount    float64 `json:"averageAmount"`
	StdDevAmount     float64 `json:"stdDevAmount"`
	M2               float64 `json:"m2"`
	MinAmount        float64 `json:"minAmount"`
	MaxAmount        float64 `json:"maxAmount"`

	// RecentTimestamps is the sliding velocity window, oldest first.
	RecentTimestamps []time.Time `json:"recentTimestamps"`

	// RecentAmounts backs duplicate detection, oldest first.
	RecentAmounts []AmountSeen `json:"recentAmounts"`

	KnownLocations []Location `json:"knownLocations"`

	// TypicalHours[h] counts transactions seen at local hour h.
	TypicalHours [24]int64 `json:"typicalHours"`

	// FirstDigits[d] counts amounts whose leading significant digit is d.
	// Index 0 is unused.
	FirstDigits [10]int64 `json:"firstDigits"`

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`

	// CreatedAt is the wall-clock time the pattern was first stored.
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AmountSeen is one observed amount with its timestamp.
type AmountSeen struct {
	At     time.Time `json:"at"`
	Amount string    `json:"amount"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (p *CustomerPattern) Clone() *CustomerPattern {
	if p == nil {
		return nil
	}
	c := *p
	c.RecentTimestamps = append([]time.Time(nil), p.RecentTimestamps...)
	c.RecentAmounts = append([]AmountSeen(nil), p.RecentAmounts...)
	c.KnownLocations = append([]Location(nil), p.KnownLocations...)
	return &c
}

// KnowsLocation reports whether loc was seen before for this customer.
func (p *CustomerPattern) KnowsLocation(loc Location) bool {
	if p == nil {
		return false
	}
	key := loc.Key()
	for _, known := range p.KnownLocations {
		if known.Key() == key {
			return true
		}
	}
	return false
}

// CoefficientOfVariation returns stdDev/|mean| with the mean floored away from zero.
func (p *CustomerPattern) CoefficientOfVariation() float64 {
	if p == nil || p.TransactionCount == 0 {
		return 0
	}
	mean := p.AverageAmount
	if mean < 0 {
		mean = -mean
	}
	if mean < 1e-9 {
		mean = 1e-9
	}
	cv := p.StdDevAmount / mean
	if cv > 1e6 {
		cv = 1e6
	}
	return cv
}
