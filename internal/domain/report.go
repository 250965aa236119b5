package domain

import "time"

// RiskReport summarizes a customer's baseline and recent verdicts.
type RiskReport struct {
	CustomerID  string           `json:"customerId"`
	Pattern     *CustomerPattern `json:"pattern"`
	RiskProfile RiskProfile      `json:"riskProfile"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// RiskProfile is the human-facing part of a risk report.
type RiskProfile struct {
	OverallRisk     RiskLevel    `json:"overallRisk"`
	RiskScore       float64      `json:"riskScore"`
	TopConcerns     []string     `json:"topConcerns"`
	Factors         []RiskFactor `json:"factors"`
	Recommendations []string     `json:"recommendations"`
	RecentVerdicts  int          `json:"recentVerdicts"`
	RecentAnomalies int          `json:"recentAnomalies"`
}

// RiskFactor is one weighted input to the profile score. Score is in [0, 1].
type RiskFactor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
}
