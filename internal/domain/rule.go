package domain

import (
	"fmt"
	"time"
)

// RuleConfig is an operator-defined CEL detection rule.
// The expression must evaluate to bool, int or double; true or a positive
// number fires the rule.
type RuleConfig struct {
	ID          string `json:"id" validate:"notblank"`
	Name        string `json:"name" validate:"notblank"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression" validate:"notblank"`

	// Weight of the rule in score fusion, in (0, MaxRuleWeight].
	Weight float64 `json:"weight" validate:"gt=0,lte=0.95"`

	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MaxRuleWeight caps any single outcome weight so fusion never saturates.
// The weight tag on RuleConfig carries the same bound.
const MaxRuleWeight = 0.95

// Validate checks the static fields of a rule. Expression checking is the
// rule engine's job.
func (r *RuleConfig) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidRule)
	}
	return ValidateStruct(r, ErrInvalidRule)
}
