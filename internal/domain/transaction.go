package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxAbsAmount bounds accepted amounts so every derived statistic stays finite.
var MaxAbsAmount = decimal.New(1, 18)

// Transaction is the record analyzed by the engine. It is immutable once received.
type Transaction struct {
	ID         string          `json:"id" validate:"notblank"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Timestamp  time.Time       `json:"timestamp" validate:"required"`
	Category   string          `json:"category,omitempty"`
	CustomerID string          `json:"customerId" validate:"notblank"`
	Location   *Location       `json:"location,omitempty"`

	// Optional metadata, exposed to custom rules as-is.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Location is where a transaction took place.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// Key returns the normalized identity of a location.
func (l Location) Key() string {
	return strings.ToLower(strings.TrimSpace(l.Country)) + "|" + strings.ToLower(strings.TrimSpace(l.City))
}

// IsZero reports whether neither country nor city is set.
func (l *Location) IsZero() bool {
	return l == nil || (strings.TrimSpace(l.Country) == "" && strings.TrimSpace(l.City) == "")
}

// Validate checks the required fields of a transaction.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is required", ErrInvalidTransaction)
	}
	if err := ValidateStruct(t, ErrInvalidTransaction); err != nil {
		return err
	}
	if t.Amount.Abs().GreaterThan(MaxAbsAmount) {
		return fmt.Errorf("%w: amount %s is out of range", ErrInvalidTransaction, t.Amount.String())
	}
	return nil
}

// AmountFloat returns the amount as a float64 for statistical work.
func (t *Transaction) AmountFloat() float64 {
	return t.Amount.InexactFloat64()
}
