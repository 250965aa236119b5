package pattern

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/sentinel/internal/domain"
)

var base = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func tx(id string, amount float64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		Amount:     decimal.NewFromFloat(amount),
		Currency:   "RON",
		Timestamp:  at,
		CustomerID: "cust-1",
	}
}

func TestFoldSeedsFromFirstTransaction(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	first := tx("tx-1", 120, base)
	first.Location = &domain.Location{Country: "Romania", City: "Bucharest"}

	p := Fold(nil, first, cfg)

	require.NotNil(t, p)
	assert.Equal(t, "cust-1", p.CustomerID)
	assert.Equal(t, int64(1), p.TransactionCount)
	assert.Equal(t, 120.0, p.AverageAmount)
	assert.Equal(t, 0.0, p.StdDevAmount)
	assert.Equal(t, 120.0, p.MinAmount)
	assert.Equal(t, 120.0, p.MaxAmount)
	assert.Len(t, p.RecentTimestamps, 1)
	assert.Len(t, p.KnownLocations, 1)
	assert.Equal(t, int64(1), p.TypicalHours[10])
	assert.Equal(t, base, p.FirstSeen)
}

func TestFoldDoesNotMutateInput(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	p1 := Fold(nil, tx("tx-1", 100, base), cfg)
	p2 := Fold(p1, tx("tx-2", 300, base.Add(time.Second)), cfg)

	assert.Equal(t, int64(1), p1.TransactionCount)
	assert.Len(t, p1.RecentTimestamps, 1)
	assert.Equal(t, int64(2), p2.TransactionCount)
	assert.Equal(t, 200.0, p2.AverageAmount)
	assert.InDelta(t, 100.0, p2.StdDevAmount, 1e-9)
}

func TestPopulationStatistics(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	amounts := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	var p *domain.CustomerPattern
	for i, a := range amounts {
		p = Fold(p, tx(fmt.Sprintf("tx-%d", i), a, base.Add(time.Duration(i)*time.Hour)), cfg)
	}

	assert.InDelta(t, 5.0, p.AverageAmount, 1e-12)
	assert.InDelta(t, 2.0, p.StdDevAmount, 1e-12)
	assert.Equal(t, 2.0, p.MinAmount)
	assert.Equal(t, 9.0, p.MaxAmount)
}

func TestBuildMatchesIncrementalFold(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()

	var history []*domain.Transaction
	for i := 0; i < 500; i++ {
		amount := 1e6 + float64(i%17)*0.37 - float64(i%5)*12.5
		if i%50 == 0 {
			amount = -amount / 3
		}
		h := tx(fmt.Sprintf("tx-%d", i), amount, base.Add(time.Duration(i)*7*time.Second))
		if i%3 == 0 {
			h.Location = &domain.Location{Country: "Romania", City: fmt.Sprintf("city-%d", i%4)}
		}
		history = append(history, h)
	}

	var incremental *domain.CustomerPattern
	for _, h := range history {
		incremental = Fold(incremental, h, cfg)
	}
	bulk := Build("cust-1", history, cfg)

	assert.Equal(t, incremental.TransactionCount, bulk.TransactionCount)
	assert.InDelta(t, incremental.AverageAmount, bulk.AverageAmount, 1e-9)
	assert.InDelta(t, incremental.StdDevAmount, bulk.StdDevAmount, 1e-9)
	assert.Equal(t, incremental.RecentTimestamps, bulk.RecentTimestamps)
	assert.Equal(t, incremental.RecentAmounts, bulk.RecentAmounts)
	assert.Equal(t, incremental.KnownLocations, bulk.KnownLocations)
	assert.Equal(t, incremental.TypicalHours, bulk.TypicalHours)
	assert.Equal(t, incremental.FirstDigits, bulk.FirstDigits)
	assert.Equal(t, incremental.FirstSeen, bulk.FirstSeen)
	assert.Equal(t, incremental.LastSeen, bulk.LastSeen)
}

func TestWelfordStaysStableOnLargeOffsets(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	var p *domain.CustomerPattern
	// Naive sum-of-squares loses the variance entirely at this offset.
	for i := 0; i < 1000; i++ {
		v := 1e12 + float64(i%2)
		p = Fold(p, tx(fmt.Sprintf("tx-%d", i), v, base.Add(time.Duration(i)*time.Minute)), cfg)
	}
	assert.InDelta(t, 0.5, p.StdDevAmount, 1e-3)
	assert.False(t, math.IsNaN(p.StdDevAmount))
}

func TestVelocityWindowEviction(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.VelocityWindow = 60

	var p *domain.CustomerPattern
	p = Fold(p, tx("tx-1", 10, base), cfg)
	p = Fold(p, tx("tx-2", 10, base.Add(30*time.Second)), cfg)
	p = Fold(p, tx("tx-3", 10, base.Add(90*time.Second)), cfg)

	require.Len(t, p.RecentTimestamps, 2)
	assert.Equal(t, base.Add(30*time.Second), p.RecentTimestamps[0])
	assert.Equal(t, base.Add(90*time.Second), p.RecentTimestamps[1])
}

func TestOutOfOrderTimestampsStaySorted(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	var p *domain.CustomerPattern
	p = Fold(p, tx("tx-1", 10, base.Add(20*time.Second)), cfg)
	p = Fold(p, tx("tx-2", 10, base), cfg)

	require.Len(t, p.RecentTimestamps, 2)
	assert.True(t, p.RecentTimestamps[0].Before(p.RecentTimestamps[1]))
	assert.Equal(t, base, p.FirstSeen)
	assert.Equal(t, base.Add(20*time.Second), p.LastSeen)
}

func TestRecentWindowIsCapped(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.VelocityWindow = 86400

	history := make([]*domain.Transaction, 0, MaxRecent+50)
	for i := 0; i < MaxRecent+50; i++ {
		history = append(history, tx(fmt.Sprintf("tx-%d", i), 5, base.Add(time.Duration(i)*time.Millisecond)))
	}
	p := Build("cust-1", history, cfg)

	assert.Len(t, p.RecentTimestamps, MaxRecent)
	assert.Equal(t, int64(MaxRecent+50), p.TransactionCount)
}

func TestKnownLocationsAreASet(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	a := tx("tx-1", 10, base)
	a.Location = &domain.Location{Country: "Romania", City: "Bucharest"}
	b := tx("tx-2", 10, base.Add(time.Minute))
	b.Location = &domain.Location{Country: "romania", City: "BUCHAREST "}

	p := Build("cust-1", []*domain.Transaction{a, b}, cfg)
	assert.Len(t, p.KnownLocations, 1)
}

func TestFirstDigit(t *testing.T) {
	cases := map[string]int{
		"123.45":  1,
		"9":       9,
		"0.042":   4,
		"-730.00": 7,
		"0":       0,
	}
	for amount, want := range cases {
		assert.Equal(t, want, FirstDigit(decimal.RequireFromString(amount)), amount)
	}

	p := Fold(nil, tx("tx-1", 0.5, base), domain.DefaultDetectionConfig())
	assert.Equal(t, int64(1), p.FirstDigits[5])
}
