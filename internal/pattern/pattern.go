// Package pattern maintains per-customer behavioral baselines.
//
// Fold and Build are pure: they never mutate their inputs. Both use the same
// Welford update in the same order, so a pattern built in bulk is identical
// to one folded transaction by transaction.
package pattern

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// MaxRecent bounds the recency windows kept on a pattern.
const MaxRecent = 1000

// Fold returns a new pattern with tx folded into p. p may be nil, in which
// case the pattern is seeded from tx alone.
func Fold(p *domain.CustomerPattern, tx *domain.Transaction, cfg domain.DetectionConfig) *domain.CustomerPattern {
	next := p.Clone()
	if next == nil {
		next = &domain.CustomerPattern{CustomerID: tx.CustomerID}
	}

	observe(next, tx)
	trim(next, cfg)
	next.UpdatedAt = time.Now().UTC()
	return next
}

// Build constructs a pattern from history in one pass, folding transactions
// in input order.
func Build(customerID string, history []*domain.Transaction, cfg domain.DetectionConfig) *domain.CustomerPattern {
	p := &domain.CustomerPattern{CustomerID: customerID}
	for _, tx := range history {
		observe(p, tx)
	}
	trim(p, cfg)
	p.UpdatedAt = time.Now().UTC()
	return p
}

// observe applies one transaction to p in place.
func observe(p *domain.CustomerPattern, tx *domain.Transaction) {
	x := tx.AmountFloat()

	p.TransactionCount, p.AverageAmount, p.M2 = welford(p.TransactionCount, p.AverageAmount, p.M2, x)
	p.StdDevAmount = populationStdDev(p.TransactionCount, p.M2)

	if p.TransactionCount == 1 {
		p.MinAmount, p.MaxAmount = x, x
		p.FirstSeen, p.LastSeen = tx.Timestamp, tx.Timestamp
	} else {
		p.MinAmount = math.Min(p.MinAmount, x)
		p.MaxAmount = math.Max(p.MaxAmount, x)
		if tx.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = tx.Timestamp
		}
		if tx.Timestamp.After(p.LastSeen) {
			p.LastSeen = tx.Timestamp
		}
	}

	p.TypicalHours[tx.Timestamp.Hour()]++
	if d := FirstDigit(tx.Amount); d > 0 {
		p.FirstDigits[d]++
	}

	if !tx.Location.IsZero() && !p.KnowsLocation(*tx.Location) {
		p.KnownLocations = append(p.KnownLocations, *tx.Location)
	}

	p.RecentTimestamps = append(p.RecentTimestamps, tx.Timestamp)
	p.RecentAmounts = append(p.RecentAmounts, domain.AmountSeen{
		At:     tx.Timestamp,
		Amount: tx.Amount.String(),
	})
}

// FirstDigit returns the leading significant digit of |amount|, or 0 for zero.
func FirstDigit(amount decimal.Decimal) int {
	for _, c := range amount.Abs().String() {
		if c >= '1' && c <= '9' {
			return int(c - '0')
		}
	}
	return 0
}

// welford is one step of the online mean/variance update.
func welford(n int64, mean, m2, x float64) (int64, float64, float64) {
	n++
	delta := x - mean
	mean += delta / float64(n)
	m2 += delta * (x - mean)
	if m2 < 0 || math.IsNaN(m2) {
		m2 = 0
	}
	return n, mean, m2
}

func populationStdDev(n int64, m2 float64) float64 {
	if n < 2 {
		return 0
	}
	sd := math.Sqrt(m2 / float64(n))
	if math.IsNaN(sd) || math.IsInf(sd, 0) {
		return 0
	}
	return sd
}

// trim evicts window entries older than the newest timestamp minus the
// window, and caps each window at MaxRecent entries.
func trim(p *domain.CustomerPattern, cfg domain.DetectionConfig) {
	sort.SliceStable(p.RecentTimestamps, func(i, j int) bool {
		return p.RecentTimestamps[i].Before(p.RecentTimestamps[j])
	})
	if n := len(p.RecentTimestamps); n > 0 {
		cutoff := p.RecentTimestamps[n-1].Add(-cfg.VelocityWindowDuration())
		i := sort.Search(n, func(i int) bool { return !p.RecentTimestamps[i].Before(cutoff) })
		p.RecentTimestamps = capTail(p.RecentTimestamps[i:])
	}

	sort.SliceStable(p.RecentAmounts, func(i, j int) bool {
		return p.RecentAmounts[i].At.Before(p.RecentAmounts[j].At)
	})
	if n := len(p.RecentAmounts); n > 0 {
		cutoff := p.RecentAmounts[n-1].At.Add(-cfg.DuplicateWindowDuration())
		i := sort.Search(n, func(i int) bool { return !p.RecentAmounts[i].At.Before(cutoff) })
		p.RecentAmounts = capTail(p.RecentAmounts[i:])
	}
}

func capTail[T any](s []T) []T {
	if len(s) > MaxRecent {
		s = s[len(s)-MaxRecent:]
	}
	return append([]T(nil), s...)
}
