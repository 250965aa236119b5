package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/sentinel/internal/domain"
)

func fired(tag string, weight float64) domain.DetectorOutcome {
	return domain.DetectorOutcome{Fired: true, Tag: tag, Reason: tag + " fired", Weight: weight, Method: tag}
}

func TestFuseNoFirings(t *testing.T) {
	now := time.Now().UTC()
	result := Fuse(&Input{
		TxID:                      "tx-1",
		CustomerID:                "cust-1",
		Outcomes:                  []domain.DetectorOutcome{{Tag: domain.TagAmountOutlier}},
		PatternCount:              0,
		MinTransactionsForPattern: 10,
		Now:                       now,
	})

	assert.Equal(t, "tx-1", result.TransactionID)
	assert.False(t, result.IsAnomaly)
	assert.Equal(t, 0.0, result.Score)
	assert.Equal(t, domain.RiskLow, result.RiskLevel)
	assert.Equal(t, domain.ActionApprove, result.RecommendedAction)
	assert.Empty(t, result.AnomalyTypes)
	assert.NotNil(t, result.Reasons)
	assert.Equal(t, now, result.DetectedAt)
}

func TestFuseKeepsDeclarationOrder(t *testing.T) {
	result := Fuse(&Input{
		Outcomes: []domain.DetectorOutcome{
			fired(domain.TagAmountOutlier, 0.9),
			{Tag: domain.TagVelocitySpike},
			fired(domain.TagUnusualTime, 0.25),
			fired(domain.TagHighRiskCategory, 0.45),
		},
		MinTransactionsForPattern: 10,
	})

	require.True(t, result.IsAnomaly)
	assert.Equal(t, []string{domain.TagAmountOutlier, domain.TagUnusualTime, domain.TagHighRiskCategory}, result.AnomalyTypes)
	assert.Len(t, result.Reasons, 3)
	assert.Len(t, result.DetectionMethods, 3)
}

func TestScoreCompounds(t *testing.T) {
	one := Score([]domain.DetectorOutcome{fired("a", 0.5)})
	two := Score([]domain.DetectorOutcome{fired("a", 0.5), fired("b", 0.25)})
	four := Score([]domain.DetectorOutcome{fired("a", 0.5), fired("b", 0.25), fired("c", 0.4), fired("d", 0.2)})

	assert.Equal(t, 50.0, one)
	assert.Equal(t, 62.5, two)
	assert.Greater(t, four, two)
	assert.Less(t, four, 100.0)

	capped := Score([]domain.DetectorOutcome{fired("a", 5)})
	assert.Equal(t, 95.0, capped)
}

func TestLevelIsTotal(t *testing.T) {
	cases := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{0, domain.RiskLow},
		{29.99, domain.RiskLow},
		{30, domain.RiskMedium},
		{59.99, domain.RiskMedium},
		{60, domain.RiskHigh},
		{79.99, domain.RiskHigh},
		{80, domain.RiskCritical},
		{100, domain.RiskCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Level(c.score), "score %v", c.score)
	}
}

func TestConfidence(t *testing.T) {
	t.Run("GrowsWithHistory", func(t *testing.T) {
		atMinimum := Confidence(2, 10, 10)
		longHistory := Confidence(2, 1000, 10)
		assert.Less(t, atMinimum, longHistory)
	})

	t.Run("GrowsWithAgreement", func(t *testing.T) {
		assert.Less(t, Confidence(1, 50, 10), Confidence(4, 50, 10))
	})

	t.Run("Bounded", func(t *testing.T) {
		assert.Equal(t, 0.2, Confidence(0, 0, 10))
		assert.LessOrEqual(t, Confidence(100, 1_000_000, 10), 1.0)
		assert.Equal(t, 0.2, Confidence(0, 0, 0))
	})
}

func TestRecommend(t *testing.T) {
	assert.Equal(t, domain.ActionApprove, Recommend(domain.RiskLow, 0.99))
	assert.Equal(t, domain.ActionReview, Recommend(domain.RiskMedium, 0.1))
	assert.Equal(t, domain.ActionReview, Recommend(domain.RiskHigh, 0.99))
	assert.Equal(t, domain.ActionBlock, Recommend(domain.RiskCritical, 0.7))
	assert.Equal(t, domain.ActionReview, Recommend(domain.RiskCritical, 0.69))
}

func TestCriticalNeedsHistoryToBlock(t *testing.T) {
	outcomes := []domain.DetectorOutcome{
		fired(domain.TagAmountOutlier, 0.9),
		fired(domain.TagRoundAmount, 0.2),
	}

	young := Fuse(&Input{Outcomes: outcomes, PatternCount: 10, MinTransactionsForPattern: 10})
	assert.Equal(t, domain.RiskCritical, young.RiskLevel)
	assert.Equal(t, domain.ActionReview, young.RecommendedAction)

	seasoned := Fuse(&Input{Outcomes: outcomes, PatternCount: 500, MinTransactionsForPattern: 10})
	assert.Equal(t, domain.RiskCritical, seasoned.RiskLevel)
	assert.Equal(t, domain.ActionBlock, seasoned.RecommendedAction)
}
