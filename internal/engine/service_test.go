package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/repository"
)

var noon = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemory()
	svc, err := New(Options{
		Store:    repo,
		Verdicts: repo,
		Rules:    repo,
		Now:      func() time.Time { return noon.Add(time.Hour) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, repo
}

func tx(id, customer, amount string, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		CustomerID: customer,
		Amount:     decimal.RequireFromString(amount),
		Currency:   "RON",
		Timestamp:  at,
	}
}

// seed analyzes n transactions around 100 (80..120), one per hour, from Bucharest.
func seed(t *testing.T, svc *Service, customer string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		amount := 80 + (i%5)*10
		h := tx(fmt.Sprintf("%s-seed-%d", customer, i), customer, fmt.Sprint(amount), noon.Add(-time.Duration(n-i)*time.Hour))
		h.Location = &domain.Location{Country: "Romania", City: "Bucharest"}
		_, err := svc.AnalyzeTransaction(context.Background(), h)
		require.NoError(t, err)
	}
}

func TestAnalyzeAmountOutlier(t *testing.T) {
	svc, _ := newService(t)
	seed(t, svc, "cust-1", 10)

	result, err := svc.AnalyzeTransaction(context.Background(), tx("tx-big", "cust-1", "10000", noon))
	require.NoError(t, err)

	assert.True(t, result.IsAnomaly)
	assert.True(t, result.HasType(domain.TagAmountOutlier))
	assert.Equal(t, "tx-big", result.TransactionID)
	assert.NotEqual(t, domain.ActionApprove, result.RecommendedAction)
}

func TestAnalyzeMonotonicInDeviation(t *testing.T) {
	svcA, _ := newService(t)
	svcB, _ := newService(t)
	seed(t, svcA, "cust-1", 10)
	seed(t, svcB, "cust-1", 10)

	outlier, err := svcA.AnalyzeTransaction(context.Background(), tx("tx-a", "cust-1", "10000", noon))
	require.NoError(t, err)
	normal, err := svcB.AnalyzeTransaction(context.Background(), tx("tx-b", "cust-1", "105", noon))
	require.NoError(t, err)

	assert.Greater(t, outlier.Score, normal.Score)
}

func TestAnalyzeCompoundsSignals(t *testing.T) {
	svcA, _ := newService(t)
	svcB, _ := newService(t)
	seed(t, svcA, "cust-1", 10)
	seed(t, svcB, "cust-1", 10)

	plain := tx("tx-a", "cust-1", "9999", noon)
	loud := tx("tx-b", "cust-1", "9999", time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC))
	loud.Category = "gambling"

	one, err := svcA.AnalyzeTransaction(context.Background(), plain)
	require.NoError(t, err)
	three, err := svcB.AnalyzeTransaction(context.Background(), loud)
	require.NoError(t, err)

	assert.Equal(t, []string{domain.TagAmountOutlier}, one.AnomalyTypes)
	assert.Equal(t, []string{domain.TagAmountOutlier, domain.TagUnusualTime, domain.TagHighRiskCategory}, three.AnomalyTypes)
	assert.GreaterOrEqual(t, three.Score, one.Score)
}

func TestAnalyzeVelocitySpike(t *testing.T) {
	svc, _ := newService(t)

	var last *domain.AnomalyResult
	for i := 0; i < 12; i++ {
		r, err := svc.AnalyzeTransaction(context.Background(),
			tx(fmt.Sprintf("tx-%d", i), "cust-1", "25", noon.Add(time.Duration(i)*80*time.Millisecond)))
		require.NoError(t, err)
		last = r
	}
	assert.True(t, last.HasType(domain.TagVelocitySpike))
}

func TestAnalyzeUnusualTimeWithoutHistory(t *testing.T) {
	svc, _ := newService(t)
	r, err := svc.AnalyzeTransaction(context.Background(),
		tx("tx-1", "brand-new", "12.50", time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.True(t, r.HasType(domain.TagUnusualTime))
}

func TestAnalyzeLocationMismatch(t *testing.T) {
	svc, _ := newService(t)
	seed(t, svc, "cust-1", 3)

	lagos := tx("tx-lagos", "cust-1", "90", noon)
	lagos.Location = &domain.Location{Country: "Nigeria", City: "Lagos"}
	r, err := svc.AnalyzeTransaction(context.Background(), lagos)
	require.NoError(t, err)
	assert.True(t, r.HasType(domain.TagLocationMismatch))
}

func TestAnalyzeDegenerateInputs(t *testing.T) {
	svc, _ := newService(t)
	seed(t, svc, "cust-1", 12)

	for i, amount := range []string{"0", "-250.75", "-999999999999", "999999999999999999"} {
		r, err := svc.AnalyzeTransaction(context.Background(), tx(fmt.Sprintf("tx-%d", i), "cust-1", amount, noon))
		require.NoError(t, err, amount)
		assert.False(t, math.IsNaN(r.Score) || math.IsInf(r.Score, 0), amount)
		assert.False(t, math.IsNaN(r.Confidence) || math.IsInf(r.Confidence, 0), amount)
		_, err = json.Marshal(r)
		require.NoError(t, err)
	}

	p, found, err := svc.GetPattern(context.Background(), "cust-1")
	require.NoError(t, err)
	require.True(t, found)
	_, err = json.Marshal(p)
	require.NoError(t, err, "pattern must stay JSON-encodable")
}

func TestAnalyzeRejectsInvalidWithoutSideEffects(t *testing.T) {
	svc, _ := newService(t)

	bad := tx("tx-1", "", "10", noon)
	_, err := svc.AnalyzeTransaction(context.Background(), bad)
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)

	noTime := tx("tx-2", "cust-1", "10", time.Time{})
	_, err = svc.AnalyzeTransaction(context.Background(), noTime)
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)

	assert.Equal(t, int64(0), svc.GetStats().TotalAnalyzed)
	_, found, _ := svc.GetPattern(context.Background(), "cust-1")
	assert.False(t, found)
}

func TestIncrementalEqualsBuild(t *testing.T) {
	svc, _ := newService(t)

	history := make([]*domain.Transaction, 0, 200)
	for i := 0; i < 200; i++ {
		amount := fmt.Sprintf("%d.%02d", 50+(i*37)%400, i%100)
		history = append(history, tx(fmt.Sprintf("h-%d", i), "inc", amount, noon.Add(time.Duration(i)*time.Minute)))
	}

	for _, h := range history {
		_, err := svc.AnalyzeTransaction(context.Background(), h)
		require.NoError(t, err)
	}
	incremental, found, err := svc.GetPattern(context.Background(), "inc")
	require.NoError(t, err)
	require.True(t, found)

	built, err := svc.BuildPatternFromHistory(context.Background(), "inc", history)
	require.NoError(t, err)

	assert.Equal(t, incremental.TransactionCount, built.TransactionCount)
	assert.InDelta(t, incremental.AverageAmount, built.AverageAmount, 1e-9)
	assert.InDelta(t, incremental.StdDevAmount, built.StdDevAmount, 1e-9)
}

func TestBuildPatternFromHistory(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	t.Run("DoesNotTouchStats", func(t *testing.T) {
		p, err := svc.BuildPatternFromHistory(ctx, "cust-1", []*domain.Transaction{
			tx("a", "cust-1", "10", noon),
			tx("b", "cust-1", "30", noon.Add(time.Hour)),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), p.TransactionCount)
		assert.Equal(t, 20.0, p.AverageAmount)
		assert.Equal(t, int64(0), svc.GetStats().TotalAnalyzed)
	})

	t.Run("ReplacesExisting", func(t *testing.T) {
		p, err := svc.BuildPatternFromHistory(ctx, "cust-1", []*domain.Transaction{tx("c", "cust-1", "7", noon)})
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.TransactionCount)
		assert.Equal(t, 0.0, p.StdDevAmount)
	})

	t.Run("RejectsEmptyHistory", func(t *testing.T) {
		_, err := svc.BuildPatternFromHistory(ctx, "cust-1", nil)
		assert.ErrorIs(t, err, domain.ErrEmptyHistory)
	})

	t.Run("RejectsForeignCustomer", func(t *testing.T) {
		_, err := svc.BuildPatternFromHistory(ctx, "cust-1", []*domain.Transaction{tx("d", "cust-2", "7", noon)})
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)

		p, _, _ := svc.GetPattern(ctx, "cust-1")
		assert.Equal(t, int64(1), p.TransactionCount, "failed build keeps old pattern")
	})
}

func TestBatch(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	t.Run("EmptyInput", func(t *testing.T) {
		results, err := svc.AnalyzeTransactions(ctx, nil)
		require.NoError(t, err)
		assert.NotNil(t, results)
		assert.Empty(t, results)
	})

	t.Run("PreservesOrder", func(t *testing.T) {
		batch := []*domain.Transaction{
			tx("b-3", "x", "10", noon),
			tx("b-1", "y", "20", noon),
			tx("b-2", "x", "30", noon.Add(time.Second)),
		}
		results, err := svc.AnalyzeTransactions(ctx, batch)
		require.NoError(t, err)
		require.Len(t, results, 3)
		for i := range batch {
			assert.Equal(t, batch[i].ID, results[i].TransactionID)
		}

		p, _, _ := svc.GetPattern(ctx, "x")
		assert.Equal(t, int64(2), p.TransactionCount)
	})

	t.Run("InvalidItemRejectsWholeBatch", func(t *testing.T) {
		before := svc.GetStats().TotalAnalyzed
		_, err := svc.AnalyzeTransactions(ctx, []*domain.Transaction{
			tx("ok", "z", "10", noon),
			tx("", "z", "10", noon),
		})
		require.ErrorIs(t, err, domain.ErrInvalidTransaction)
		assert.Contains(t, err.Error(), "transaction 1")
		assert.Equal(t, before, svc.GetStats().TotalAnalyzed)

		_, found, _ := svc.GetPattern(ctx, "z")
		assert.False(t, found)
	})
}

func TestStatsAndReset(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.AnalyzeTransaction(ctx, tx("1", "c", "10", noon))
	require.NoError(t, err)
	_, err = svc.AnalyzeTransaction(ctx, tx("2", "c", "10", time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	stats := svc.GetStats()
	assert.Equal(t, int64(2), stats.TotalAnalyzed)
	assert.Equal(t, int64(1), stats.AnomaliesDetected)
	assert.Greater(t, stats.AverageScore, 0.0)
	require.NotNil(t, stats.LastAnalyzedAt)

	var total int64
	for _, n := range stats.ByRiskLevel {
		total += n
	}
	assert.Equal(t, int64(2), total)

	svc.ResetStats()
	stats = svc.GetStats()
	assert.Equal(t, int64(0), stats.TotalAnalyzed)
	assert.Equal(t, int64(0), stats.AnomaliesDetected)
	assert.Equal(t, 0.0, stats.AverageScore)
	assert.Nil(t, stats.LastAnalyzedAt)

	_, found, _ := svc.GetPattern(ctx, "c")
	assert.True(t, found, "reset keeps patterns")
}

func TestClearPatterns(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	seed(t, svc, "a", 2)
	seed(t, svc, "b", 2)

	all, err := svc.GetAllPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, svc.ClearPatterns(ctx))
	for _, id := range []string{"a", "b"} {
		_, found, err := svc.GetPattern(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, int64(4), svc.GetStats().TotalAnalyzed, "clear keeps stats")

	all, err = svc.GetAllPatterns(ctx)
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestUpdateConfig(t *testing.T) {
	svc, _ := newService(t)

	t.Run("PartialMerge", func(t *testing.T) {
		threshold := 2.5
		cfg, err := svc.UpdateConfig(domain.ConfigPatch{ZScoreThreshold: &threshold})
		require.NoError(t, err)
		assert.Equal(t, 2.5, cfg.ZScoreThreshold)
		assert.Equal(t, 60, cfg.VelocityWindow)
		assert.Equal(t, 2.5, svc.GetConfig().ZScoreThreshold)
	})

	t.Run("AllOrNothing", func(t *testing.T) {
		window := 120
		negative := -1
		_, err := svc.UpdateConfig(domain.ConfigPatch{VelocityWindow: &window, VelocityThreshold: &negative})
		require.ErrorIs(t, err, domain.ErrInvalidConfig)

		cfg := svc.GetConfig()
		assert.Equal(t, 60, cfg.VelocityWindow)
		assert.Equal(t, 10, cfg.VelocityThreshold)
	})

	t.Run("GetConfigIsACopy", func(t *testing.T) {
		cfg := svc.GetConfig()
		cfg.HighRiskCategories[0] = "groceries"
		assert.NotEqual(t, "groceries", svc.GetConfig().HighRiskCategories[0])
	})

	t.Run("AffectsNextAnalysis", func(t *testing.T) {
		categories := []string{"groceries"}
		_, err := svc.UpdateConfig(domain.ConfigPatch{HighRiskCategories: &categories})
		require.NoError(t, err)

		g := tx("g-1", "shopper", "12", noon)
		g.Category = "Groceries"
		r, err := svc.AnalyzeTransaction(context.Background(), g)
		require.NoError(t, err)
		assert.True(t, r.HasType(domain.TagHighRiskCategory))
	})
}

func TestSameCustomerIsSerialized(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AnalyzeTransaction(ctx, tx(fmt.Sprintf("c-%d", i), "hot", fmt.Sprint(i+1), noon.Add(time.Duration(i)*time.Minute)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	p, found, err := svc.GetPattern(ctx, "hot")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(n), p.TransactionCount)
	assert.InDelta(t, float64(n+1)/2, p.AverageAmount, 1e-9)
	assert.Equal(t, int64(n), svc.GetStats().TotalAnalyzed)
}

// failingStore fails pattern operations on demand.
type failingStore struct {
	*repository.MemoryRepository
	failGet  bool
	failSave bool
}

func (f *failingStore) GetPattern(ctx context.Context, id string) (*domain.CustomerPattern, error) {
	if f.failGet {
		return nil, errors.New("connection refused")
	}
	return f.MemoryRepository.GetPattern(ctx, id)
}

func (f *failingStore) SavePattern(ctx context.Context, p *domain.CustomerPattern) error {
	if f.failSave {
		return errors.New("connection reset")
	}
	return f.MemoryRepository.SavePattern(ctx, p)
}

func TestStoreFailureIsAtomic(t *testing.T) {
	store := &failingStore{MemoryRepository: repository.NewMemory()}
	svc, err := New(Options{Store: store, Verdicts: store.MemoryRepository})
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	_, err = svc.AnalyzeTransaction(ctx, tx("ok", "c", "10", noon))
	require.NoError(t, err)

	t.Run("SaveFails", func(t *testing.T) {
		store.failSave = true
		defer func() { store.failSave = false }()

		_, err := svc.AnalyzeTransaction(ctx, tx("lost", "c", "20", noon.Add(time.Hour)))
		require.ErrorIs(t, err, domain.ErrStoreUnavailable)

		p, _, _ := svc.GetPattern(ctx, "c")
		assert.Equal(t, int64(1), p.TransactionCount)
		assert.Equal(t, int64(1), svc.GetStats().TotalAnalyzed)
		_, err = svc.GetVerdict(ctx, "lost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("GetFails", func(t *testing.T) {
		store.failGet = true
		defer func() { store.failGet = false }()

		_, err := svc.AnalyzeTransaction(ctx, tx("lost-2", "c", "20", noon.Add(time.Hour)))
		require.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.Equal(t, int64(1), svc.GetStats().TotalAnalyzed)

		_, err = svc.GenerateRiskReport(ctx, "c")
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})

	t.Run("BatchStopsAtFailure", func(t *testing.T) {
		store.failSave = true
		defer func() { store.failSave = false }()

		_, err := svc.AnalyzeTransactions(ctx, []*domain.Transaction{tx("b1", "c", "1", noon)})
		require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

// pausingStore holds SavePattern open until release is closed.
type pausingStore struct {
	*repository.MemoryRepository
	entered chan struct{}
	release chan struct{}
}

func (p *pausingStore) SavePattern(ctx context.Context, pattern *domain.CustomerPattern) error {
	if p.entered != nil {
		close(p.entered)
		p.entered = nil
		<-p.release
	}
	return p.MemoryRepository.SavePattern(ctx, pattern)
}

func TestClearPatternsWaitsForInFlightAnalysis(t *testing.T) {
	store := &pausingStore{MemoryRepository: repository.NewMemory()}
	svc, err := New(Options{Store: store, Verdicts: store.MemoryRepository})
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()
	seed(t, svc, "c", 5)

	entered := make(chan struct{})
	store.entered, store.release = entered, make(chan struct{})

	analyzed := make(chan error, 1)
	go func() {
		_, err := svc.AnalyzeTransaction(ctx, tx("mid", "c", "100", noon))
		analyzed <- err
	}()
	<-entered

	cleared := make(chan error, 1)
	go func() { cleared <- svc.ClearPatterns(ctx) }()

	select {
	case <-cleared:
		t.Fatal("ClearPatterns returned while an analysis was saving")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-analyzed)
	require.NoError(t, <-cleared)

	_, found, err := svc.GetPattern(ctx, "c")
	require.NoError(t, err)
	assert.False(t, found)

	report, err := svc.GenerateRiskReport(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, report.Pattern)
	assert.Equal(t, 0, report.RiskProfile.RecentVerdicts)
}

func TestManyCustomersShareLockStripes(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const customers = 4 * lockStripes
	var wg sync.WaitGroup
	for i := 0; i < customers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("cust-%d", i)
			_, err := svc.AnalyzeTransaction(ctx, tx(id+"-tx", id, "10", noon))
			assert.NoError(t, err)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, svc.ClearPatterns(ctx))
	}()
	wg.Wait()

	assert.Equal(t, int64(customers), svc.GetStats().TotalAnalyzed)
	patterns, err := svc.GetAllPatterns(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(patterns), customers)
}

func TestGetVerdict(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	r, err := svc.AnalyzeTransaction(ctx, tx("tx-v", "c", "5000", noon))
	require.NoError(t, err)

	got, err := svc.GetVerdict(ctx, "tx-v")
	require.NoError(t, err)
	assert.Equal(t, r.Score, got.Score)
	assert.Equal(t, r.AnomalyTypes, got.AnomalyTypes)

	_, err = svc.GetVerdict(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// recordingBus captures published messages.
type recordingBus struct {
	mu     sync.Mutex
	topics []string
	keys   []string
}

func (b *recordingBus) Publish(_ context.Context, topic, key string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.keys = append(b.keys, key)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func TestVerdictsArePublished(t *testing.T) {
	bus := &recordingBus{}
	svc, err := New(Options{Store: repository.NewMemory(), Bus: bus})
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	_, err = svc.AnalyzeTransaction(ctx, tx("quiet", "c", "12.34", noon))
	require.NoError(t, err)
	gambling := tx("loud", "c", "12.34", noon.Add(time.Minute))
	gambling.Category = "casino"
	_, err = svc.AnalyzeTransaction(ctx, gambling)
	require.NoError(t, err)

	assert.Equal(t, []string{domain.TopicVerdict, domain.TopicVerdict, domain.TopicAlert}, bus.topics)
	assert.Equal(t, []string{"c", "c", "c"}, bus.keys)
}

func TestFiringRulesKeepDistinctTags(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, r := range []*domain.RuleConfig{
		{ID: "r1", Name: "over one", Expression: "amount > 1.0", Weight: 0.2, Enabled: true},
		{ID: "r2", Name: "over two", Expression: "amount > 2.0", Weight: 0.2, Enabled: true},
	} {
		require.NoError(t, svc.SaveRule(ctx, r))
	}

	result, err := svc.AnalyzeTransaction(ctx, tx("t-50", "c", "50", noon))
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, tag := range result.AnomalyTypes {
		assert.False(t, seen[tag], "tag %s repeated", tag)
		seen[tag] = true
	}
	assert.True(t, seen[domain.CustomRuleTag("r1")])
	assert.True(t, seen[domain.CustomRuleTag("r2")])
	assert.Equal(t, len(result.AnomalyTypes), len(result.DetectionMethods))
	assert.Equal(t, len(result.AnomalyTypes), len(result.Reasons))
}

func TestCustomRules(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	err := svc.SaveRule(ctx, &domain.RuleConfig{
		ID:         "eur-weekend",
		Name:       "Large EUR",
		Expression: "currency == 'EUR' && amount > 500.0",
		Weight:     0.3,
		Enabled:    true,
	})
	require.NoError(t, err)
	stored, err := repo.ListRuleConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	eur := tx("e-1", "c", "750", noon)
	eur.Currency = "EUR"
	r, err := svc.AnalyzeTransaction(ctx, eur)
	require.NoError(t, err)
	assert.True(t, r.HasType(domain.CustomRuleTag("eur-weekend")))
	assert.Contains(t, r.DetectionMethods, "cel:eur-weekend")

	err = svc.SaveRule(ctx, &domain.RuleConfig{ID: "bad", Name: "bad", Expression: "amount +", Weight: 0.3, Enabled: true})
	require.ErrorIs(t, err, domain.ErrInvalidRule)
	stored, _ = repo.ListRuleConfigs(ctx)
	assert.Len(t, stored, 1, "invalid rule is not stored")

	require.NoError(t, svc.DeleteRule(ctx, "eur-weekend"))
	assert.Empty(t, svc.ListRules())

	count, _, err := svc.ReloadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
