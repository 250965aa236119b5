// Package engine orchestrates the detection pipeline: it owns the pattern
// store handle, the active detection config, the stats counters and the
// per-customer verdict history.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/sentinel/internal/detect"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/pattern"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/scoring"
)

// HistoryLimit is the number of verdicts kept per customer for risk reports.
const HistoryLimit = 100

const lockStripes = 256

// VerdictStore persists verdicts for later lookup.
type VerdictStore interface {
	SaveVerdict(ctx context.Context, result *domain.AnomalyResult) error
	GetVerdict(ctx context.Context, txID string) (*domain.AnomalyResult, error)
	ListVerdicts(ctx context.Context, customerID string, limit int) ([]*domain.AnomalyResult, error)
}

// RuleStore persists custom rule definitions.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error)
	DeleteRuleConfig(ctx context.Context, ruleID string) error
}

// Options wires a Service. Store is required; everything else is optional.
type Options struct {
	Store    domain.PatternStore
	Verdicts VerdictStore
	Rules    RuleStore
	Cache    domain.Cache
	Bus      domain.EventBus
	Metrics  *metrics.Metrics

	// Config is the initial detection config. Zero value means defaults.
	Config domain.DetectionConfig

	RuleWorkers int
	VerdictTTL  time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service is the detection service. It is safe for concurrent use:
// analyses for one customer are serialized, different customers proceed
// in parallel.
type Service struct {
	store    domain.PatternStore
	verdicts VerdictStore
	ruleRepo RuleStore
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics
	rules    *rules.Engine
	tracer   trace.Tracer
	now      func() time.Time

	verdictTTL time.Duration

	// clearMu is held shared by every pattern read-modify-write and
	// exclusively by ClearPatterns.
	clearMu sync.RWMutex
	stripes [lockStripes]sync.Mutex

	cfgMu sync.RWMutex
	cfg   domain.DetectionConfig

	statsMu sync.Mutex
	stats   domain.DetectionStats

	historyMu sync.RWMutex
	history   map[string][]*domain.AnomalyResult
	loaded    map[string]bool // history merged with the verdict store
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: pattern store is required")
	}

	cfg := opts.Config
	if cfg.ZScoreThreshold == 0 {
		cfg = domain.DefaultDetectionConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ruleEngine, err := rules.NewEngine(opts.RuleWorkers)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	ttl := opts.VerdictTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Service{
		store:      opts.Store,
		verdicts:   opts.Verdicts,
		ruleRepo:   opts.Rules,
		cache:      opts.Cache,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		rules:      ruleEngine,
		tracer:     otel.Tracer("sentinel/engine"),
		now:        now,
		verdictTTL: ttl,
		cfg:        cfg.Clone(),
		stats:      emptyStats(),
		history:    make(map[string][]*domain.AnomalyResult),
		loaded:     make(map[string]bool),
	}, nil
}

// Close releases the rule engine.
func (s *Service) Close() error {
	return s.rules.Close()
}

// lockCustomer serializes pattern updates for customerID against each other
// and against ClearPatterns. Customers sharing a stripe also serialize.
func (s *Service) lockCustomer(customerID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(customerID))
	mu := &s.stripes[h.Sum32()%lockStripes]

	s.clearMu.RLock()
	mu.Lock()
	return func() {
		mu.Unlock()
		s.clearMu.RUnlock()
	}
}

// AnalyzeTransaction runs every detector over tx, folds tx into the
// customer's pattern and updates stats. A store failure aborts the call
// with no pattern or stats change.
func (s *Service) AnalyzeTransaction(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyResult, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return s.analyze(ctx, tx)
}

// AnalyzeTransactions analyzes txs in order. The whole batch is validated
// before the first analysis. On a store failure the error is returned and
// earlier items stay committed.
func (s *Service) AnalyzeTransactions(ctx context.Context, txs []*domain.Transaction) ([]*domain.AnomalyResult, error) {
	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
	}

	results := make([]*domain.AnomalyResult, 0, len(txs))
	for i, tx := range txs {
		result, err := s.analyze(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) analyze(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyResult, error) {
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "engine.analyze",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.ID),
			attribute.String("customer.id", tx.CustomerID),
		),
	)
	defer span.End()

	unlock := s.lockCustomer(tx.CustomerID)
	defer unlock()

	cfg := s.GetConfig()

	current, err := s.loadPattern(ctx, tx.CustomerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pattern load failed")
		return nil, err
	}

	outcomes := detect.Run(tx, current, cfg)
	if s.rules.RulesCount() > 0 {
		outcomes = append(outcomes, s.rules.EvaluateAll(ctx, &rules.Input{
			Tx:       tx,
			Features: detect.Extract(tx, current, cfg),
		})...)
	}

	var priorCount int64
	if current != nil {
		priorCount = current.TransactionCount
	}

	result := scoring.Fuse(&scoring.Input{
		TxID:                      tx.ID,
		CustomerID:                tx.CustomerID,
		Outcomes:                  outcomes,
		PatternCount:              priorCount,
		MinTransactionsForPattern: cfg.MinTransactionsForPattern,
		Now:                       s.now(),
	})

	next := pattern.Fold(current, tx, cfg)
	next.UpdatedAt = result.DetectedAt
	if current == nil {
		next.CreatedAt = result.DetectedAt
	}
	if err := s.store.SavePattern(ctx, next); err != nil {
		s.metrics.StoreError("save")
		err = storeError("save pattern", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pattern save failed")
		return nil, err
	}

	s.recordStats(result)
	s.remember(result)

	span.SetAttributes(
		attribute.Float64("verdict.score", result.Score),
		attribute.String("verdict.risk_level", string(result.RiskLevel)),
		attribute.String("verdict.action", string(result.RecommendedAction)),
	)

	s.metrics.ObserveVerdict(result, time.Since(start))
	s.emit(ctx, result)

	if result.IsAnomaly {
		slog.Debug("anomaly detected",
			"tx_id", result.TransactionID,
			"customer_id", result.CustomerID,
			"score", result.Score,
			"risk_level", result.RiskLevel,
			"action", result.RecommendedAction,
			"types", result.AnomalyTypes,
		)
	}

	return result, nil
}

func (s *Service) loadPattern(ctx context.Context, customerID string) (*domain.CustomerPattern, error) {
	p, err := s.store.GetPattern(ctx, customerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.metrics.StoreError("get")
		return nil, storeError("load pattern", err)
	}
	return p, nil
}

// emit pushes a verdict to the cache, the verdict store and the bus.
// Failures here are logged; the verdict is already committed.
func (s *Service) emit(ctx context.Context, result *domain.AnomalyResult) {
	if s.cache != nil {
		if err := s.cache.SetVerdict(ctx, result, s.verdictTTL); err != nil {
			slog.Warn("failed to cache verdict", "tx_id", result.TransactionID, "error", err)
		}
	}

	if s.verdicts != nil {
		if err := s.verdicts.SaveVerdict(ctx, result); err != nil {
			slog.Warn("failed to persist verdict", "tx_id", result.TransactionID, "error", err)
		}
	}

	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		slog.Error("failed to marshal verdict", "tx_id", result.TransactionID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicVerdict, result.CustomerID, payload); err != nil {
		s.metrics.PublishError()
		slog.Warn("failed to publish verdict", "tx_id", result.TransactionID, "error", err)
	}
	if result.RecommendedAction != domain.ActionApprove {
		if err := s.bus.Publish(ctx, domain.TopicAlert, result.CustomerID, payload); err != nil {
			s.metrics.PublishError()
			slog.Warn("failed to publish alert", "tx_id", result.TransactionID, "error", err)
		}
	}
}

// GetVerdict looks a verdict up in the cache, then in the verdict store.
func (s *Service) GetVerdict(ctx context.Context, txID string) (*domain.AnomalyResult, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetVerdict(ctx, txID); err == nil && cached != nil {
			return cached, nil
		}
	}
	if s.verdicts == nil {
		return nil, domain.ErrNotFound
	}
	return s.verdicts.GetVerdict(ctx, txID)
}

// BuildPatternFromHistory replaces the customer's pattern with one built
// from history in input order. Stats are not touched.
func (s *Service) BuildPatternFromHistory(ctx context.Context, customerID string, history []*domain.Transaction) (*domain.CustomerPattern, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customerId is required", domain.ErrInvalidTransaction)
	}
	if len(history) == 0 {
		return nil, domain.ErrEmptyHistory
	}
	for i, tx := range history {
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		if tx.CustomerID != customerID {
			return nil, fmt.Errorf("transaction %d: %w: customerId %q does not match %q",
				i, domain.ErrInvalidTransaction, tx.CustomerID, customerID)
		}
	}

	unlock := s.lockCustomer(customerID)
	defer unlock()

	built := pattern.Build(customerID, history, s.GetConfig())
	built.UpdatedAt = s.now()
	built.CreatedAt = built.UpdatedAt
	if prev, err := s.loadPattern(ctx, customerID); err == nil && prev != nil {
		built.CreatedAt = prev.CreatedAt
	}
	if err := s.store.SavePattern(ctx, built); err != nil {
		s.metrics.StoreError("save")
		return nil, storeError("save pattern", err)
	}

	slog.Info("pattern built from history",
		"customer_id", customerID,
		"transactions", built.TransactionCount,
	)
	return built.Clone(), nil
}

// GetPattern returns the customer's pattern. found is false for an
// unknown customer.
func (s *Service) GetPattern(ctx context.Context, customerID string) (p *domain.CustomerPattern, found bool, err error) {
	p, err = s.loadPattern(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	return p, p != nil, nil
}

// GetAllPatterns returns every stored pattern.
func (s *Service) GetAllPatterns(ctx context.Context) ([]*domain.CustomerPattern, error) {
	patterns, err := s.store.ListPatterns(ctx)
	if err != nil {
		s.metrics.StoreError("list")
		return nil, storeError("list patterns", err)
	}
	if patterns == nil {
		patterns = []*domain.CustomerPattern{}
	}
	return patterns, nil
}

// ClearPatterns drops every pattern and the verdict history derived from
// them. It waits for in-flight analyses and blocks new ones until done.
// Stats and config are kept.
func (s *Service) ClearPatterns(ctx context.Context) error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	if err := s.store.DeletePatterns(ctx); err != nil {
		s.metrics.StoreError("delete")
		return storeError("clear patterns", err)
	}

	s.historyMu.Lock()
	s.history = make(map[string][]*domain.AnomalyResult)
	s.loaded = make(map[string]bool)
	s.historyMu.Unlock()

	slog.Info("patterns cleared")
	return nil
}

// GetConfig returns a copy of the active detection config.
func (s *Service) GetConfig() domain.DetectionConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Clone()
}

// UpdateConfig merges patch over the active config. Nothing changes when
// any field is invalid.
func (s *Service) UpdateConfig(patch domain.ConfigPatch) (domain.DetectionConfig, error) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	next, err := patch.Apply(s.cfg)
	if err != nil {
		return s.cfg.Clone(), err
	}
	s.cfg = next

	slog.Info("detection config updated",
		"zscore_threshold", next.ZScoreThreshold,
		"velocity_window", next.VelocityWindow,
		"velocity_threshold", next.VelocityThreshold,
		"min_transactions", next.MinTransactionsForPattern,
	)
	return next.Clone(), nil
}

func emptyStats() domain.DetectionStats {
	return domain.DetectionStats{
		ByRiskLevel: map[domain.RiskLevel]int64{},
		ByAction:    map[domain.Action]int64{},
	}
}

func (s *Service) recordStats(result *domain.AnomalyResult) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats.TotalAnalyzed++
	if result.IsAnomaly {
		s.stats.AnomaliesDetected++
	}
	s.stats.AverageScore += (result.Score - s.stats.AverageScore) / float64(s.stats.TotalAnalyzed)
	s.stats.ByRiskLevel[result.RiskLevel]++
	s.stats.ByAction[result.RecommendedAction]++
	at := result.DetectedAt
	s.stats.LastAnalyzedAt = &at
}

// GetStats returns a snapshot of the counters.
func (s *Service) GetStats() domain.DetectionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	out := s.stats
	out.AverageScore = round2(out.AverageScore)
	out.ByRiskLevel = make(map[domain.RiskLevel]int64, len(s.stats.ByRiskLevel))
	for k, v := range s.stats.ByRiskLevel {
		out.ByRiskLevel[k] = v
	}
	out.ByAction = make(map[domain.Action]int64, len(s.stats.ByAction))
	for k, v := range s.stats.ByAction {
		out.ByAction[k] = v
	}
	if s.stats.LastAnalyzedAt != nil {
		at := *s.stats.LastAnalyzedAt
		out.LastAnalyzedAt = &at
	}
	return out
}

// ResetStats zeroes every counter. Patterns are not touched.
func (s *Service) ResetStats() {
	s.statsMu.Lock()
	s.stats = emptyStats()
	s.statsMu.Unlock()

	slog.Info("detection stats reset")
}

func (s *Service) remember(result *domain.AnomalyResult) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	h := append(s.history[result.CustomerID], result)
	if len(h) > HistoryLimit {
		h = append([]*domain.AnomalyResult(nil), h[len(h)-HistoryLimit:]...)
	}
	s.history[result.CustomerID] = h
}

// recent returns the customer's latest verdicts, oldest first. The first
// call per customer merges in verdicts from the verdict store recorded
// since p was created, so reports survive a restart.
func (s *Service) recent(ctx context.Context, p *domain.CustomerPattern) []*domain.AnomalyResult {
	s.historyMu.RLock()
	h, loaded := s.history[p.CustomerID], s.loaded[p.CustomerID]
	s.historyMu.RUnlock()
	if loaded || s.verdicts == nil {
		return append([]*domain.AnomalyResult(nil), h...)
	}

	stored, err := s.verdicts.ListVerdicts(ctx, p.CustomerID, HistoryLimit)
	if err != nil {
		slog.Warn("failed to load verdict history", "customer_id", p.CustomerID, "error", err)
		return append([]*domain.AnomalyResult(nil), h...)
	}

	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	seen := make(map[string]bool, len(stored))
	merged := make([]*domain.AnomalyResult, 0, len(stored)+len(s.history[p.CustomerID]))
	for _, v := range stored {
		if v.DetectedAt.Before(p.CreatedAt) {
			continue
		}
		seen[v.TransactionID] = true
		merged = append(merged, v)
	}
	for _, v := range s.history[p.CustomerID] {
		if !seen[v.TransactionID] {
			merged = append(merged, v)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].DetectedAt.Before(merged[j].DetectedAt) })
	if len(merged) > HistoryLimit {
		merged = merged[len(merged)-HistoryLimit:]
	}

	s.history[p.CustomerID] = merged
	s.loaded[p.CustomerID] = true
	return append([]*domain.AnomalyResult(nil), merged...)
}

func storeError(op string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}
