package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// DefaultMaxVerdicts bounds the verdicts kept by the memory repository.
const DefaultMaxVerdicts = 100_000

// MemoryRepository keeps everything in process memory. It is the
// Community tier default: patterns live as long as the process.
// Values are copied on the way in and out so callers never share state
// with the store.
type MemoryRepository struct {
	mu       sync.RWMutex
	patterns map[string]*domain.CustomerPattern
	rules    map[string]domain.RuleConfig

	verdictMu    sync.Mutex
	verdicts     map[string]*domain.AnomalyResult
	verdictOrder []string // insertion order, oldest first
	maxVerdicts  int
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		patterns:    make(map[string]*domain.CustomerPattern),
		rules:       make(map[string]domain.RuleConfig),
		verdicts:    make(map[string]*domain.AnomalyResult),
		maxVerdicts: DefaultMaxVerdicts,
	}
}

func (m *MemoryRepository) GetPattern(_ context.Context, customerID string) (*domain.CustomerPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patterns[customerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryRepository) SavePattern(_ context.Context, p *domain.CustomerPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[p.CustomerID] = p.Clone()
	return nil
}

// ListPatterns returns copies of every pattern ordered by customer id.
func (m *MemoryRepository) ListPatterns(_ context.Context) ([]*domain.CustomerPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.CustomerPattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

func (m *MemoryRepository) DeletePatterns(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = make(map[string]*domain.CustomerPattern)
	return nil
}

// SaveVerdict stores a verdict. The oldest verdicts are evicted past
// maxVerdicts.
func (m *MemoryRepository) SaveVerdict(_ context.Context, result *domain.AnomalyResult) error {
	copied := copyVerdict(result)

	m.verdictMu.Lock()
	defer m.verdictMu.Unlock()

	if _, exists := m.verdicts[result.TransactionID]; !exists {
		m.verdictOrder = append(m.verdictOrder, result.TransactionID)
	}
	m.verdicts[result.TransactionID] = copied

	for len(m.verdictOrder) > m.maxVerdicts {
		delete(m.verdicts, m.verdictOrder[0])
		m.verdictOrder = m.verdictOrder[1:]
	}
	return nil
}

func (m *MemoryRepository) GetVerdict(_ context.Context, txID string) (*domain.AnomalyResult, error) {
	m.verdictMu.Lock()
	defer m.verdictMu.Unlock()

	v, ok := m.verdicts[txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyVerdict(v), nil
}

// ListVerdicts returns the customer's latest verdicts, oldest first.
func (m *MemoryRepository) ListVerdicts(_ context.Context, customerID string, limit int) ([]*domain.AnomalyResult, error) {
	m.verdictMu.Lock()
	defer m.verdictMu.Unlock()

	var out []*domain.AnomalyResult
	for _, id := range m.verdictOrder {
		if v := m.verdicts[id]; v.CustomerID == customerID {
			out = append(out, copyVerdict(v))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryRepository) SaveRuleConfig(_ context.Context, rule *domain.RuleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = *rule
	return nil
}

func (m *MemoryRepository) GetRuleConfig(_ context.Context, ruleID string) (*domain.RuleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[ruleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rule, nil
}

func (m *MemoryRepository) ListRuleConfigs(_ context.Context) ([]*domain.RuleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.RuleConfig, 0, len(m.rules))
	for _, rule := range m.rules {
		r := rule
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) DeleteRuleConfig(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[ruleID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rules, ruleID)
	return nil
}

func (m *MemoryRepository) Ping(_ context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

func copyVerdict(r *domain.AnomalyResult) *domain.AnomalyResult {
	c := *r
	c.AnomalyTypes = append(make([]string, 0, len(r.AnomalyTypes)), r.AnomalyTypes...)
	c.Reasons = append(make([]string, 0, len(r.Reasons)), r.Reasons...)
	c.DetectionMethods = append(make([]string, 0, len(r.DetectionMethods)), r.DetectionMethods...)
	return &c
}
