package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// LoadRules compiles every stored rule. Called once at startup.
func (s *Service) LoadRules(ctx context.Context) error {
	if s.ruleRepo == nil {
		return nil
	}
	configs, err := s.ruleRepo.ListRuleConfigs(ctx)
	if err != nil {
		return err
	}
	if err := s.rules.ReloadRules(configs); err != nil {
		return err
	}
	slog.Info("custom rules loaded", "count", s.rules.RulesCount())
	return nil
}

// ListRules returns the loaded rules ordered by id.
func (s *Service) ListRules() []*domain.RuleConfig {
	return s.rules.GetLoadedRules()
}

// SaveRule validates, persists and loads a rule. An invalid expression is
// rejected before anything is stored.
func (s *Service) SaveRule(ctx context.Context, rule *domain.RuleConfig) error {
	if err := s.rules.ValidateRule(rule); err != nil {
		return err
	}
	rule.UpdatedAt = s.now()

	if s.ruleRepo != nil {
		if err := s.ruleRepo.SaveRuleConfig(ctx, rule); err != nil {
			return err
		}
	}
	if err := s.rules.LoadRule(rule); err != nil {
		return err
	}

	slog.Info("custom rule saved", "rule_id", rule.ID, "enabled", rule.Enabled)
	return nil
}

// DeleteRule removes a rule from the store and the engine.
func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	if s.ruleRepo != nil {
		if err := s.ruleRepo.DeleteRuleConfig(ctx, ruleID); err != nil {
			return err
		}
	}
	s.rules.RemoveRule(ruleID)

	slog.Info("custom rule deleted", "rule_id", ruleID)
	return nil
}

// ReloadRules re-reads all rules from the store. The loaded set is only
// replaced when every rule compiles.
func (s *Service) ReloadRules(ctx context.Context) (int, time.Duration, error) {
	start := time.Now()
	if err := s.LoadRules(ctx); err != nil {
		return 0, time.Since(start), err
	}
	return s.rules.RulesCount(), time.Since(start), nil
}
