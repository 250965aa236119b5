// Package rules provides the CEL-Go based custom rule engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/sentinel/internal/detect"
	"github.com/opensource-finance/sentinel/internal/domain"
)

// Engine evaluates operator-defined CEL rules next to the built-in detectors.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("country", cel.StringType),
		cel.Variable("city", cel.StringType),
		// Baseline-derived features
		cel.Variable("z_score", cel.DoubleType),
		cel.Variable("has_baseline", cel.BoolType),
		cel.Variable("pattern_count", cel.IntType),
		cel.Variable("average_amount", cel.DoubleType),
		cel.Variable("std_dev_amount", cel.DoubleType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("known_location", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine. Disabled rules are
// unloaded.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !cfg.Enabled {
		delete(e.compiledRules, cfg.ID)
		return nil
	}

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.compiledRules[cfg.ID] = compiled
	return nil
}

// RemoveRule unloads a rule. Removing an unknown rule is a no-op.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiledRules, ruleID)
}

// ReloadRules replaces all loaded rules. On any compile error the previous
// rule set stays in place.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule)

	e.mu.RLock()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := cfg.Validate(); err != nil {
			e.mu.RUnlock()
			return err
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			e.mu.RUnlock()
			return err
		}
		newRules[cfg.ID] = compiled
	}
	e.mu.RUnlock()

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// Input is the transaction and its derived features.
type Input struct {
	Tx       *domain.Transaction
	Features detect.Features
}

// EvaluateAll evaluates all loaded rules in parallel and returns their
// outcomes ordered by rule id.
func (e *Engine) EvaluateAll(ctx context.Context, input *Input) []domain.DetectorOutcome {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	activation := buildActivation(input)

	results := make([]domain.DetectorOutcome, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(ctx, r, activation)
		}(i, rule)
	}

	wg.Wait()

	return results
}

func buildActivation(input *Input) map[string]any {
	tx, f := input.Tx, input.Features

	country, city := "", ""
	if tx.Location != nil {
		country, city = tx.Location.Country, tx.Location.City
	}

	txMap := map[string]any{
		"id":          tx.ID,
		"amount":      f.Amount,
		"currency":    tx.Currency,
		"category":    strings.ToLower(tx.Category),
		"customer_id": tx.CustomerID,
		"country":     country,
		"city":        city,
	}
	if tx.Metadata != nil {
		txMap["metadata"] = tx.Metadata
	}

	return map[string]any{
		"tx":             txMap,
		"amount":         f.Amount,
		"currency":       tx.Currency,
		"category":       strings.ToLower(tx.Category),
		"customer_id":    tx.CustomerID,
		"hour":           int64(f.Hour),
		"country":        country,
		"city":           city,
		"z_score":        f.ZScore,
		"has_baseline":   f.HasBaseline,
		"pattern_count":  f.PatternCount,
		"average_amount": f.AverageAmount,
		"std_dev_amount": f.StdDevAmount,
		"velocity_count": int64(f.VelocityCount),
		"known_location": f.KnownLocation,
	}
}

// evaluateRule evaluates a single rule. Errors make the rule abstain.
func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) domain.DetectorOutcome {
	out := domain.DetectorOutcome{
		Tag:    domain.CustomRuleTag(rule.Config.ID),
		Method: "cel:" + rule.Config.ID,
	}

	val, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		slog.Debug("rule evaluation failed", "rule_id", rule.Config.ID, "error", err)
		return out
	}

	score := toScore(val)
	if !(score > 0) {
		return out
	}

	out.Fired = true
	out.Weight = math.Min(rule.Config.Weight*math.Min(score, 1), domain.MaxRuleWeight)
	out.Reason = rule.Config.Name
	if rule.Config.Description != "" {
		out.Reason = rule.Config.Name + ": " + rule.Config.Description
	}
	return out
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0.0
		}
		return f
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations ordered by id.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidRule, cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s", domain.ErrInvalidRule, cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create program for rule %s: %v", domain.ErrInvalidRule, cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
