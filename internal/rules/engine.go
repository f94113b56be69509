// Package rules provides the CEL-Go based configurable fraud signal engine.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
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

	// Claim variables plus the derived fraud context
	env, err := cel.NewEnv(
		cel.Variable("claim", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("claim_type", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("policy_age_days", cel.IntType),
		cel.Variable("report_lag_days", cel.IntType),
		cel.Variable("open_claims", cel.IntType),
		cel.Variable("policy_average", cel.DoubleType),
		cel.Variable("policy_claims", cel.IntType),
		cel.Variable("document_count", cel.IntType),
		cel.Variable("validated_documents", cel.IntType),
		cel.Variable("duplicate_count", cel.IntType),
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
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateInput holds the claim and its fraud context.
type EvaluateInput struct {
	Claim   *domain.Claim
	Context *domain.FraudContext
}

// activation flattens the input into CEL variables.
func (in *EvaluateInput) activation() map[string]any {
	c := in.Claim
	fctx := in.Context
	if fctx == nil {
		fctx = &domain.FraudContext{Now: time.Now()}
	}

	validated := 0
	for _, d := range fctx.Documents {
		if d.Validated() {
			validated++
		}
	}

	return map[string]any{
		"claim": map[string]any{
			"id":          c.ID,
			"policy_id":   c.PolicyID,
			"customer_id": c.CustomerID,
			"type":        string(c.Type),
			"state":       string(c.State),
			"currency":    c.Currency,
			"amount":      c.EstimatedAmount,
			"fraud_score": c.FraudScore,
			"description": c.Description,
		},
		"amount":              c.EstimatedAmount,
		"claim_type":          string(c.Type),
		"priority":            string(c.Priority),
		"policy_age_days":     int64(days(c.IncidentDate.Sub(c.PolicyStartDate))),
		"report_lag_days":     int64(days(c.CreatedAt.Sub(c.IncidentDate))),
		"open_claims":         int64(fctx.OpenClaims),
		"policy_average":      fctx.PolicyAverage,
		"policy_claims":       int64(fctx.PolicyClaims),
		"document_count":      int64(len(fctx.Documents)),
		"validated_documents": int64(validated),
		"duplicate_count":     int64(len(fctx.Duplicates)),
	}
}

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}

// Evaluate runs a single loaded rule.
func (e *Engine) Evaluate(ctx context.Context, ruleID string, input *EvaluateInput) (domain.RuleResult, error) {
	e.mu.RLock()
	rule, ok := e.compiledRules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return domain.RuleResult{}, fmt.Errorf("rule %s: %w", ruleID, domain.ErrNotFound)
	}
	return e.evaluateRule(ctx, rule, input.activation(), input), nil
}

// EvaluateAll evaluates all loaded rules in parallel. Results are ordered by rule ID.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) ([]domain.RuleResult, error) {
	rules := e.sortedRules()
	if len(rules) == 0 {
		return nil, nil
	}

	activation := input.activation()

	// Parallel evaluation using worker pool pattern
	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(ctx, r, activation, input)
		}(i, rule)
	}

	wg.Wait()

	return results, nil
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any, input *EvaluateInput) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{
		RuleID:  rule.Config.ID,
		ClaimID: input.Claim.ID,
	}

	if err := ctx.Err(); err != nil {
		result.SubRuleRef = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation cancelled: %v", err)
		return result
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.SubRuleRef = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	signal := toSignal(out)
	result.Signal = signal

	// Determine outcome based on bands
	result.SubRuleRef, result.Reason = matchBand(signal, rule.Config.Bands)
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

// toSignal converts a CEL value to a numeric signal.
func toSignal(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the matching band for a signal.
// Bands are evaluated in order. Lower is inclusive, upper exclusive,
// and a nil upper means unbounded.
func matchBand(signal float64, bands []domain.RuleBand) (string, string) {
	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if signal < lower {
			continue
		}
		if band.UpperLimit == nil || signal < *band.UpperLimit {
			return band.SubRuleRef, band.Reason
		}
	}

	// Default to pass if no band matches
	return domain.RuleOutcomePass, "no matching band"
}

// Contribution converts a rule outcome into fraud score points.
func Contribution(result domain.RuleResult, maxScore float64) float64 {
	switch result.SubRuleRef {
	case domain.RuleOutcomeFail, domain.RuleOutcomeError:
		return maxScore
	case domain.RuleOutcomeReview:
		return maxScore / 2
	}
	return 0
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	rules := e.sortedRules()
	out := make([]*domain.RuleConfig, 0, len(rules))
	for _, compiled := range rules {
		out = append(out, compiled.Config)
	}
	return out
}

func (e *Engine) sortedRules() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })
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
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
