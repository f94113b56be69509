// Package fraud scores claims against an ordered registry of signal rules.
package fraud

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Outcome is what one rule reports for one claim.
type Outcome struct {
	Triggered bool
	Score     float64 // points contributed, at most the rule's MaxScore
	Message   string
}

// Rule is one independent fraud signal.
type Rule interface {
	Code() string
	MaxScore() float64
	Evaluate(ctx context.Context, claim *domain.Claim, fctx *domain.FraudContext) (Outcome, error)
}

// Registry keeps rules in registration order.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	codes map[string]bool
}

// NewRegistry creates a registry holding rules in the given order.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{codes: make(map[string]bool)}
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a rule. Codes must be unique.
func (r *Registry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule == nil || rule.Code() == "" {
		return fmt.Errorf("%w: rule code is required", domain.ErrInvalidInput)
	}
	if r.codes[rule.Code()] {
		return fmt.Errorf("%w: rule %s already registered", domain.ErrInvalidInput, rule.Code())
	}
	r.codes[rule.Code()] = true
	r.rules = append(r.rules, rule)
	return nil
}

// Rules returns the registered rules in order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// evaluationError records a rule that failed to evaluate.
// It is converted into a maximal-suspicion outcome and never returned.
type evaluationError struct {
	code string
	err  error
}

func (e *evaluationError) Error() string {
	return fmt.Sprintf("fraud rule %s failed: %v", e.code, e.err)
}

func (e *evaluationError) Unwrap() error { return e.err }
