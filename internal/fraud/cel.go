package fraud

import (
	"context"
	"errors"

	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/rules"
)

// CELRule adapts a loaded CEL rule to the Rule interface.
type CELRule struct {
	engine *rules.Engine
	config *domain.RuleConfig
}

// CELRules wraps every rule currently loaded in the engine.
func CELRules(engine *rules.Engine) []Rule {
	if engine == nil {
		return nil
	}
	loaded := engine.GetLoadedRules()
	out := make([]Rule, 0, len(loaded))
	for _, cfg := range loaded {
		out = append(out, &CELRule{engine: engine, config: cfg})
	}
	return out
}

func (r *CELRule) Code() string      { return r.config.ID }
func (r *CELRule) MaxScore() float64 { return r.config.MaxScore }

func (r *CELRule) Evaluate(ctx context.Context, c *domain.Claim, fctx *domain.FraudContext) (Outcome, error) {
	res, err := r.engine.Evaluate(ctx, r.config.ID, &rules.EvaluateInput{Claim: c, Context: fctx})
	if err != nil {
		return Outcome{}, err
	}
	if res.SubRuleRef == domain.RuleOutcomeError {
		return Outcome{}, errors.New(res.Reason)
	}
	score := rules.Contribution(res, r.config.MaxScore)
	return Outcome{
		Triggered: score > 0,
		Score:     score,
		Message:   res.Reason,
	}, nil
}
