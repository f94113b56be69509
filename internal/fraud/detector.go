package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/rules"
)

// Detector aggregates rule outcomes into a fraud assessment.
type Detector struct {
	registry *Registry
	engine   *rules.Engine // optional CEL rules, evaluated after the registry
}

// NewDetector creates a detector over the registry and optional CEL engine.
func NewDetector(registry *Registry, engine *rules.Engine) *Detector {
	return &Detector{registry: registry, engine: engine}
}

// Rules returns the rules in evaluation order.
func (d *Detector) Rules() []Rule {
	out := d.registry.Rules()
	return append(out, CELRules(d.engine)...)
}

// DetectFraud evaluates every rule and aggregates the result.
// A rule that errors contributes its maximum score and a CRITICAL flag.
func (d *Detector) DetectFraud(ctx context.Context, claim *domain.Claim, fctx *domain.FraudContext) *domain.FraudAssessment {
	if fctx == nil {
		fctx = &domain.FraudContext{Now: time.Now()}
	}
	now := fctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	assessment := &domain.FraudAssessment{
		ClaimID:     claim.ID,
		EvaluatedAt: now.UTC(),
	}

	var total float64
	for _, rule := range d.Rules() {
		start := time.Now()
		out, err := safeEvaluate(ctx, rule, claim, fctx)

		outcome := domain.RuleOutcome{Code: rule.Code()}
		severity := domain.SeverityLow

		if err != nil {
			evalErr := &evaluationError{code: rule.Code(), err: err}
			slog.Warn("fraud rule failed, treating as maximally suspicious",
				"claim_id", claim.ID,
				"rule", rule.Code(),
				"error", evalErr,
			)
			outcome.Triggered = true
			outcome.Errored = true
			outcome.Score = rule.MaxScore()
			outcome.Message = evalErr.Error()
			severity = domain.SeverityCritical
		} else {
			outcome.Triggered = out.Triggered
			outcome.Score = math.Min(math.Max(out.Score, 0), rule.MaxScore())
			outcome.Message = out.Message
			severity = SeverityFor(outcome.Score)
		}
		outcome.ProcessMs = time.Since(start).Milliseconds()

		assessment.Outcomes = append(assessment.Outcomes, outcome)
		if !outcome.Triggered {
			continue
		}
		total += outcome.Score
		assessment.Flags = append(assessment.Flags, domain.FraudFlag{
			Code:     outcome.Code,
			Severity: severity,
			Message:  outcome.Message,
			Score:    outcome.Score,
			RaisedAt: assessment.EvaluatedAt,
		})
	}

	assessment.Score = math.Min(math.Max(total, 0), 100)
	assessment.Tier = TierFor(assessment.Score)
	assessment.Recommendation = RecommendationFor(assessment.Tier)
	return assessment
}

// safeEvaluate runs a rule, converting a panic into an error.
func safeEvaluate(ctx context.Context, rule Rule, claim *domain.Claim, fctx *domain.FraudContext) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return rule.Evaluate(ctx, claim, fctx)
}

type panicError struct{ value any }

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// TierFor buckets a score.
func TierFor(score float64) domain.RiskTier {
	switch {
	case score < 30:
		return domain.RiskLow
	case score < 60:
		return domain.RiskMedium
	case score < 80:
		return domain.RiskHigh
	}
	return domain.RiskCritical
}

// RecommendationFor maps a tier to handling advice.
func RecommendationFor(tier domain.RiskTier) domain.Recommendation {
	switch tier {
	case domain.RiskLow:
		return domain.RecommendApprove
	case domain.RiskMedium:
		return domain.RecommendReview
	case domain.RiskHigh:
		return domain.RecommendInvestigate
	}
	return domain.RecommendReject
}

// SeverityFor grades a flag by the rule's own contribution.
func SeverityFor(points float64) domain.Severity {
	switch {
	case points >= 25:
		return domain.SeverityCritical
	case points >= 15:
		return domain.SeverityHigh
	case points >= 8:
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}
