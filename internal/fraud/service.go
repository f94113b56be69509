package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/claimflow/internal/bus"
	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/lock"
)

var tracer = otel.Tracer("claimflow-fraud")

// ContextBuilder derives the fraud context for a claim.
type ContextBuilder interface {
	Build(ctx context.Context, claim *domain.Claim) (*domain.FraudContext, error)
}

// Config holds service settings.
type Config struct {
	LockTimeout time.Duration
	Now         domain.Clock
}

// Service runs assessments and manual flag reviews against stored claims.
// Every write happens under the claim's lock.
type Service struct {
	detector    *Detector
	claims      domain.ClaimStore
	builder     ContextBuilder
	locker      lock.Locker
	bus         domain.EventBus
	now         domain.Clock
	lockTimeout time.Duration
}

// NewService creates a fraud service.
func NewService(detector *Detector, claims domain.ClaimStore, builder ContextBuilder, locker lock.Locker, eventBus domain.EventBus, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		detector:    detector,
		claims:      claims,
		builder:     builder,
		locker:      locker,
		bus:         eventBus,
		now:         cfg.Now,
		lockTimeout: cfg.LockTimeout,
	}
}

// Detector returns the underlying detector.
func (s *Service) Detector() *Detector {
	return s.detector
}

// Assess scores a stored claim and records score, tier and flags on it.
// A flag whose code is already on the claim is kept as raised, not duplicated.
func (s *Service) Assess(ctx context.Context, claimID string) (*domain.FraudAssessment, error) {
	ctx, span := tracer.Start(ctx, "fraud.Assess",
		trace.WithAttributes(attribute.String("claim.id", claimID)),
	)
	defer span.End()

	unlock, err := lock.Claim(ctx, s.locker, claimID, s.lockTimeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	claim, err := s.claims.LoadClaim(ctx, claimID)
	if err != nil {
		unlock()
		return nil, err
	}

	fctx, err := s.builder.Build(ctx, claim)
	if err != nil {
		unlock()
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("build fraud context: %w", err)
	}
	fctx.Now = s.now()

	assessment := s.detector.DetectFraud(ctx, claim, fctx)
	raised := mergeFlags(claim, assessment.Flags)
	claim.FraudScore = assessment.Score
	claim.RiskTier = assessment.Tier

	err = s.claims.SaveClaim(ctx, claim)
	unlock()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("save assessment: %w", err)
	}

	span.SetAttributes(
		attribute.Float64("fraud.score", assessment.Score),
		attribute.String("fraud.tier", string(assessment.Tier)),
		attribute.Int("fraud.flags_raised", len(raised)),
	)

	slog.Info("fraud assessment recorded",
		"claim_id", claimID,
		"score", assessment.Score,
		"tier", assessment.Tier,
		"flags_raised", len(raised),
	)

	bus.Emit(ctx, s.bus, domain.TopicFraudScored, domain.ClaimEvent{
		ClaimID: claimID,
		Data: map[string]any{
			"score":          assessment.Score,
			"tier":           assessment.Tier,
			"recommendation": assessment.Recommendation,
		},
		OccurredAt: assessment.EvaluatedAt,
	})
	for _, f := range raised {
		s.emitFlag(ctx, claimID, f)
	}

	return assessment, nil
}

// ReviewFlag annotates a flag. The score is never recomputed.
func (s *Service) ReviewFlag(ctx context.Context, claimID, code string, review domain.FlagReview) (*domain.Claim, error) {
	if review.Reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", domain.ErrInvalidInput)
	}

	unlock, err := lock.Claim(ctx, s.locker, claimID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	claim, err := s.claims.LoadClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	flag, ok := claim.Flag(code)
	if !ok {
		return nil, fmt.Errorf("flag %s on claim %s: %w", code, claimID, domain.ErrNotFound)
	}

	now := s.now().UTC()
	flag.Reviewed = true
	flag.FalsePositive = review.FalsePositive
	flag.Resolution = review.Note
	flag.ReviewedBy = review.Reviewer
	flag.ReviewedAt = &now

	if err := s.claims.SaveClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("save flag review: %w", err)
	}

	slog.Info("fraud flag reviewed",
		"claim_id", claimID,
		"code", code,
		"reviewer", review.Reviewer,
		"false_positive", review.FalsePositive,
	)
	return claim, nil
}

// ClearFlag marks a flag reviewed as a false positive.
func (s *Service) ClearFlag(ctx context.Context, claimID, code, reviewer, note string) (*domain.Claim, error) {
	return s.ReviewFlag(ctx, claimID, code, domain.FlagReview{
		Reviewer:      reviewer,
		FalsePositive: true,
		Note:          note,
	})
}

// FlagDuplicate raises the duplicate flag without touching the score or
// state. It reports whether a new flag was raised.
func (s *Service) FlagDuplicate(ctx context.Context, claimID string, others []*domain.Claim) (bool, error) {
	if len(others) == 0 {
		return false, nil
	}

	unlock, err := lock.Claim(ctx, s.locker, claimID, s.lockTimeout)
	if err != nil {
		return false, err
	}

	claim, err := s.claims.LoadClaim(ctx, claimID)
	if err != nil {
		unlock()
		return false, err
	}

	rule := &DuplicateSignatureRule{}
	flag := domain.FraudFlag{
		Code:     rule.Code(),
		Severity: SeverityFor(rule.MaxScore()),
		Message:  "possible duplicate of open claims " + claimIDs(others),
		Score:    rule.MaxScore(),
		RaisedAt: s.now().UTC(),
	}
	raised := mergeFlags(claim, []domain.FraudFlag{flag})

	err = s.claims.SaveClaim(ctx, claim)
	unlock()
	if err != nil {
		return false, fmt.Errorf("save duplicate flag: %w", err)
	}

	for _, f := range raised {
		s.emitFlag(ctx, claimID, f)
	}
	return len(raised) > 0, nil
}

func (s *Service) emitFlag(ctx context.Context, claimID string, f domain.FraudFlag) {
	bus.Emit(ctx, s.bus, domain.TopicFraudFlagRaised, domain.ClaimEvent{
		ClaimID: claimID,
		Reason:  f.Message,
		Data: map[string]any{
			"code":     f.Code,
			"severity": f.Severity,
			"score":    f.Score,
		},
		OccurredAt: f.RaisedAt,
	})
}

// mergeFlags adds the flags whose code the claim does not carry yet and
// returns them. A flag already on the claim is left as raised; only a manual
// review changes it.
func mergeFlags(claim *domain.Claim, flags []domain.FraudFlag) []domain.FraudFlag {
	var raised []domain.FraudFlag
	for _, f := range flags {
		if _, ok := claim.Flag(f.Code); ok {
			continue
		}
		claim.FraudFlags = append(claim.FraudFlags, f)
		raised = append(raised, f)
	}
	return raised
}
