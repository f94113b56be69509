// Package velocity builds the claim history context used by fraud rules
// and duplicate detection.
package velocity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Store is the slice of the repository the service reads from.
type Store interface {
	ListClaimsByCustomer(ctx context.Context, customerID string) ([]*domain.Claim, error)
	ListClaimsByPolicy(ctx context.Context, policyID string) ([]*domain.Claim, error)
	ListDocuments(ctx context.Context, claimID string) ([]*domain.ClaimDocument, error)
}

// Config bounds duplicate matching.
type Config struct {
	DuplicateWindowDays      int
	DuplicateAmountTolerance float64
}

// Service derives per-claim fraud context from stored claims.
type Service struct {
	store Store
	cfg   Config
	now   domain.Clock
}

// NewService creates a new velocity service.
func NewService(store Store, cfg Config, now domain.Clock) *Service {
	if now == nil {
		now = time.Now
	}
	if cfg.DuplicateWindowDays <= 0 {
		cfg.DuplicateWindowDays = 7
	}
	if cfg.DuplicateAmountTolerance < 0 {
		cfg.DuplicateAmountTolerance = 0
	}
	return &Service{store: store, cfg: cfg, now: now}
}

// Build assembles the fraud context for a claim.
func (s *Service) Build(ctx context.Context, claim *domain.Claim) (*domain.FraudContext, error) {
	if claim == nil || claim.ID == "" {
		return nil, fmt.Errorf("%w: claim is required", domain.ErrInvalidInput)
	}

	byCustomer, err := s.store.ListClaimsByCustomer(ctx, claim.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer claims: %w", err)
	}
	byPolicy, err := s.store.ListClaimsByPolicy(ctx, claim.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy claims: %w", err)
	}
	docs, err := s.store.ListDocuments(ctx, claim.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	fctx := &domain.FraudContext{
		Now:       s.now(),
		Documents: docs,
	}

	for _, other := range byCustomer {
		if other.ID != claim.ID && other.State.Open() {
			fctx.OpenClaims++
		}
	}

	var total float64
	for _, other := range byPolicy {
		if other.ID == claim.ID {
			continue
		}
		total += other.EstimatedAmount
		fctx.PolicyClaims++
	}
	if fctx.PolicyClaims > 0 {
		fctx.PolicyAverage = total / float64(fctx.PolicyClaims)
	}

	fctx.Duplicates = s.matchDuplicates(claim, byCustomer, byPolicy)
	return fctx, nil
}

// FindDuplicates returns other open claims from the same customer or on the
// same policy whose incident date and amount fall inside the configured windows.
func (s *Service) FindDuplicates(ctx context.Context, claim *domain.Claim) ([]*domain.Claim, error) {
	byCustomer, err := s.store.ListClaimsByCustomer(ctx, claim.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer claims: %w", err)
	}
	byPolicy, err := s.store.ListClaimsByPolicy(ctx, claim.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy claims: %w", err)
	}
	return s.matchDuplicates(claim, byCustomer, byPolicy), nil
}

func (s *Service) matchDuplicates(claim *domain.Claim, lists ...[]*domain.Claim) []*domain.Claim {
	seen := map[string]bool{claim.ID: true}
	var out []*domain.Claim
	for _, list := range lists {
		for _, other := range list {
			if seen[other.ID] {
				continue
			}
			seen[other.ID] = true
			if s.collides(claim, other) {
				out = append(out, other)
			}
		}
	}
	return out
}

func (s *Service) collides(a, b *domain.Claim) bool {
	if !b.State.Open() {
		return false
	}
	window := time.Duration(s.cfg.DuplicateWindowDays) * 24 * time.Hour
	gap := a.IncidentDate.Sub(b.IncidentDate)
	if gap < 0 {
		gap = -gap
	}
	if gap > window {
		return false
	}
	return AmountsClose(a.EstimatedAmount, b.EstimatedAmount, s.cfg.DuplicateAmountTolerance)
}

// AmountsClose reports whether a and b differ by at most tolerance of the larger.
func AmountsClose(a, b, tolerance float64) bool {
	larger := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= larger*tolerance
}
