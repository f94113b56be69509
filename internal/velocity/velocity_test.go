package velocity

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/repository"
)

func saveClaim(t *testing.T, repo domain.Repository, c *domain.Claim) {
	t.Helper()
	if err := repo.SaveClaim(context.Background(), c); err != nil {
		t.Fatalf("SaveClaim failed: %v", err)
	}
}

func claimFixture(id, customer, policy string, amount float64, incident time.Time, state domain.ClaimState) *domain.Claim {
	return &domain.Claim{
		ID:              id,
		CustomerID:      customer,
		PolicyID:        policy,
		Type:            domain.ClaimTypeTheft,
		Currency:        "USD",
		EstimatedAmount: amount,
		State:           state,
		IncidentDate:    incident,
		CreatedAt:       incident,
		UpdatedAt:       incident,
	}
}

func TestVelocityService(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	incident := now.AddDate(0, 0, -3)

	svc := NewService(repo, Config{DuplicateWindowDays: 7, DuplicateAmountTolerance: 0.1}, func() time.Time { return now })

	target := claimFixture("clm-target", "cust-1", "pol-1", 5000, incident, domain.StateUnderReview)
	saveClaim(t, repo, target)

	t.Run("EmptyHistory", func(t *testing.T) {
		fctx, err := svc.Build(ctx, target)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fctx.OpenClaims != 0 {
			t.Errorf("expected 0 open claims, got %d", fctx.OpenClaims)
		}
		if fctx.PolicyClaims != 0 || fctx.PolicyAverage != 0 {
			t.Errorf("expected no policy history, got %d claims avg %.2f", fctx.PolicyClaims, fctx.PolicyAverage)
		}
		if !fctx.Now.Equal(now) {
			t.Errorf("expected now %v, got %v", now, fctx.Now)
		}
	})

	t.Run("WithHistory", func(t *testing.T) {
		saveClaim(t, repo, claimFixture("clm-old-1", "cust-1", "pol-1", 1000, incident.AddDate(-1, 0, 0), domain.StateClosed))
		saveClaim(t, repo, claimFixture("clm-old-2", "cust-1", "pol-1", 3000, incident.AddDate(0, -6, 0), domain.StateUnderReview))
		saveClaim(t, repo, claimFixture("clm-other", "cust-1", "pol-9", 200, incident.AddDate(0, -2, 0), domain.StateSubmitted))

		fctx, err := svc.Build(ctx, target)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fctx.OpenClaims != 2 {
			t.Errorf("expected 2 open claims, got %d", fctx.OpenClaims)
		}
		if fctx.PolicyClaims != 2 {
			t.Errorf("expected 2 policy claims, got %d", fctx.PolicyClaims)
		}
		if fctx.PolicyAverage != 2000 {
			t.Errorf("expected policy average 2000, got %.2f", fctx.PolicyAverage)
		}
		if len(fctx.Duplicates) != 0 {
			t.Errorf("expected no duplicates, got %d", len(fctx.Duplicates))
		}
	})

	t.Run("DuplicateAcrossCustomersOnPolicy", func(t *testing.T) {
		dup := claimFixture("clm-dup", "cust-2", "pol-1", 5200, incident.AddDate(0, 0, 2), domain.StateSubmitted)
		saveClaim(t, repo, dup)

		dups, err := svc.FindDuplicates(ctx, target)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(dups) != 1 || dups[0].ID != "clm-dup" {
			t.Fatalf("expected clm-dup as duplicate, got %d", len(dups))
		}
	})

	t.Run("OutsideWindowIsNotDuplicate", func(t *testing.T) {
		far := claimFixture("clm-far", "cust-3", "pol-1", 5000, incident.AddDate(0, 0, 30), domain.StateSubmitted)
		saveClaim(t, repo, far)
		dups, err := svc.FindDuplicates(ctx, target)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, d := range dups {
			if d.ID == "clm-far" {
				t.Error("expected claim outside the incident window to be ignored")
			}
		}
	})

	t.Run("RequiresClaim", func(t *testing.T) {
		if _, err := svc.Build(ctx, nil); err == nil {
			t.Error("expected error for nil claim")
		}
	})
}

func TestAmountsClose(t *testing.T) {
	tests := []struct {
		a, b, tol float64
		expected  bool
	}{
		{1000, 1050, 0.1, true},
		{1000, 1200, 0.1, false},
		{0, 0, 0, true},
		{500, 500, 0, true},
	}
	for _, tt := range tests {
		if got := AmountsClose(tt.a, tt.b, tt.tol); got != tt.expected {
			t.Errorf("AmountsClose(%.0f, %.0f, %.2f) = %v, want %v", tt.a, tt.b, tt.tol, got, tt.expected)
		}
	}
}
