package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/lock"
	"github.com/opensource-finance/claimflow/internal/repository"
	"github.com/opensource-finance/claimflow/internal/velocity"
)

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events map[string][]domain.ClaimEvent
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[string][]domain.ClaimEvent)}
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	var ev domain.ClaimEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[topic] = append(b.events[topic], ev)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[topic])
}

func newTestService(t *testing.T) (*Service, *repository.MemoryRepository, *recordingBus) {
	t.Helper()
	repo := repository.NewMemory()
	cfg := domain.DefaultConfig()
	registry, err := NewRegistry(BuiltinRules(cfg.Fraud, cfg.Automation.RequiredDocuments)...)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	clock := func() time.Time { return testNow }
	builder := velocity.NewService(repo, velocity.Config{DuplicateWindowDays: 7, DuplicateAmountTolerance: 0.1}, clock)
	rec := newRecordingBus()
	svc := NewService(NewDetector(registry, nil), repo, builder, lock.NewKeyedMutex(), rec, Config{Now: clock})
	return svc, repo, rec
}

func TestAssess(t *testing.T) {
	svc, repo, rec := newTestService(t)
	ctx := context.Background()

	c := testClaim()
	c.PolicyStartDate = c.IncidentDate.AddDate(0, 0, -3)
	if err := repo.SaveClaim(ctx, c); err != nil {
		t.Fatalf("SaveClaim failed: %v", err)
	}

	t.Run("RecordsScoreAndFlags", func(t *testing.T) {
		a, err := svc.Assess(ctx, c.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		// early policy (20) + missing police report (20)
		if a.Score != 40 {
			t.Errorf("expected score 40, got %.0f", a.Score)
		}

		stored, _ := repo.LoadClaim(ctx, c.ID)
		if stored.FraudScore != 40 || stored.RiskTier != domain.RiskMedium {
			t.Errorf("expected stored 40/MEDIUM, got %.0f/%s", stored.FraudScore, stored.RiskTier)
		}
		if len(stored.FraudFlags) != 2 {
			t.Errorf("expected 2 flags, got %d", len(stored.FraudFlags))
		}
		if rec.count(domain.TopicFraudScored) != 1 {
			t.Errorf("expected 1 fraud.scored event, got %d", rec.count(domain.TopicFraudScored))
		}
		if rec.count(domain.TopicFraudFlagRaised) != 2 {
			t.Errorf("expected 2 flag_raised events, got %d", rec.count(domain.TopicFraudFlagRaised))
		}
	})

	t.Run("ReassessDoesNotDuplicateFlags", func(t *testing.T) {
		if _, err := svc.Assess(ctx, c.ID); err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		stored, _ := repo.LoadClaim(ctx, c.ID)
		if len(stored.FraudFlags) != 2 {
			t.Errorf("expected 2 flags after reassessment, got %d", len(stored.FraudFlags))
		}
		if rec.count(domain.TopicFraudFlagRaised) != 2 {
			t.Errorf("expected no new flag_raised events, got %d", rec.count(domain.TopicFraudFlagRaised))
		}
	})

	t.Run("UnknownClaim", func(t *testing.T) {
		if _, err := svc.Assess(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestReviewAndClearFlag(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	c := testClaim()
	c.FraudScore = 45
	c.FraudFlags = []domain.FraudFlag{
		{Code: CodeAmountOutlier, Severity: domain.SeverityCritical, Score: 25, RaisedAt: testNow},
		{Code: CodeDocumentationGaps, Severity: domain.SeverityHigh, Score: 20, RaisedAt: testNow},
	}
	repo.SaveClaim(ctx, c)

	t.Run("Review", func(t *testing.T) {
		got, err := svc.ReviewFlag(ctx, c.ID, CodeAmountOutlier, domain.FlagReview{Reviewer: "inv-1", Note: "confirmed with broker"})
		if err != nil {
			t.Fatalf("ReviewFlag failed: %v", err)
		}
		f, _ := got.Flag(CodeAmountOutlier)
		if !f.Reviewed || f.FalsePositive || f.ReviewedBy != "inv-1" || f.ReviewedAt == nil {
			t.Errorf("expected reviewed flag by inv-1, got %+v", f)
		}
		if got.FraudScore != 45 {
			t.Errorf("expected score unchanged at 45, got %.0f", got.FraudScore)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		got, err := svc.ClearFlag(ctx, c.ID, CodeDocumentationGaps, "inv-2", "documents arrived by post")
		if err != nil {
			t.Fatalf("ClearFlag failed: %v", err)
		}
		f, _ := got.Flag(CodeDocumentationGaps)
		if !f.FalsePositive || f.Resolution != "documents arrived by post" {
			t.Errorf("expected false positive with note, got %+v", f)
		}
		if len(got.UnresolvedFlags(domain.SeverityLow)) != 0 {
			t.Error("expected no unresolved flags")
		}
	})

	t.Run("UnknownFlag", func(t *testing.T) {
		_, err := svc.ReviewFlag(ctx, c.ID, "NOPE", domain.FlagReview{Reviewer: "inv-1"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ReviewerRequired", func(t *testing.T) {
		_, err := svc.ReviewFlag(ctx, c.ID, CodeAmountOutlier, domain.FlagReview{})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestFlagDuplicate(t *testing.T) {
	svc, repo, rec := newTestService(t)
	ctx := context.Background()

	c := testClaim()
	repo.SaveClaim(ctx, c)
	other := &domain.Claim{ID: "clm-002"}

	raised, err := svc.FlagDuplicate(ctx, c.ID, []*domain.Claim{other})
	if err != nil {
		t.Fatalf("FlagDuplicate failed: %v", err)
	}
	if !raised {
		t.Error("expected a new flag")
	}

	first, _ := repo.LoadClaim(ctx, c.ID)
	original := first.FraudFlags[0]

	raised, _ = svc.FlagDuplicate(ctx, c.ID, []*domain.Claim{{ID: "clm-003"}})
	if raised {
		t.Error("expected the existing flag to be kept, not raised again")
	}

	stored, _ := repo.LoadClaim(ctx, c.ID)
	if len(stored.FraudFlags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(stored.FraudFlags))
	}
	if got := stored.FraudFlags[0]; got.Message != original.Message || !got.RaisedAt.Equal(original.RaisedAt) {
		t.Errorf("expected flag unchanged as %q, got %q", original.Message, got.Message)
	}
	if stored.State != domain.StateUnderReview {
		t.Errorf("expected state unchanged, got %s", stored.State)
	}
	if stored.FraudScore != 0 {
		t.Errorf("expected score unchanged, got %.0f", stored.FraudScore)
	}
	if rec.count(domain.TopicFraudFlagRaised) != 1 {
		t.Errorf("expected 1 flag_raised event, got %d", rec.count(domain.TopicFraudFlagRaised))
	}
}
