package approval

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
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	var ev domain.ClaimEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
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
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestEngine(t *testing.T) (*Engine, *repository.MemoryRepository, *recordingBus, *clock) {
	t.Helper()
	repo := repository.NewMemory()
	rec := &recordingBus{}
	clk := &clock{t: testNow}
	e := New(repo, repo, lock.NewKeyedMutex(), rec, Config{
		EscalateAfter: 48 * time.Hour,
		LockTimeout:   time.Second,
		Now:           clk.now,
	})
	return e, repo, rec, clk
}

func seedClaim(t *testing.T, repo *repository.MemoryRepository, id string, amount float64) {
	t.Helper()
	c := &domain.Claim{
		ID:              id,
		PolicyID:        "pol-1",
		CustomerID:      "cust-1",
		Type:            domain.ClaimTypePropertyDamage,
		EstimatedAmount: amount,
		State:           domain.StateUnderReview,
		CreatedAt:       testNow.AddDate(0, 0, -3),
		UpdatedAt:       testNow.AddDate(0, 0, -3),
	}
	if err := repo.SaveClaim(context.Background(), c); err != nil {
		t.Fatalf("SaveClaim failed: %v", err)
	}
}

func decision(level domain.ApprovalLevel) domain.Decision {
	return domain.Decision{ApproverID: "user-" + level.String(), Level: level}
}

func TestRequiredLevels(t *testing.T) {
	tests := []struct {
		amount float64
		want   int
	}{
		{0, 1},
		{999.99, 1},
		{1000, 2},
		{4999.99, 2},
		{5000, 3},
		{12000, 3},
		{19999.99, 3},
		{20000, 4},
		{1e6, 4},
	}
	for _, tt := range tests {
		levels := RequiredLevels(tt.amount)
		if len(levels) != tt.want {
			t.Errorf("amount %.2f: expected %d levels, got %d", tt.amount, tt.want, len(levels))
		}
		for i, l := range levels {
			if l != domain.ApprovalLevel(i+1) {
				t.Errorf("amount %.2f: expected level %d at %d, got %s", tt.amount, i+1, i, l)
			}
		}
	}
}

func TestPartialApprovalIsNotFull(t *testing.T) {
	e, repo, rec, _ := newTestEngine(t)
	ctx := context.Background()
	seedClaim(t, repo, "clm-12k", 12000)

	req, err := e.RequestApproval(ctx, "clm-12k")
	if err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if len(req.Approvers) != 3 || req.TopLevel() != domain.LevelManager {
		t.Fatalf("expected ADJUSTER, SUPERVISOR, MANAGER, got %+v", req.Approvers)
	}

	for _, l := range []domain.ApprovalLevel{domain.LevelAdjuster, domain.LevelSupervisor} {
		if _, err := e.Approve(ctx, req.ID, decision(l)); err != nil {
			t.Fatalf("Approve %s failed: %v", l, err)
		}
	}

	claim, _ := repo.LoadClaim(ctx, "clm-12k")
	ok, err := e.IsFullyApproved(ctx, claim)
	if err != nil {
		t.Fatalf("IsFullyApproved failed: %v", err)
	}
	if ok {
		t.Error("expected isFullyApproved=false with the manager outstanding")
	}
	if rec.count(domain.TopicApprovalResolved) != 0 {
		t.Errorf("expected no resolution event, got %d", rec.count(domain.TopicApprovalResolved))
	}

	got, err := e.Approve(ctx, req.ID, decision(domain.LevelManager))
	if err != nil {
		t.Fatalf("Approve manager failed: %v", err)
	}
	if got.Status != domain.ApprovalFullyApproved {
		t.Errorf("expected fully_approved, got %s", got.Status)
	}
	claim, _ = repo.LoadClaim(ctx, "clm-12k")
	if ok, _ := e.IsFullyApproved(ctx, claim); !ok {
		t.Error("expected isFullyApproved=true")
	}
	if len(claim.Approvers) != 3 || claim.Approvers[2].Decision != domain.DecisionApproved {
		t.Errorf("expected approvers mirrored on the claim, got %+v", claim.Approvers)
	}
	if rec.count(domain.TopicApprovalResolved) != 1 {
		t.Errorf("expected 1 resolution event, got %d", rec.count(domain.TopicApprovalResolved))
	}
}

func TestRequestApproval(t *testing.T) {
	ctx := context.Background()

	t.Run("Idempotent", func(t *testing.T) {
		e, repo, _, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-1", 400)

		first, err := e.RequestApproval(ctx, "clm-1")
		if err != nil {
			t.Fatalf("RequestApproval failed: %v", err)
		}
		second, err := e.RequestApproval(ctx, "clm-1")
		if err != nil {
			t.Fatalf("RequestApproval failed: %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("expected same request, got %s and %s", first.ID, second.ID)
		}
		if first.Cycle != 1 {
			t.Errorf("expected cycle 1, got %d", first.Cycle)
		}
	})

	t.Run("RejectionIsFinalForTheCycle", func(t *testing.T) {
		e, repo, _, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-2", 400)

		first, _ := e.RequestApproval(ctx, "clm-2")
		if _, err := e.Reject(ctx, first.ID, decision(domain.LevelAdjuster)); err != nil {
			t.Fatalf("Reject failed: %v", err)
		}
		second, err := e.RequestApproval(ctx, "clm-2")
		if err != nil {
			t.Fatalf("RequestApproval failed: %v", err)
		}
		if second.ID != first.ID || second.Status != domain.ApprovalRejected {
			t.Errorf("expected the rejected request %s, got %s (%s)", first.ID, second.ID, second.Status)
		}

		// A later approval cannot override the rejection.
		if _, err := e.Approve(ctx, second.ID, decision(domain.LevelAdjuster)); err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
		claim, _ := repo.LoadClaim(ctx, "clm-2")
		if ok, _ := e.IsFullyApproved(ctx, claim); ok {
			t.Error("expected a rejected cycle never to count as approved")
		}
		if claim.ApprovalCycle != 1 {
			t.Errorf("expected claim cycle 1, got %d", claim.ApprovalCycle)
		}
	})

	t.Run("ReopenedCycle", func(t *testing.T) {
		e, repo, _, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-3", 400)

		first, _ := e.RequestApproval(ctx, "clm-3")
		if _, err := e.Approve(ctx, first.ID, decision(domain.LevelAdjuster)); err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
		claim, _ := repo.LoadClaim(ctx, "clm-3")
		claim.ApprovalCycle = 2
		if err := repo.SaveClaim(ctx, claim); err != nil {
			t.Fatalf("SaveClaim failed: %v", err)
		}
		if ok, _ := e.IsFullyApproved(ctx, claim); ok {
			t.Error("expected an approval of an earlier cycle not to count")
		}

		second, err := e.RequestApproval(ctx, "clm-3")
		if err != nil {
			t.Fatalf("RequestApproval failed: %v", err)
		}
		if second.Cycle != 2 {
			t.Errorf("expected cycle 2, got %d", second.Cycle)
		}
	})

	t.Run("WrongState", func(t *testing.T) {
		e, repo, _, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-4", 400)
		claim, _ := repo.LoadClaim(ctx, "clm-4")
		claim.State = domain.StateDraft
		_ = repo.SaveClaim(ctx, claim)

		if _, err := e.RequestApproval(ctx, "clm-4"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestDecisions(t *testing.T) {
	ctx := context.Background()

	t.Run("RejectionFailsFast", func(t *testing.T) {
		e, repo, rec, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-1", 7000)
		req, _ := e.RequestApproval(ctx, "clm-1")

		got, err := e.Reject(ctx, req.ID, decision(domain.LevelSupervisor))
		if err != nil {
			t.Fatalf("Reject failed: %v", err)
		}
		if got.Status != domain.ApprovalRejected || got.ResolvedAt == nil {
			t.Errorf("expected rejected with resolvedAt, got %s", got.Status)
		}
		if rec.count(domain.TopicApprovalResolved) != 1 {
			t.Errorf("expected 1 resolution event, got %d", rec.count(domain.TopicApprovalResolved))
		}
	})

	t.Run("ResolvedRequestIsNoOp", func(t *testing.T) {
		e, repo, rec, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-2", 400)
		req, _ := e.RequestApproval(ctx, "clm-2")
		if _, err := e.Reject(ctx, req.ID, decision(domain.LevelAdjuster)); err != nil {
			t.Fatalf("Reject failed: %v", err)
		}

		got, err := e.Approve(ctx, req.ID, decision(domain.LevelAdjuster))
		if err != nil {
			t.Fatalf("expected no error on resolved request, got %v", err)
		}
		if !got.Resolved() || got.Status != domain.ApprovalRejected {
			t.Errorf("expected the rejected request back, got %s", got.Status)
		}
		if got.Approvers[0].Decision != domain.DecisionRejected {
			t.Errorf("expected slot to keep rejection, got %s", got.Approvers[0].Decision)
		}
		if rec.count(domain.TopicApprovalResolved) != 1 {
			t.Errorf("expected 1 resolution event, got %d", rec.count(domain.TopicApprovalResolved))
		}
	})

	t.Run("LastDecisionWinsPerSlot", func(t *testing.T) {
		e, repo, _, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-3", 2000)
		req, _ := e.RequestApproval(ctx, "clm-3")

		d := decision(domain.LevelAdjuster)
		d.Notes = "first"
		_, _ = e.Approve(ctx, req.ID, d)
		d.Notes = "second"
		got, err := e.Approve(ctx, req.ID, d)
		if err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
		slot, _ := got.Slot(domain.LevelAdjuster)
		if slot.Notes != "second" {
			t.Errorf("expected notes %q, got %q", "second", slot.Notes)
		}
		if got.Status != domain.ApprovalPending {
			t.Errorf("expected pending, got %s", got.Status)
		}
	})

	t.Run("LevelNotRequired", func(t *testing.T) {
		e, repo, _, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-4", 400)
		req, _ := e.RequestApproval(ctx, "clm-4")

		_, err := e.Approve(ctx, req.ID, decision(domain.LevelDirector))
		if !errors.Is(err, domain.ErrNotRequiredApprover) {
			t.Errorf("expected ErrNotRequiredApprover, got %v", err)
		}
	})

	t.Run("UnknownRequest", func(t *testing.T) {
		e, _, _, _ := newTestEngine(t)
		_, err := e.Approve(ctx, "missing", decision(domain.LevelAdjuster))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestEscalation(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldEscalate", func(t *testing.T) {
		e, _, _, _ := newTestEngine(t)
		req := &domain.ApprovalRequest{
			Status:     domain.ApprovalPending,
			Approvers:  []domain.Approver{{Level: domain.LevelAdjuster}},
			LevelSince: testNow,
		}
		if e.ShouldEscalate(req, testNow.Add(47*time.Hour)) {
			t.Error("expected no escalation before the threshold")
		}
		if !e.ShouldEscalate(req, testNow.Add(49*time.Hour)) {
			t.Error("expected escalation after the threshold")
		}
		req.Approvers = append(req.Approvers, domain.Approver{Level: domain.LevelDirector})
		if e.ShouldEscalate(req, testNow.Add(100*time.Hour)) {
			t.Error("expected no escalation at DIRECTOR")
		}
	})

	t.Run("EscalateOverdue", func(t *testing.T) {
		e, repo, rec, clk := newTestEngine(t)
		seedClaim(t, repo, "clm-1", 400)
		seedClaim(t, repo, "clm-2", 400)
		req, _ := e.RequestApproval(ctx, "clm-1")

		clk.t = testNow.Add(24 * time.Hour)
		if _, err := e.RequestApproval(ctx, "clm-2"); err != nil {
			t.Fatalf("RequestApproval failed: %v", err)
		}

		clk.t = testNow.Add(50 * time.Hour)
		n, err := e.EscalateOverdue(ctx)
		if err != nil {
			t.Fatalf("EscalateOverdue failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 escalation, got %d", n)
		}

		got, _ := repo.GetApprovalRequest(ctx, req.ID)
		if got.Status != domain.ApprovalEscalated || got.TopLevel() != domain.LevelSupervisor {
			t.Errorf("expected escalated to SUPERVISOR, got %s at %s", got.Status, got.TopLevel())
		}
		if !got.LevelSince.Equal(clk.t.UTC()) {
			t.Errorf("expected levelSince reset, got %v", got.LevelSince)
		}
		if rec.count(domain.TopicAttentionRequired) != 1 {
			t.Errorf("expected 1 attention event, got %d", rec.count(domain.TopicAttentionRequired))
		}

		// Escalated requests are still open and need the added level.
		if _, err := e.Approve(ctx, req.ID, decision(domain.LevelAdjuster)); err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
		got, _ = repo.GetApprovalRequest(ctx, req.ID)
		if got.Resolved() {
			t.Error("expected request to stay open until the supervisor decides")
		}
		got, err = e.Approve(ctx, req.ID, decision(domain.LevelSupervisor))
		if err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
		if got.Status != domain.ApprovalFullyApproved {
			t.Errorf("expected fully_approved, got %s", got.Status)
		}
	})

	t.Run("NoOpAtDirector", func(t *testing.T) {
		e, repo, _, _ := newTestEngine(t)
		seedClaim(t, repo, "clm-3", 25000)
		req, _ := e.RequestApproval(ctx, "clm-3")

		got, err := e.Escalate(ctx, req.ID)
		if err != nil {
			t.Fatalf("Escalate failed: %v", err)
		}
		if got.Escalations != 0 || len(got.Approvers) != 4 {
			t.Errorf("expected no change, got %d escalations and %d approvers", got.Escalations, len(got.Approvers))
		}
	})
}
