// Package approval routes claims to the approvers their amount requires.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/claimflow/internal/bus"
	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/lock"
)

var tracer = otel.Tracer("claimflow-approval")

// Amount thresholds at which another approver level is required.
const (
	SupervisorThreshold = 1000.0
	ManagerThreshold    = 5000.0
	DirectorThreshold   = 20000.0
)

// RequiredLevels returns the cumulative approver levels for amount.
func RequiredLevels(amount float64) []domain.ApprovalLevel {
	levels := []domain.ApprovalLevel{domain.LevelAdjuster}
	if amount >= SupervisorThreshold {
		levels = append(levels, domain.LevelSupervisor)
	}
	if amount >= ManagerThreshold {
		levels = append(levels, domain.LevelManager)
	}
	if amount >= DirectorThreshold {
		levels = append(levels, domain.LevelDirector)
	}
	return levels
}

// Config holds approval engine settings.
type Config struct {
	EscalateAfter time.Duration
	LockTimeout   time.Duration
	Now           domain.Clock
}

// Engine creates approval cycles and records decisions.
type Engine struct {
	claims    domain.ClaimStore
	approvals domain.ApprovalStore
	locker    lock.Locker
	bus       domain.EventBus
	cfg       Config
}

// New creates an approval engine.
func New(claims domain.ClaimStore, approvals domain.ApprovalStore, locker lock.Locker, eventBus domain.EventBus, cfg Config) *Engine {
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 48 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		claims:    claims,
		approvals: approvals,
		locker:    locker,
		bus:       eventBus,
		cfg:       cfg,
	}
}

// RequestApproval returns the current cycle's request, creating one when the
// claim's cycle has none yet. A rejected cycle stays rejected; only Reopen
// advances the claim to a fresh cycle.
func (e *Engine) RequestApproval(ctx context.Context, claimID string) (*domain.ApprovalRequest, error) {
	ctx, span := tracer.Start(ctx, "approval.RequestApproval",
		trace.WithAttributes(attribute.String("claim.id", claimID)),
	)
	defer span.End()

	unlock, err := lock.Claim(ctx, e.locker, claimID, e.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	claim, err := e.claims.LoadClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.State != domain.StateUnderReview && claim.State != domain.StateInvestigating {
		return nil, fmt.Errorf("%w: approval cannot be requested for a claim in %s", domain.ErrInvalidInput, claim.State)
	}

	latest, err := e.approvals.LatestApprovalRequest(ctx, claimID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load approval request: %w", err)
	}
	if latest != nil && latest.Cycle == claim.ApprovalCycle {
		if latest.Status == domain.ApprovalRejected {
			slog.Debug("approval cycle already rejected",
				"claim_id", claimID,
				"request_id", latest.ID,
				"cycle", latest.Cycle,
			)
		}
		return latest, nil
	}

	cycle := claim.ApprovalCycle
	if cycle == 0 || (latest != nil && latest.Cycle >= cycle) {
		cycle = max(cycle, latestCycle(latest)) + 1
	}

	now := e.cfg.Now().UTC()
	levels := RequiredLevels(claim.EstimatedAmount)
	req := &domain.ApprovalRequest{
		ID:         uuid.New().String(),
		ClaimID:    claimID,
		Cycle:      cycle,
		Amount:     claim.EstimatedAmount,
		Approvers:  make([]domain.Approver, len(levels)),
		Status:     domain.ApprovalPending,
		CreatedAt:  now,
		LevelSince: now,
	}
	for i, l := range levels {
		req.Approvers[i] = domain.Approver{Level: l, Decision: domain.DecisionPending}
	}

	if err := e.approvals.SaveApprovalRequest(ctx, req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("save approval request: %w", err)
	}
	claim.ApprovalCycle = cycle
	if err := e.mirror(ctx, claim, req, now); err != nil {
		return nil, err
	}

	slog.Info("approval requested",
		"claim_id", claimID,
		"request_id", req.ID,
		"cycle", cycle,
		"amount", req.Amount,
		"levels", len(levels),
	)
	return req, nil
}

// Approve records an approval for decision.Level.
func (e *Engine) Approve(ctx context.Context, requestID string, decision domain.Decision) (*domain.ApprovalRequest, error) {
	return e.decide(ctx, requestID, decision, domain.DecisionApproved)
}

// Reject records a rejection. Any rejection resolves the cycle.
func (e *Engine) Reject(ctx context.Context, requestID string, decision domain.Decision) (*domain.ApprovalRequest, error) {
	return e.decide(ctx, requestID, decision, domain.DecisionRejected)
}

func (e *Engine) decide(ctx context.Context, requestID string, decision domain.Decision, outcome domain.ApprovalDecision) (*domain.ApprovalRequest, error) {
	if decision.ApproverID == "" {
		return nil, fmt.Errorf("%w: approver id is required", domain.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "approval.decide",
		trace.WithAttributes(
			attribute.String("approval.request_id", requestID),
			attribute.String("approval.decision", string(outcome)),
			attribute.String("approval.level", decision.Level.String()),
		),
	)
	defer span.End()

	req, err := e.approvals.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	unlock, err := lock.Claim(ctx, e.locker, req.ClaimID, e.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}

	// Reload under the lock; a concurrent decision may have resolved it.
	req, err = e.approvals.GetApprovalRequest(ctx, requestID)
	if err != nil {
		unlock()
		return nil, err
	}
	if req.Resolved() {
		unlock()
		slog.Debug("decision on resolved approval ignored",
			"request_id", requestID,
			"status", req.Status,
			"approver_id", decision.ApproverID,
		)
		return req, nil
	}

	slot, ok := req.Slot(decision.Level)
	if !ok {
		unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrNotRequiredApprover, decision.Level)
	}

	now := e.cfg.Now().UTC()
	slot.ApproverID = decision.ApproverID
	slot.Decision = outcome
	slot.DecidedAt = &now
	slot.Notes = decision.Notes

	switch {
	case outcome == domain.DecisionRejected:
		req.Status = domain.ApprovalRejected
		req.ResolvedAt = &now
	case req.FullyApproved():
		req.Status = domain.ApprovalFullyApproved
		req.ResolvedAt = &now
	}

	if err := e.approvals.SaveApprovalRequest(ctx, req); err != nil {
		unlock()
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("save approval request: %w", err)
	}

	claim, err := e.claims.LoadClaim(ctx, req.ClaimID)
	if err == nil && claim.ApprovalCycle == req.Cycle {
		err = e.mirror(ctx, claim, req, now)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	slog.Info("approval decision recorded",
		"claim_id", req.ClaimID,
		"request_id", req.ID,
		"level", decision.Level.String(),
		"approver_id", decision.ApproverID,
		"decision", outcome,
		"status", req.Status,
	)

	if req.Resolved() {
		bus.Emit(ctx, e.bus, domain.TopicApprovalResolved, domain.ClaimEvent{
			ClaimID: req.ClaimID,
			Actor:   decision.ApproverID,
			Reason:  string(req.Status),
			Data: map[string]any{
				"requestId": req.ID,
				"cycle":     req.Cycle,
				"status":    string(req.Status),
			},
			OccurredAt: now,
		})
	}
	return req, nil
}

// IsFullyApproved reports whether the claim's current cycle has every
// required approver approved.
func (e *Engine) IsFullyApproved(ctx context.Context, claim *domain.Claim) (bool, error) {
	latest, err := e.approvals.LatestApprovalRequest(ctx, claim.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest.Cycle == claim.ApprovalCycle && latest.FullyApproved(), nil
}

// ShouldEscalate reports whether req has waited at its level longer than
// EscalateAfter and a higher level exists.
func (e *Engine) ShouldEscalate(req *domain.ApprovalRequest, now time.Time) bool {
	if req.Resolved() || req.TopLevel() >= domain.LevelDirector {
		return false
	}
	return now.Sub(req.LevelSince) > e.cfg.EscalateAfter
}

// Escalate adds the next level above the current top level.
// It is a no-op for resolved requests and at DIRECTOR.
func (e *Engine) Escalate(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	req, err := e.approvals.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	unlock, err := lock.Claim(ctx, e.locker, req.ClaimID, e.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}

	req, err = e.approvals.GetApprovalRequest(ctx, requestID)
	if err != nil {
		unlock()
		return nil, err
	}
	top := req.TopLevel()
	if req.Resolved() || top >= domain.LevelDirector {
		unlock()
		return req, nil
	}

	now := e.cfg.Now().UTC()
	next := top + 1
	req.Approvers = append(req.Approvers, domain.Approver{Level: next, Decision: domain.DecisionPending})
	req.Status = domain.ApprovalEscalated
	req.LevelSince = now
	req.Escalations++

	if err := e.approvals.SaveApprovalRequest(ctx, req); err != nil {
		unlock()
		return nil, fmt.Errorf("save approval request: %w", err)
	}
	claim, err := e.claims.LoadClaim(ctx, req.ClaimID)
	if err == nil && claim.ApprovalCycle == req.Cycle {
		err = e.mirror(ctx, claim, req, now)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	slog.Warn("approval escalated",
		"claim_id", req.ClaimID,
		"request_id", req.ID,
		"level", next.String(),
		"escalations", req.Escalations,
	)

	bus.Emit(ctx, e.bus, domain.TopicAttentionRequired, domain.ClaimEvent{
		ClaimID: req.ClaimID,
		Reason:  "approval escalated to " + next.String(),
		Data: map[string]any{
			"requestId": req.ID,
			"level":     next.String(),
		},
		OccurredAt: now,
	})
	return req, nil
}

// EscalateOverdue escalates every open request that ShouldEscalate and
// returns how many were escalated.
func (e *Engine) EscalateOverdue(ctx context.Context) (int, error) {
	open, err := e.approvals.ListOpenApprovalRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open approval requests: %w", err)
	}

	now := e.cfg.Now()
	var errs []error
	escalated := 0
	for _, req := range open {
		if !e.ShouldEscalate(req, now) {
			continue
		}
		if _, err := e.Escalate(ctx, req.ID); err != nil {
			errs = append(errs, fmt.Errorf("escalate %s: %w", req.ID, err))
			continue
		}
		escalated++
	}
	return escalated, errors.Join(errs...)
}

// mirror copies the request's approver slots onto the claim.
func (e *Engine) mirror(ctx context.Context, claim *domain.Claim, req *domain.ApprovalRequest, now time.Time) error {
	claim.Approvers = req.Clone().Approvers
	claim.UpdatedAt = now
	if err := e.claims.SaveClaim(ctx, claim); err != nil {
		return fmt.Errorf("save claim approvers: %w", err)
	}
	return nil
}

func latestCycle(req *domain.ApprovalRequest) int {
	if req == nil {
		return 0
	}
	return req.Cycle
}
