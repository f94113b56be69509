package workflow

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

var tracer = otel.Tracer("claimflow-workflow")

// ReopenMarker prefixes the reason of a reopen history entry.
const ReopenMarker = "REOPENED"

// ApprovalChecker reports whether the claim's current approval cycle is complete.
type ApprovalChecker interface {
	IsFullyApproved(ctx context.Context, claim *domain.Claim) (bool, error)
}

// Config holds state machine settings.
type Config struct {
	ApprovedAmountCeiling float64
	StaleAfter            time.Duration
	LockTimeout           time.Duration
	Now                   domain.Clock
}

// Request asks for one transition.
type Request struct {
	ClaimID string
	Target  domain.ClaimState
	Actor   domain.Actor
	Reason  string

	// Key makes the request idempotent: a claim whose history already holds
	// Key is returned unchanged.
	Key string

	// AutoApproved satisfies the approval guard. Only the system actor may set it.
	AutoApproved bool

	// Force lets the system actor close a claim from any open state.
	// The CLOSED guard still applies.
	Force bool

	// ApprovedAmount is recorded when entering APPROVED. It defaults to the
	// estimated amount when the claim has none.
	ApprovedAmount *float64

	// Expect re-checks the caller's decision against the freshly loaded claim
	// under the lock. A non-nil error aborts the transition.
	Expect func(*domain.Claim) error

	// Apply mutates the claim in the same save as the transition.
	Apply func(*domain.Claim) error
}

// Machine applies guarded transitions under the claim's lock.
type Machine struct {
	claims    domain.ClaimStore
	locker    lock.Locker
	approvals ApprovalChecker
	bus       domain.EventBus
	cfg       Config
}

// New creates a state machine.
func New(claims domain.ClaimStore, locker lock.Locker, approvals ApprovalChecker, eventBus domain.EventBus, cfg Config) *Machine {
	if cfg.ApprovedAmountCeiling <= 0 {
		cfg.ApprovedAmountCeiling = 1.0
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		claims:    claims,
		locker:    locker,
		approvals: approvals,
		bus:       eventBus,
		cfg:       cfg,
	}
}

// Transition moves a claim to req.Target.
func (m *Machine) Transition(ctx context.Context, req Request) (*domain.Claim, error) {
	if req.Target == domain.StateReopened {
		return m.Reopen(ctx, req.ClaimID, req.Actor, req.Reason, req.Key)
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "workflow.Transition",
		trace.WithAttributes(
			attribute.String("claim.id", req.ClaimID),
			attribute.String("claim.target", string(req.Target)),
			attribute.String("actor.id", req.Actor.ID),
		),
	)
	defer span.End()

	claim, change, err := m.apply(ctx, req.ClaimID, req.Key, req.Target, func(claim *domain.Claim) (bool, error) {
		return m.prepare(ctx, claim, req)
	}, req.Actor.ID, req.Reason)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if change != nil {
		span.SetAttributes(attribute.String("claim.from", string(change.From)))
	}
	return claim, nil
}

// Reopen moves a CLOSED claim back to UNDER_REVIEW. The actor must hold an
// elevated role. A fresh approval cycle is required afterwards.
func (m *Machine) Reopen(ctx context.Context, claimID string, actor domain.Actor, reason, key string) (*domain.Claim, error) {
	if claimID == "" || actor.ID == "" {
		return nil, fmt.Errorf("%w: claim id and actor are required", domain.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "workflow.Reopen",
		trace.WithAttributes(
			attribute.String("claim.id", claimID),
			attribute.String("actor.id", actor.ID),
		),
	)
	defer span.End()

	if reason == "" {
		reason = ReopenMarker
	} else {
		reason = ReopenMarker + ": " + reason
	}

	claim, _, err := m.apply(ctx, claimID, key, domain.StateUnderReview, func(claim *domain.Claim) (bool, error) {
		if claim.State != domain.StateClosed {
			return false, &domain.TransitionError{From: claim.State, To: domain.StateReopened}
		}
		if !actor.Elevated() {
			return false, &domain.GuardError{
				Guard:  domain.GuardPrivilege,
				From:   claim.State,
				To:     domain.StateReopened,
				Reason: fmt.Sprintf("role %s may not reopen claims", actor.Role),
			}
		}
		claim.ApprovalCycle++
		return true, nil
	}, actor.ID, reason)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return claim, nil
}

// apply runs the locked load, check, append, save sequence shared by
// Transition and Reopen. check reports whether it mutated claim fields
// beyond state and history.
func (m *Machine) apply(
	ctx context.Context,
	claimID, key string,
	target domain.ClaimState,
	check func(*domain.Claim) (bool, error),
	actorID, reason string,
) (*domain.Claim, *domain.StateChange, error) {
	unlock, err := lock.Claim(ctx, m.locker, claimID, m.cfg.LockTimeout)
	if err != nil {
		return nil, nil, err
	}

	claim, err := m.claims.LoadClaim(ctx, claimID)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	if claim.HasRequestKey(key) {
		unlock()
		for _, h := range claim.History {
			if h.RequestKey == key && h.To != target.Resolve() {
				return nil, nil, fmt.Errorf("%w: request key %q was used for %s -> %s", domain.ErrInvalidInput, key, h.From, h.To)
			}
		}
		slog.Debug("transition already applied",
			"claim_id", claimID,
			"request_key", key,
			"state", claim.State,
		)
		return claim, nil, nil
	}

	mutated, err := check(claim)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	now := m.cfg.Now().UTC()
	if last := claim.LastChange(); last != nil && now.Before(last.Timestamp) {
		now = last.Timestamp
	}
	change := domain.StateChange{
		From:       claim.State,
		To:         target.Resolve(),
		Actor:      actorID,
		Reason:     reason,
		RequestKey: key,
		Timestamp:  now,
	}
	claim.History = append(claim.History, change)
	claim.State = change.To
	claim.UpdatedAt = now

	if err := claim.Validate(m.cfg.ApprovedAmountCeiling); err != nil {
		unlock()
		return nil, nil, err
	}

	if mutated {
		err = m.claims.SaveClaim(ctx, claim)
	} else {
		err = m.claims.AppendHistory(ctx, claimID, change)
	}
	unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("persist transition: %w", err)
	}

	slog.Info("claim transitioned",
		"claim_id", claimID,
		"from", change.From,
		"to", change.To,
		"actor", actorID,
		"request_key", key,
	)

	bus.Emit(ctx, m.bus, domain.TopicClaimStateChanged, domain.ClaimEvent{
		ClaimID:    claimID,
		From:       change.From,
		To:         change.To,
		Actor:      actorID,
		Reason:     reason,
		OccurredAt: now,
	})

	return claim, &change, nil
}

func validateRequest(req Request) error {
	if req.ClaimID == "" {
		return fmt.Errorf("%w: claim id is required", domain.ErrInvalidInput)
	}
	if req.Actor.ID == "" {
		return fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	if !req.Target.Valid() {
		return fmt.Errorf("%w: unknown state %q", domain.ErrInvalidInput, req.Target)
	}
	if req.AutoApproved && !req.Actor.System() {
		return fmt.Errorf("%w: only the system actor may auto-approve", domain.ErrUnauthorized)
	}
	if req.Force {
		if !req.Actor.System() {
			return fmt.Errorf("%w: only the system actor may force a transition", domain.ErrUnauthorized)
		}
		if req.Target != domain.StateClosed {
			return fmt.Errorf("%w: force is only valid towards CLOSED", domain.ErrInvalidInput)
		}
	}
	return nil
}

// prepare checks the edge and guards and applies side mutations.
func (m *Machine) prepare(ctx context.Context, claim *domain.Claim, req Request) (bool, error) {
	from := claim.State
	to := req.Target

	if req.Expect != nil {
		if err := req.Expect(claim); err != nil {
			return false, fmt.Errorf("%w: %s -> %s: %v", domain.ErrStaleDecision, from, to, err)
		}
	}

	switch {
	case from == domain.StateClosed:
		// CLOSED is left only through Reopen.
		return false, &domain.TransitionError{From: from, To: to}
	case req.Force:
		if from.Terminal() {
			return false, &domain.TransitionError{From: from, To: to}
		}
	case !Allowed(from, to):
		return false, &domain.TransitionError{From: from, To: to}
	}

	if err := m.checkGuards(ctx, claim, req); err != nil {
		return false, err
	}

	mutated := false
	if to == domain.StateApproved {
		switch {
		case req.ApprovedAmount != nil:
			v := *req.ApprovedAmount
			claim.ApprovedAmount = &v
			mutated = true
		case claim.ApprovedAmount == nil:
			v := claim.EstimatedAmount
			claim.ApprovedAmount = &v
			mutated = true
		}
	}
	if req.Apply != nil {
		if err := req.Apply(claim); err != nil {
			return false, err
		}
		mutated = true
	}
	return mutated, nil
}

// checkGuards evaluates the guard for the target state.
func (m *Machine) checkGuards(ctx context.Context, claim *domain.Claim, req Request) error {
	from, to := claim.State, req.Target

	switch to {
	case domain.StateApproved:
		if req.AutoApproved {
			return nil
		}
		if m.approvals == nil {
			return &domain.GuardError{Guard: domain.GuardApproval, From: from, To: to, Reason: "no approval engine configured"}
		}
		ok, err := m.approvals.IsFullyApproved(ctx, claim)
		if err != nil {
			return fmt.Errorf("check approval: %w", err)
		}
		if !ok {
			return &domain.GuardError{
				Guard:  domain.GuardApproval,
				From:   from,
				To:     to,
				Reason: fmt.Sprintf("approval cycle %d is not fully approved", claim.ApprovalCycle),
			}
		}

	case domain.StatePaymentPending:
		if claim.ApprovedAmount == nil {
			return &domain.GuardError{Guard: domain.GuardApprovedAmount, From: from, To: to, Reason: "approved amount is not set"}
		}
		amount := *claim.ApprovedAmount
		if amount < 0 {
			return &domain.GuardError{Guard: domain.GuardApprovedAmount, From: from, To: to, Reason: "approved amount is negative"}
		}
		if limit := claim.EstimatedAmount * m.cfg.ApprovedAmountCeiling; amount > limit {
			return &domain.GuardError{
				Guard:  domain.GuardApprovedAmount,
				From:   from,
				To:     to,
				Reason: fmt.Sprintf("approved amount %.2f exceeds ceiling %.2f", amount, limit),
			}
		}

	case domain.StateClosed:
		if open := claim.UnresolvedFlags(domain.SeverityHigh); len(open) > 0 {
			return &domain.GuardError{
				Guard:  domain.GuardFraudFlags,
				From:   from,
				To:     to,
				Reason: fmt.Sprintf("%d unresolved high-severity fraud flags (first: %s)", len(open), open[0].Code),
			}
		}
	}
	return nil
}

// StaleClaims returns open claims not updated within StaleAfter. It never mutates.
func (m *Machine) StaleClaims(ctx context.Context) ([]*domain.Claim, error) {
	return m.StaleSince(ctx, m.cfg.Now().Add(-m.cfg.StaleAfter))
}

// StaleSince returns non-terminal claims last updated before cutoff.
func (m *Machine) StaleSince(ctx context.Context, cutoff time.Time) ([]*domain.Claim, error) {
	claims, err := m.claims.ListStaleClaims(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}
	out := claims[:0]
	for _, c := range claims {
		if !c.State.Terminal() {
			out = append(out, c)
		}
	}
	return out, nil
}
