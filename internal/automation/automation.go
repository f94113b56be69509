// Package automation applies the fixed-order automation rules to claims.
package automation

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
	"github.com/opensource-finance/claimflow/internal/workflow"
)

var tracer = otel.Tracer("claimflow-automation")

// Rule names in evaluation order.
const (
	RuleAutoReject  = "auto_reject"
	RuleAutoApprove = "auto_approve"
	RuleDuplicate   = "duplicate_detection"
	RuleSLA         = "sla_monitor"
	RuleAutoClose   = "auto_close"
)

// StateMachine is the workflow surface automation drives.
type StateMachine interface {
	Transition(ctx context.Context, req workflow.Request) (*domain.Claim, error)
	StaleClaims(ctx context.Context) ([]*domain.Claim, error)
}

// DuplicateFinder returns open claims colliding with claim.
type DuplicateFinder interface {
	FindDuplicates(ctx context.Context, claim *domain.Claim) ([]*domain.Claim, error)
}

// DuplicateFlagger raises the duplicate flag and reports whether it was new.
type DuplicateFlagger interface {
	FlagDuplicate(ctx context.Context, claimID string, others []*domain.Claim) (bool, error)
}

// Deps are the collaborators of the engine. Notifier and Bus may be nil.
type Deps struct {
	Claims     domain.ClaimStore
	Documents  domain.DocumentStore
	Audit      domain.AuditStore
	Machine    StateMachine
	Duplicates DuplicateFinder
	Flagger    DuplicateFlagger
	Cache      domain.Cache
	Notifier   domain.Notifier
	Bus        domain.EventBus
}

// Config holds automation thresholds.
type Config struct {
	domain.AutomationConfig
	Now domain.Clock
}

// Engine evaluates the automation rules for one claim at a time.
type Engine struct {
	deps Deps
	cfg  Config
}

// New creates an automation engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = 1000
	}
	if cfg.AutoCloseDays <= 0 {
		cfg.AutoCloseDays = 90
	}
	if cfg.SLADays == nil {
		cfg.SLADays = domain.DefaultSLADays()
	}
	if cfg.RequiredDocuments == nil {
		cfg.RequiredDocuments = domain.DefaultRequiredDocuments()
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{deps: deps, cfg: cfg}
}

// Evaluate runs the rules in order against the claim. A repeated non-empty
// requestKey returns a result with Duplicate set and applies nothing.
func (e *Engine) Evaluate(ctx context.Context, claimID, requestKey string) (*domain.AutomationResult, error) {
	if claimID == "" {
		return nil, fmt.Errorf("%w: claim id is required", domain.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "automation.Evaluate",
		trace.WithAttributes(
			attribute.String("claim.id", claimID),
			attribute.String("automation.request_key", requestKey),
		),
	)
	defer span.End()

	claim, err := e.deps.Claims.LoadClaim(ctx, claimID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := e.cfg.Now().UTC()
	result := &domain.AutomationResult{
		ID:          uuid.New().String(),
		ClaimID:     claimID,
		RequestKey:  requestKey,
		StateBefore: claim.State,
		StateAfter:  claim.State,
		EvaluatedAt: now,
	}

	if err := e.claimRequest(ctx, claimID, requestKey); err != nil {
		if !errors.Is(err, domain.ErrDuplicateAutomationRequest) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		result.Duplicate = true
		slog.Debug("automation request already evaluated",
			"claim_id", claimID,
			"request_key", requestKey,
		)
		e.save(ctx, result)
		return result, nil
	}

	rejected := e.autoReject(ctx, &claim, requestKey, result)
	e.autoApprove(ctx, &claim, requestKey, rejected, result)
	e.detectDuplicates(ctx, claim, result)
	e.monitorSLA(ctx, claim, now, result)
	e.autoClose(ctx, &claim, requestKey, now, result)

	result.StateAfter = claim.State
	e.save(ctx, result)

	applied := result.Applied()
	span.SetAttributes(attribute.Int("automation.applied", len(applied)))
	if len(applied) > 0 {
		actions := make([]string, len(applied))
		for i, f := range applied {
			actions[i] = string(f.Action)
		}
		slog.Info("automation applied",
			"claim_id", claimID,
			"actions", actions,
			"state_before", result.StateBefore,
			"state_after", result.StateAfter,
		)
		bus.Emit(ctx, e.deps.Bus, domain.TopicAutomationApplied, domain.ClaimEvent{
			ClaimID:    claimID,
			From:       result.StateBefore,
			To:         result.StateAfter,
			Actor:      domain.SystemActor.ID,
			Data:       map[string]any{"actions": actions, "resultId": result.ID},
			OccurredAt: now,
		})
	}
	return result, nil
}

// claimRequest records requestKey in the cache, returning
// ErrDuplicateAutomationRequest when it was already there.
func (e *Engine) claimRequest(ctx context.Context, claimID, requestKey string) error {
	if requestKey == "" || e.deps.Cache == nil {
		return nil
	}
	ok, err := e.deps.Cache.SetNX(ctx, "automation:"+claimID+":"+requestKey, []byte("1"), e.cfg.DedupeTTL)
	if err != nil {
		// Transition keys still make a replay harmless.
		slog.Warn("automation dedupe unavailable",
			"claim_id", claimID,
			"request_key", requestKey,
			"error", err,
		)
		return nil
	}
	if !ok {
		return domain.ErrDuplicateAutomationRequest
	}
	return nil
}

func (e *Engine) autoReject(ctx context.Context, claim **domain.Claim, requestKey string, result *domain.AutomationResult) bool {
	c := *claim
	firing := domain.RuleFiring{Rule: RuleAutoReject}
	if !decidable(c.State) || c.RiskTier != domain.RiskCritical {
		result.Rules = append(result.Rules, firing)
		return false
	}

	firing.Fired = true
	firing.Action = domain.ActionAutoReject
	firing.Detail = fmt.Sprintf("fraud score %.0f is CRITICAL", c.FraudScore)
	updated, err := e.deps.Machine.Transition(ctx, workflow.Request{
		ClaimID: c.ID,
		Target:  domain.StateRejected,
		Actor:   domain.SystemActor,
		Reason:  "auto-rejected: " + firing.Detail,
		Key:     ruleKey(requestKey, RuleAutoReject),
		Expect: func(fresh *domain.Claim) error {
			if fresh.RiskTier != domain.RiskCritical {
				return fmt.Errorf("risk tier is now %s", fresh.RiskTier)
			}
			return nil
		},
	})
	e.record(&firing, claim, updated, err)
	result.Rules = append(result.Rules, firing)
	return true
}

func (e *Engine) autoApprove(ctx context.Context, claim **domain.Claim, requestKey string, rejected bool, result *domain.AutomationResult) {
	c := *claim
	firing := domain.RuleFiring{Rule: RuleAutoApprove}
	if rejected || !decidable(c.State) || c.RiskTier != domain.RiskLow || c.EstimatedAmount >= e.cfg.AutoApproveThreshold {
		result.Rules = append(result.Rules, firing)
		return
	}

	missing, err := e.missingDocuments(ctx, c)
	if err != nil {
		firing.Error = err.Error()
		result.Rules = append(result.Rules, firing)
		return
	}
	if len(missing) > 0 {
		firing.Detail = fmt.Sprintf("missing validated documents: %v", missing)
		result.Rules = append(result.Rules, firing)
		return
	}

	firing.Fired = true
	firing.Action = domain.ActionAutoApprove
	firing.Detail = fmt.Sprintf("amount %.2f below %.2f with complete documents and LOW risk", c.EstimatedAmount, e.cfg.AutoApproveThreshold)
	amount := c.EstimatedAmount
	updated, err := e.deps.Machine.Transition(ctx, workflow.Request{
		ClaimID:        c.ID,
		Target:         domain.StateApproved,
		Actor:          domain.SystemActor,
		Reason:         "auto-approved: " + firing.Detail,
		Key:            ruleKey(requestKey, RuleAutoApprove),
		AutoApproved:   true,
		ApprovedAmount: &amount,
		Expect: func(fresh *domain.Claim) error {
			if fresh.EstimatedAmount != amount {
				return fmt.Errorf("estimated amount changed to %.2f", fresh.EstimatedAmount)
			}
			return e.approvable(ctx, fresh)
		},
	})
	e.record(&firing, claim, updated, err)
	result.Rules = append(result.Rules, firing)
}

// approvable re-checks every auto-approve condition on c.
func (e *Engine) approvable(ctx context.Context, c *domain.Claim) error {
	switch {
	case c.RiskTier != domain.RiskLow:
		return fmt.Errorf("risk tier is now %s", c.RiskTier)
	case c.EstimatedAmount >= e.cfg.AutoApproveThreshold:
		return fmt.Errorf("amount %.2f is not below %.2f", c.EstimatedAmount, e.cfg.AutoApproveThreshold)
	}
	missing, err := e.missingDocuments(ctx, c)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing validated documents: %v", missing)
	}
	return nil
}

// missingDocuments lists required kinds without a processed, validated document.
func (e *Engine) missingDocuments(ctx context.Context, c *domain.Claim) ([]domain.DocumentKind, error) {
	docs, err := e.deps.Documents.ListDocuments(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	valid := make(map[domain.DocumentKind]bool, len(docs))
	for _, d := range docs {
		if d.Validated() {
			valid[d.Kind] = true
		}
	}
	var missing []domain.DocumentKind
	for _, kind := range e.cfg.RequiredDocuments[c.Type] {
		if !valid[kind] {
			missing = append(missing, kind)
		}
	}
	return missing, nil
}

func (e *Engine) detectDuplicates(ctx context.Context, c *domain.Claim, result *domain.AutomationResult) {
	firing := domain.RuleFiring{Rule: RuleDuplicate}
	if !c.State.Open() || e.deps.Duplicates == nil {
		result.Rules = append(result.Rules, firing)
		return
	}

	dups, err := e.deps.Duplicates.FindDuplicates(ctx, c)
	if err != nil {
		firing.Error = err.Error()
		result.Rules = append(result.Rules, firing)
		return
	}
	if len(dups) == 0 {
		result.Rules = append(result.Rules, firing)
		return
	}

	firing.Fired = true
	firing.Action = domain.ActionFlagDuplicate
	firing.Detail = fmt.Sprintf("%d colliding open claims (first: %s)", len(dups), dups[0].ID)
	raised, err := e.deps.Flagger.FlagDuplicate(ctx, c.ID, dups)
	switch {
	case err != nil:
		firing.Error = err.Error()
	case raised:
		firing.Applied = true
	default:
		firing.Detail += "; flag already present"
	}
	result.Rules = append(result.Rules, firing)
}

func (e *Engine) monitorSLA(ctx context.Context, c *domain.Claim, now time.Time, result *domain.AutomationResult) {
	firing := domain.RuleFiring{Rule: RuleSLA}
	if !c.State.Open() {
		result.Rules = append(result.Rules, firing)
		return
	}

	days, ok := e.cfg.SLADays[c.Type]
	if !ok {
		days = 30
	}
	age := c.AgeDays(now)
	sla := &domain.SLAStatus{
		Days:          days,
		AgeDays:       age,
		DaysRemaining: days - age,
		Breached:      days-age < 0,
	}
	result.SLA = sla
	if !sla.Breached {
		result.Rules = append(result.Rules, firing)
		return
	}

	firing.Fired = true
	firing.Action = domain.ActionNotifySLA
	firing.Detail = fmt.Sprintf("%d days past the %d day SLA", -sla.DaysRemaining, days)
	if err := e.notify(ctx, domain.TopicSLABreached, domain.ClaimEvent{
		ClaimID:    c.ID,
		From:       c.State,
		Reason:     firing.Detail,
		Data:       map[string]any{"slaDays": days, "ageDays": age, "daysRemaining": sla.DaysRemaining},
		OccurredAt: now,
	}); err != nil {
		firing.Error = err.Error()
	} else {
		firing.Applied = true
	}
	result.Rules = append(result.Rules, firing)
}

func (e *Engine) autoClose(ctx context.Context, claim **domain.Claim, requestKey string, now time.Time, result *domain.AutomationResult) {
	c := *claim
	firing := domain.RuleFiring{Rule: RuleAutoClose}
	limit := time.Duration(e.cfg.AutoCloseDays) * 24 * time.Hour
	if c.State.Terminal() || now.Sub(c.UpdatedAt) <= limit {
		result.Rules = append(result.Rules, firing)
		return
	}

	idle := int(now.Sub(c.UpdatedAt) / (24 * time.Hour))
	firing.Fired = true
	firing.Action = domain.ActionAutoClose
	firing.Detail = fmt.Sprintf("untouched for %d days", idle)
	updated, err := e.deps.Machine.Transition(ctx, workflow.Request{
		ClaimID: c.ID,
		Target:  domain.StateClosed,
		Actor:   domain.SystemActor,
		Reason:  "auto-closed: " + firing.Detail,
		Key:     ruleKey(requestKey, RuleAutoClose),
		Force:   true,
		Expect: func(fresh *domain.Claim) error {
			if now.Sub(fresh.UpdatedAt) <= limit {
				return fmt.Errorf("claim was updated at %s", fresh.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})
	e.record(&firing, claim, updated, err)

	var ge *domain.GuardError
	if errors.As(err, &ge) {
		if nerr := e.notify(ctx, domain.TopicAttentionRequired, domain.ClaimEvent{
			ClaimID:    c.ID,
			From:       c.State,
			To:         domain.StateClosed,
			Actor:      domain.SystemActor.ID,
			Reason:     "auto-close refused: " + ge.Reason,
			Data:       map[string]any{"guard": ge.Guard, "idleDays": idle},
			OccurredAt: now,
		}); nerr != nil {
			slog.Warn("failed to raise attention",
				"claim_id", c.ID,
				"error", nerr,
			)
		}
	}
	result.Rules = append(result.Rules, firing)
}

// record stores the outcome of a workflow command on firing and moves
// claim forward when it succeeded.
func (e *Engine) record(firing *domain.RuleFiring, claim **domain.Claim, updated *domain.Claim, err error) {
	if err != nil {
		firing.Error = err.Error()
		slog.Info("automation action refused",
			"claim_id", (*claim).ID,
			"rule", firing.Rule,
			"error", err,
		)
		return
	}
	firing.Applied = true
	*claim = updated
}

// notify delivers through the notifier when one is configured and falls
// back to the event bus.
func (e *Engine) notify(ctx context.Context, topic string, ev domain.ClaimEvent) error {
	if e.deps.Notifier != nil {
		return e.deps.Notifier.Notify(ctx, topic, ev)
	}
	if e.deps.Bus == nil {
		return errors.New("no notification channel configured")
	}
	return bus.PublishEvent(ctx, e.deps.Bus, topic, ev)
}

func (e *Engine) save(ctx context.Context, result *domain.AutomationResult) {
	if e.deps.Audit == nil {
		return
	}
	if err := e.deps.Audit.SaveAutomationResult(ctx, result); err != nil {
		slog.Error("failed to store automation result",
			"claim_id", result.ClaimID,
			"result_id", result.ID,
			"error", err,
		)
	}
}

// Sweep evaluates every stale claim once per day and returns how many
// results applied at least one action.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	stale, err := e.deps.Machine.StaleClaims(ctx)
	if err != nil {
		return 0, err
	}

	key := "sweep:" + e.cfg.Now().UTC().Format("2006-01-02")
	var errs []error
	acted := 0
	for _, c := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := e.Evaluate(ctx, c.ID, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluate %s: %w", c.ID, err))
			continue
		}
		if len(res.Applied()) > 0 {
			acted++
		}
	}

	slog.Info("automation sweep finished",
		"candidates", len(stale),
		"acted", acted,
		"errors", len(errs),
	)
	return acted, errors.Join(errs...)
}

// decidable reports whether auto-reject and auto-approve may act in s.
func decidable(s domain.ClaimState) bool {
	return s == domain.StateUnderReview || s == domain.StateInvestigating
}

func ruleKey(requestKey, rule string) string {
	if requestKey == "" {
		return ""
	}
	return "automation:" + requestKey + ":" + rule
}
