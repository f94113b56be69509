// Package claims is the application facade over the claim lifecycle: intake,
// evidence, fraud screening and payout.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/claimflow/internal/bus"
	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/extraction"
	"github.com/opensource-finance/claimflow/internal/fraud"
	"github.com/opensource-finance/claimflow/internal/lock"
	"github.com/opensource-finance/claimflow/internal/workflow"
)

// Deps are the collaborators of the service.
type Deps struct {
	Repo     domain.Repository
	Files    domain.FileStorage
	Locker   lock.Locker
	Bus      domain.EventBus
	Machine  *workflow.Machine
	Pipeline *extraction.Pipeline
	Fraud    *fraud.Service
	Payments domain.PaymentGateway
}

// Config holds service settings.
type Config struct {
	MaxFileBytes      int64
	RequiredDocuments map[domain.ClaimType][]domain.DocumentKind
	PaymentMethod     domain.PaymentMethod
	PaymentTimeout    time.Duration
	LockTimeout       time.Duration
	AmountCeiling     float64
	Now               domain.Clock
}

// Service runs claim commands.
type Service struct {
	deps Deps
	cfg  Config
}

// New creates the claims service.
func New(deps Deps, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RequiredDocuments == nil {
		cfg.RequiredDocuments = domain.DefaultRequiredDocuments()
	}
	if cfg.PaymentMethod == "" {
		cfg.PaymentMethod = domain.PaymentBankTransfer
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 30 * time.Second
	}
	if cfg.AmountCeiling <= 0 {
		cfg.AmountCeiling = 1.0
	}
	return &Service{deps: deps, cfg: cfg}
}

// NewClaim is the intake form.
type NewClaim struct {
	PolicyID        string           `json:"policyId"`
	CustomerID      string           `json:"customerId"`
	Type            domain.ClaimType `json:"type"`
	Description     string           `json:"description"`
	Currency        string           `json:"currency"`
	EstimatedAmount float64          `json:"estimatedAmount"`
	Priority        domain.Priority  `json:"priority"`
	IncidentDate    time.Time        `json:"incidentDate"`
	PolicyStartDate time.Time        `json:"policyStartDate"`
}

func (n NewClaim) validate(now time.Time) error {
	var issues []string
	if n.PolicyID == "" {
		issues = append(issues, "policyId is required")
	}
	if n.CustomerID == "" {
		issues = append(issues, "customerId is required")
	}
	if !n.Type.Valid() {
		issues = append(issues, fmt.Sprintf("unknown claim type %q", n.Type))
	}
	if len(n.Currency) != 3 {
		issues = append(issues, "currency must be a 3-letter code")
	}
	if n.EstimatedAmount <= 0 {
		issues = append(issues, "estimatedAmount must be positive")
	}
	if n.IncidentDate.IsZero() {
		issues = append(issues, "incidentDate is required")
	} else if n.IncidentDate.After(now) {
		issues = append(issues, "incidentDate is in the future")
	}
	switch n.Priority {
	case "", domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityUrgent:
	default:
		issues = append(issues, fmt.Sprintf("unknown priority %q", n.Priority))
	}
	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(issues, "; "))
	}
	return nil
}

// CreateClaim stores a new claim in DRAFT. The intake is the first history entry.
func (s *Service) CreateClaim(ctx context.Context, actor domain.Actor, in NewClaim) (*domain.Claim, error) {
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrUnauthorized)
	}
	now := s.cfg.Now().UTC()
	if err := in.validate(now); err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}

	claim := &domain.Claim{
		ID:              uuid.New().String(),
		PolicyID:        in.PolicyID,
		CustomerID:      in.CustomerID,
		Type:            in.Type,
		Description:     in.Description,
		Currency:        strings.ToUpper(in.Currency),
		EstimatedAmount: in.EstimatedAmount,
		State:           domain.StateDraft,
		Priority:        in.Priority,
		IncidentDate:    in.IncidentDate.UTC(),
		PolicyStartDate: in.PolicyStartDate.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
		History: []domain.StateChange{{
			To:        domain.StateDraft,
			Actor:     actor.ID,
			Reason:    "created",
			Timestamp: now,
		}},
	}
	if err := claim.Validate(s.cfg.AmountCeiling); err != nil {
		return nil, err
	}
	if err := s.deps.Repo.SaveClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("save claim: %w", err)
	}

	slog.Info("claim created",
		"claim_id", claim.ID,
		"type", claim.Type,
		"customer_id", claim.CustomerID,
		"estimated_amount", claim.EstimatedAmount,
	)
	bus.Emit(ctx, s.deps.Bus, domain.TopicClaimCreated, domain.ClaimEvent{
		ClaimID:    claim.ID,
		To:         domain.StateDraft,
		Actor:      actor.ID,
		OccurredAt: now,
	})
	return claim, nil
}

// GetClaim returns the claim.
func (s *Service) GetClaim(ctx context.Context, claimID string) (*domain.Claim, error) {
	return s.deps.Repo.LoadClaim(ctx, claimID)
}

// ListDocuments returns the claim's documents.
func (s *Service) ListDocuments(ctx context.Context, claimID string) ([]*domain.ClaimDocument, error) {
	if _, err := s.deps.Repo.LoadClaim(ctx, claimID); err != nil {
		return nil, err
	}
	return s.deps.Repo.ListDocuments(ctx, claimID)
}

// SubmitClaim moves a draft to SUBMITTED and triages it: to UNDER_REVIEW when
// every required document kind has been uploaded, otherwise to
// PENDING_DOCUMENTS. A fraud assessment follows; its failure is logged.
func (s *Service) SubmitClaim(ctx context.Context, claimID string, actor domain.Actor, key string) (*domain.Claim, error) {
	if key == "" {
		key = "submit:" + claimID
	}
	claim, err := s.deps.Machine.Transition(ctx, workflow.Request{
		ClaimID: claimID,
		Target:  domain.StateSubmitted,
		Actor:   actor,
		Reason:  "submitted",
		Key:     key,
	})
	if err != nil {
		return nil, err
	}
	if claim.State != domain.StateSubmitted {
		return claim, nil
	}

	missing, err := s.missingKinds(ctx, claim)
	if err != nil {
		return nil, err
	}
	target, reason := domain.StateUnderReview, "intake complete"
	if len(missing) > 0 {
		target, reason = domain.StatePendingDocuments, "missing documents: "+joinKinds(missing)
	}
	claim, err = s.deps.Machine.Transition(ctx, workflow.Request{
		ClaimID: claimID,
		Target:  target,
		Actor:   domain.SystemActor,
		Reason:  reason,
		Key:     key + ":triage",
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.deps.Fraud.Assess(ctx, claimID); err != nil {
		slog.Warn("fraud assessment after submit failed",
			"claim_id", claimID,
			"error", err,
		)
	}
	return s.deps.Repo.LoadClaim(ctx, claimID)
}

// Upload is a document received for a claim.
type Upload struct {
	Kind        domain.DocumentKind
	FileName    string
	ContentType string
	Data        []byte
}

// UploadDocument validates and stores a document, attaches it to the claim
// and publishes document.uploaded. A claim waiting in PENDING_DOCUMENTS goes
// back to UNDER_REVIEW once every required kind is present.
func (s *Service) UploadDocument(ctx context.Context, claimID string, actor domain.Actor, up Upload) (*domain.ClaimDocument, error) {
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrUnauthorized)
	}
	file := extraction.File{Name: up.FileName, ContentType: up.ContentType, Data: up.Data}
	if err := extraction.ValidateDocument(file, up.Kind, s.cfg.MaxFileBytes); err != nil {
		return nil, err
	}

	claim, err := s.deps.Repo.LoadClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.State.Terminal() {
		return nil, fmt.Errorf("%w: claim %s is closed", domain.ErrInvalidInput, claimID)
	}

	name := path.Base(strings.ReplaceAll(up.FileName, "\\", "/"))
	if name == "." || name == "/" {
		name = "document"
	}

	now := s.cfg.Now().UTC()
	doc := &domain.ClaimDocument{
		ID:          uuid.New().String(),
		ClaimID:     claimID,
		Kind:        up.Kind,
		FileName:    name,
		ContentType: up.ContentType,
		Size:        int64(len(up.Data)),
		Status:      domain.DocumentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	locator, err := s.deps.Files.Put(ctx, claimID+"/"+doc.ID+"-"+doc.FileName, up.ContentType, up.Data)
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	doc.Locator = locator

	if err := s.attach(ctx, doc); err != nil {
		if derr := s.deps.Files.Delete(context.WithoutCancel(ctx), locator); derr != nil {
			slog.Warn("failed to remove orphaned document file",
				"claim_id", claimID,
				"locator", locator,
				"error", derr,
			)
		}
		return nil, err
	}

	slog.Info("document uploaded",
		"claim_id", claimID,
		"document_id", doc.ID,
		"kind", doc.Kind,
		"size", doc.Size,
	)
	bus.Emit(ctx, s.deps.Bus, domain.TopicDocumentUploaded, domain.ClaimEvent{
		ClaimID:    claimID,
		DocumentID: doc.ID,
		Actor:      actor.ID,
		Data:       map[string]any{"kind": string(doc.Kind)},
		OccurredAt: now,
	})

	if claim.State == domain.StatePendingDocuments {
		s.resumeReview(ctx, claimID, doc.ID)
	}
	return doc, nil
}

// attach saves the document and links it to the claim under the claim lock.
func (s *Service) attach(ctx context.Context, doc *domain.ClaimDocument) error {
	unlock, err := lock.Claim(ctx, s.deps.Locker, doc.ClaimID, s.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	claim, err := s.deps.Repo.LoadClaim(ctx, doc.ClaimID)
	if err != nil {
		return err
	}
	if err := s.deps.Repo.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	claim.DocumentIDs = append(claim.DocumentIDs, doc.ID)
	if err := s.deps.Repo.SaveClaim(ctx, claim); err != nil {
		return fmt.Errorf("link document: %w", err)
	}
	return nil
}

func (s *Service) resumeReview(ctx context.Context, claimID, documentID string) {
	claim, err := s.deps.Repo.LoadClaim(ctx, claimID)
	if err != nil {
		return
	}
	missing, err := s.missingKinds(ctx, claim)
	if err != nil || len(missing) > 0 {
		return
	}
	_, err = s.deps.Machine.Transition(ctx, workflow.Request{
		ClaimID: claimID,
		Target:  domain.StateUnderReview,
		Actor:   domain.SystemActor,
		Reason:  "required documents received",
		Key:     "documents-complete:" + documentID,
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		slog.Warn("failed to resume review",
			"claim_id", claimID,
			"error", err,
		)
	}
}

// missingKinds lists required kinds with no uploaded, non-failed document.
func (s *Service) missingKinds(ctx context.Context, claim *domain.Claim) ([]domain.DocumentKind, error) {
	docs, err := s.deps.Repo.ListDocuments(ctx, claim.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[domain.DocumentKind]bool, len(docs))
	for _, d := range docs {
		if d.Status != domain.DocumentFailed {
			have[d.Kind] = true
		}
	}
	var missing []domain.DocumentKind
	for _, k := range s.cfg.RequiredDocuments[claim.Type] {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// ProcessDocument runs the extraction pipeline on one document.
func (s *Service) ProcessDocument(ctx context.Context, documentID, preferred string) (*domain.ClaimDocument, error) {
	return s.deps.Pipeline.ProcessDocument(ctx, documentID, preferred)
}

// AssessFraud scores the claim.
func (s *Service) AssessFraud(ctx context.Context, claimID string) (*domain.FraudAssessment, error) {
	return s.deps.Fraud.Assess(ctx, claimID)
}

// ProcessPayment pays out the outstanding approved amount of a
// PAYMENT_PENDING claim and moves it to PAID. Payouts of one claim are
// serialized, and the default key is scoped to the approval cycle so a
// reopened claim can be paid again. A failed payout leaves the state
// unchanged, publishes payment.failed and returns ErrPaymentFailed. A
// repeated key returns the claim without paying again.
func (s *Service) ProcessPayment(ctx context.Context, claimID string, actor domain.Actor, key string) (*domain.Claim, error) {
	unlock, err := lock.Payout(ctx, s.deps.Locker, claimID, s.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	claim, err := s.deps.Repo.LoadClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = fmt.Sprintf("payment:%s:%d", claimID, claim.ApprovalCycle)
	}
	if claim.HasRequestKey(key) {
		return claim, nil
	}
	if claim.State != domain.StatePaymentPending {
		return nil, &domain.TransitionError{From: claim.State, To: domain.StatePaid}
	}
	if claim.ApprovedAmount == nil {
		return nil, &domain.GuardError{Guard: domain.GuardApprovedAmount, From: claim.State, To: domain.StatePaid, Reason: "approved amount is not set"}
	}
	amount := *claim.ApprovedAmount - claim.PaidAmount

	reason := "nothing outstanding"
	if amount > 0 {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PaymentTimeout)
		res, err := s.deps.Payments.Pay(pctx, domain.PaymentRequest{
			ClaimID:        claimID,
			IdempotencyKey: fmt.Sprintf("%s:%d", claimID, claim.ApprovalCycle),
			Amount:         amount,
			Currency:       claim.Currency,
			Method:         s.cfg.PaymentMethod,
		})
		cancel()

		if err != nil || !res.Success {
			failure := "payment declined"
			if err != nil {
				failure = err.Error()
			} else if res.FailureReason != "" {
				failure = res.FailureReason
			}
			slog.Warn("payment failed",
				"claim_id", claimID,
				"amount", amount,
				"reason", failure,
			)
			bus.Emit(ctx, s.deps.Bus, domain.TopicPaymentFailed, domain.ClaimEvent{
				ClaimID:    claimID,
				From:       claim.State,
				Actor:      actor.ID,
				Reason:     failure,
				Data:       map[string]any{"amount": amount},
				OccurredAt: s.cfg.Now().UTC(),
			})
			return nil, fmt.Errorf("%w: %s", domain.ErrPaymentFailed, failure)
		}
		reason = "payment " + res.TransactionRef
	}

	paid, err := s.deps.Machine.Transition(ctx, workflow.Request{
		ClaimID: claimID,
		Target:  domain.StatePaid,
		Actor:   actor,
		Reason:  reason,
		Key:     key,
		Apply: func(c *domain.Claim) error {
			if c.ApprovedAmount == nil {
				return fmt.Errorf("%w: approved amount is not set", domain.ErrInvalidInput)
			}
			c.PaidAmount = *c.ApprovedAmount
			return nil
		},
	})
	if err != nil {
		// The processor has paid; the claim must be fixed up by hand.
		slog.Error("payment succeeded but claim transition failed",
			"claim_id", claimID,
			"reason", reason,
			"error", err,
		)
		return nil, err
	}

	slog.Info("payment completed",
		"claim_id", claimID,
		"amount", amount,
		"reason", reason,
	)
	return paid, nil
}

// ArchiveClaim hides a closed claim with its documents and deletes the
// stored files. Only elevated actors may archive.
func (s *Service) ArchiveClaim(ctx context.Context, claimID string, actor domain.Actor) error {
	if !actor.Elevated() {
		return fmt.Errorf("%w: archiving requires an elevated role", domain.ErrUnauthorized)
	}

	unlock, err := lock.Claim(ctx, s.deps.Locker, claimID, s.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	claim, err := s.deps.Repo.LoadClaim(ctx, claimID)
	if err != nil {
		return err
	}
	if !claim.State.Terminal() {
		return fmt.Errorf("%w: only closed claims can be archived, claim is %s", domain.ErrInvalidInput, claim.State)
	}

	docs, err := s.deps.Repo.ListDocuments(ctx, claimID)
	if err != nil {
		return err
	}
	if err := s.deps.Repo.ArchiveClaim(ctx, claimID); err != nil {
		return fmt.Errorf("archive claim: %w", err)
	}

	var errs []error
	for _, d := range docs {
		if d.Locator == "" {
			continue
		}
		if err := s.deps.Files.Delete(ctx, d.Locator); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("failed to delete archived documents",
			"claim_id", claimID,
			"error", err,
		)
	}

	slog.Info("claim archived",
		"claim_id", claimID,
		"actor", actor.ID,
		"documents", len(docs),
	)
	return nil
}

func joinKinds(kinds []domain.DocumentKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
