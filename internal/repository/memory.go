package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// MemoryRepository implements domain.Repository in process memory.
// It backs tests and single-node demos; nothing survives a restart.
type MemoryRepository struct {
	mu sync.RWMutex

	claims     map[string]*domain.Claim
	archived   map[string]bool
	documents  map[string]*domain.ClaimDocument
	approvals  map[string]*domain.ApprovalRequest
	automation map[string][]*domain.AutomationResult
	rules      map[string]*domain.RuleConfig
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		claims:     make(map[string]*domain.Claim),
		archived:   make(map[string]bool),
		documents:  make(map[string]*domain.ClaimDocument),
		approvals:  make(map[string]*domain.ApprovalRequest),
		automation: make(map[string][]*domain.AutomationResult),
		rules:      make(map[string]*domain.RuleConfig),
	}
}

// SaveClaim stores a copy of the claim. Stored history entries are kept;
// new entries are appended after checking request key uniqueness.
func (m *MemoryRepository) SaveClaim(_ context.Context, c *domain.Claim) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: claim id is required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.archived[c.ID] {
		return domain.ErrNotFound
	}

	next := c.Clone()
	if prev, ok := m.claims[c.ID]; ok {
		merged := append([]domain.StateChange(nil), prev.History...)
		if len(next.History) > len(merged) {
			merged = append(merged, next.History[len(merged):]...)
		}
		next.History = merged
	}
	if err := checkRequestKeys(next.History); err != nil {
		return err
	}
	m.claims[c.ID] = next
	return nil
}

// AppendHistory appends one entry and moves the claim's state.
func (m *MemoryRepository) AppendHistory(_ context.Context, claimID string, change domain.StateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[claimID]
	if !ok || m.archived[claimID] {
		return domain.ErrNotFound
	}
	if c.HasRequestKey(change.RequestKey) {
		return fmt.Errorf("%w: request key %q already recorded", domain.ErrInvalidInput, change.RequestKey)
	}
	c.History = append(c.History, change)
	c.State = change.To
	c.UpdatedAt = change.Timestamp
	return nil
}

// LoadClaim returns a copy of the stored claim.
func (m *MemoryRepository) LoadClaim(_ context.Context, id string) (*domain.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.claims[id]
	if !ok || m.archived[id] {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

// ListClaimsByCustomer returns the customer's claims, oldest first.
func (m *MemoryRepository) ListClaimsByCustomer(_ context.Context, customerID string) ([]*domain.Claim, error) {
	return m.listClaims(func(c *domain.Claim) bool { return c.CustomerID == customerID }), nil
}

// ListClaimsByPolicy returns the policy's claims, oldest first.
func (m *MemoryRepository) ListClaimsByPolicy(_ context.Context, policyID string) ([]*domain.Claim, error) {
	return m.listClaims(func(c *domain.Claim) bool { return c.PolicyID == policyID }), nil
}

// ListStaleClaims returns non-terminal claims not updated since cutoff.
func (m *MemoryRepository) ListStaleClaims(_ context.Context, cutoff time.Time) ([]*domain.Claim, error) {
	return m.listClaims(func(c *domain.Claim) bool {
		return !c.State.Terminal() && c.UpdatedAt.Before(cutoff)
	}), nil
}

func (m *MemoryRepository) listClaims(match func(*domain.Claim) bool) []*domain.Claim {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Claim
	for id, c := range m.claims {
		if m.archived[id] || !match(c) {
			continue
		}
		cp := c.Clone()
		cp.History = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ArchiveClaim hides the claim and its documents.
func (m *MemoryRepository) ArchiveClaim(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.claims[id]; !ok || m.archived[id] {
		return domain.ErrNotFound
	}
	m.archived[id] = true
	return nil
}

// SaveDocument stores a copy of the document.
func (m *MemoryRepository) SaveDocument(_ context.Context, d *domain.ClaimDocument) error {
	if d == nil || d.ID == "" || d.ClaimID == "" {
		return fmt.Errorf("%w: document id and claim id are required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.documents[d.ID] = cloneDocument(d)
	return nil
}

// GetDocument returns a copy of the document.
func (m *MemoryRepository) GetDocument(_ context.Context, id string) (*domain.ClaimDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.documents[id]
	if !ok || m.archived[d.ClaimID] {
		return nil, domain.ErrNotFound
	}
	return cloneDocument(d), nil
}

// ListDocuments returns the claim's documents in upload order.
func (m *MemoryRepository) ListDocuments(_ context.Context, claimID string) ([]*domain.ClaimDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.archived[claimID] {
		return nil, nil
	}
	var out []*domain.ClaimDocument
	for _, d := range m.documents {
		if d.ClaimID == claimID {
			out = append(out, cloneDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveApprovalRequest stores a copy of the request. Cycles are unique per claim.
func (m *MemoryRepository) SaveApprovalRequest(_ context.Context, req *domain.ApprovalRequest) error {
	if req == nil || req.ID == "" || req.ClaimID == "" {
		return fmt.Errorf("%w: approval request id and claim id are required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.approvals {
		if id != req.ID && existing.ClaimID == req.ClaimID && existing.Cycle == req.Cycle {
			return fmt.Errorf("%w: approval cycle %d already exists for claim %s", domain.ErrInvalidInput, req.Cycle, req.ClaimID)
		}
	}
	m.approvals[req.ID] = req.Clone()
	return nil
}

// GetApprovalRequest returns a copy of the request.
func (m *MemoryRepository) GetApprovalRequest(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.approvals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return req.Clone(), nil
}

// LatestApprovalRequest returns the highest cycle for the claim.
func (m *MemoryRepository) LatestApprovalRequest(_ context.Context, claimID string) (*domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *domain.ApprovalRequest
	for _, req := range m.approvals {
		if req.ClaimID == claimID && (latest == nil || req.Cycle > latest.Cycle) {
			latest = req
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest.Clone(), nil
}

// ListOpenApprovalRequests returns pending and escalated requests, oldest first.
func (m *MemoryRepository) ListOpenApprovalRequests(_ context.Context) ([]*domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ApprovalRequest
	for _, req := range m.approvals {
		if !req.Resolved() {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveAutomationResult appends an audit record.
func (m *MemoryRepository) SaveAutomationResult(_ context.Context, res *domain.AutomationResult) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("%w: automation result id is required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *res
	cp.Rules = append([]domain.RuleFiring(nil), res.Rules...)
	if res.SLA != nil {
		sla := *res.SLA
		cp.SLA = &sla
	}
	m.automation[res.ClaimID] = append(m.automation[res.ClaimID], &cp)
	return nil
}

// ListAutomationResults returns the claim's audit records, oldest first.
func (m *MemoryRepository) ListAutomationResults(_ context.Context, claimID string) ([]*domain.AutomationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.automation[claimID]
	out := make([]*domain.AutomationResult, len(src))
	for i, r := range src {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// SaveRuleConfig stores the rule keyed by id and version.
func (m *MemoryRepository) SaveRuleConfig(_ context.Context, rule *domain.RuleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rule
	cp.Bands = append([]domain.RuleBand(nil), rule.Bands...)
	m.rules[rule.ID+"@"+rule.Version] = &cp
	return nil
}

// GetRuleConfig returns the latest enabled version of a rule.
func (m *MemoryRepository) GetRuleConfig(_ context.Context, ruleID string) (*domain.RuleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *domain.RuleConfig
	for _, r := range m.rules {
		if r.ID == ruleID && r.Enabled && (best == nil || r.Version > best.Version) {
			best = r
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// ListRuleConfigs returns all enabled rules ordered by name.
func (m *MemoryRepository) ListRuleConfigs(_ context.Context) ([]*domain.RuleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.RuleConfig
	for _, r := range m.rules {
		if r.Enabled {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ping always succeeds.
func (m *MemoryRepository) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryRepository) Close() error { return nil }

func checkRequestKeys(history []domain.StateChange) error {
	seen := make(map[string]bool, len(history))
	for _, h := range history {
		if h.RequestKey == "" {
			continue
		}
		if seen[h.RequestKey] {
			return fmt.Errorf("%w: request key %q already recorded", domain.ErrInvalidInput, h.RequestKey)
		}
		seen[h.RequestKey] = true
	}
	return nil
}

func cloneDocument(d *domain.ClaimDocument) *domain.ClaimDocument {
	cp := *d
	if d.OCR != nil {
		ocr := *d.OCR
		ocr.Attempts = append([]domain.ProviderAttempt(nil), d.OCR.Attempts...)
		ocr.Validation.Issues = append([]string(nil), d.OCR.Validation.Issues...)
		cp.OCR = &ocr
	}
	return &cp
}
