// Package domain defines the core types and interfaces for Claimflow.
package domain

import (
	"fmt"
	"time"
)

// ClaimState is a lifecycle state of a claim.
type ClaimState string

const (
	StateDraft            ClaimState = "DRAFT"
	StateSubmitted        ClaimState = "SUBMITTED"
	StateUnderReview      ClaimState = "UNDER_REVIEW"
	StatePendingDocuments ClaimState = "PENDING_DOCUMENTS"
	StateInvestigating    ClaimState = "INVESTIGATING"
	StateApproved         ClaimState = "APPROVED"
	StateRejected         ClaimState = "REJECTED"
	StatePaymentPending   ClaimState = "PAYMENT_PENDING"
	StatePaid             ClaimState = "PAID"
	StateClosed           ClaimState = "CLOSED"

	// StateReopened is a virtual alias accepted as a transition target.
	// It is never stored; it resolves to UNDER_REVIEW.
	StateReopened ClaimState = "REOPENED"
)

// AllStates lists the stored lifecycle states in canonical order.
var AllStates = []ClaimState{
	StateDraft, StateSubmitted, StateUnderReview, StatePendingDocuments,
	StateInvestigating, StateApproved, StateRejected, StatePaymentPending,
	StatePaid, StateClosed,
}

// Valid reports whether s is a known state (the REOPENED alias included).
func (s ClaimState) Valid() bool {
	if s == StateReopened {
		return true
	}
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s is the terminal state.
func (s ClaimState) Terminal() bool {
	return s == StateClosed
}

// Open reports whether a claim in state s is still being worked.
func (s ClaimState) Open() bool {
	switch s {
	case StatePaid, StateRejected, StateClosed:
		return false
	}
	return true
}

// Resolve maps the REOPENED alias to the state it re-enters.
func (s ClaimState) Resolve() ClaimState {
	if s == StateReopened {
		return StateUnderReview
	}
	return s
}

// ClaimType is the closed set of claim categories.
type ClaimType string

const (
	ClaimTypeAutoAccident         ClaimType = "auto_accident"
	ClaimTypePropertyDamage       ClaimType = "property_damage"
	ClaimTypeHealth               ClaimType = "health"
	ClaimTypeLiability            ClaimType = "liability"
	ClaimTypeTheft                ClaimType = "theft"
	ClaimTypeTravel               ClaimType = "travel"
	ClaimTypeLife                 ClaimType = "life"
	ClaimTypeBusinessInterruption ClaimType = "business_interruption"
	ClaimTypeOther                ClaimType = "other"
)

// ClaimTypes lists every supported claim type.
var ClaimTypes = []ClaimType{
	ClaimTypeAutoAccident, ClaimTypePropertyDamage, ClaimTypeHealth,
	ClaimTypeLiability, ClaimTypeTheft, ClaimTypeTravel, ClaimTypeLife,
	ClaimTypeBusinessInterruption, ClaimTypeOther,
}

// Valid reports whether t is one of ClaimTypes.
func (t ClaimType) Valid() bool {
	for _, ct := range ClaimTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// Priority is the handling priority of a claim.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// StateChange is one entry of a claim's append-only history.
type StateChange struct {
	From       ClaimState `json:"from"`
	To         ClaimState `json:"to"`
	Actor      string     `json:"actor"`
	Reason     string     `json:"reason,omitempty"`
	RequestKey string     `json:"requestKey,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Claim is a customer-filed request for payout under a policy.
type Claim struct {
	ID          string    `json:"id"`
	PolicyID    string    `json:"policyId"`
	CustomerID  string    `json:"customerId"`
	Type        ClaimType `json:"type"`
	Description string    `json:"description,omitempty"`
	Currency    string    `json:"currency"`

	EstimatedAmount float64  `json:"estimatedAmount"`
	ApprovedAmount  *float64 `json:"approvedAmount,omitempty"`
	PaidAmount      float64  `json:"paidAmount"`

	State      ClaimState `json:"state"`
	RiskTier   RiskTier   `json:"riskTier,omitempty"`
	FraudScore float64    `json:"fraudScore"`
	Priority   Priority   `json:"priority"`

	IncidentDate    time.Time `json:"incidentDate"`
	PolicyStartDate time.Time `json:"policyStartDate"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`

	// ApprovalCycle counts approval attempts; it advances each time the
	// claim re-enters review after a resolved cycle.
	ApprovalCycle int `json:"approvalCycle"`

	History     []StateChange `json:"history"`
	FraudFlags  []FraudFlag   `json:"fraudFlags"`
	Approvers   []Approver    `json:"approvers"`
	DocumentIDs []string      `json:"documentIds"`
}

// Clone returns a deep copy of the claim.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	out := *c
	if c.ApprovedAmount != nil {
		v := *c.ApprovedAmount
		out.ApprovedAmount = &v
	}
	out.History = append([]StateChange(nil), c.History...)
	out.FraudFlags = make([]FraudFlag, len(c.FraudFlags))
	for i, f := range c.FraudFlags {
		out.FraudFlags[i] = f.clone()
	}
	out.Approvers = make([]Approver, len(c.Approvers))
	for i, a := range c.Approvers {
		out.Approvers[i] = a.clone()
	}
	out.DocumentIDs = append([]string(nil), c.DocumentIDs...)
	return &out
}

// LastChange returns the most recent history entry, or nil for an empty history.
func (c *Claim) LastChange() *StateChange {
	if len(c.History) == 0 {
		return nil
	}
	return &c.History[len(c.History)-1]
}

// HasRequestKey reports whether a history entry was written under key.
func (c *Claim) HasRequestKey(key string) bool {
	if key == "" {
		return false
	}
	for _, h := range c.History {
		if h.RequestKey == key {
			return true
		}
	}
	return false
}

// Flag returns the flag with the given rule code, if any.
func (c *Claim) Flag(code string) (*FraudFlag, bool) {
	for i := range c.FraudFlags {
		if c.FraudFlags[i].Code == code {
			return &c.FraudFlags[i], true
		}
	}
	return nil, false
}

// UnresolvedFlags returns the unreviewed flags at or above min severity.
func (c *Claim) UnresolvedFlags(min Severity) []FraudFlag {
	var out []FraudFlag
	for _, f := range c.FraudFlags {
		if !f.Reviewed && f.Severity.Rank() >= min.Rank() {
			out = append(out, f)
		}
	}
	return out
}

// AgeDays returns the number of whole days since the claim was created.
func (c *Claim) AgeDays(now time.Time) int {
	return int(now.Sub(c.CreatedAt) / (24 * time.Hour))
}

// Validate checks the monetary and history invariants.
func (c *Claim) Validate(ceiling float64) error {
	if c.EstimatedAmount < 0 {
		return fmt.Errorf("%w: estimated amount must not be negative", ErrInvalidInput)
	}
	if c.ApprovedAmount != nil {
		if *c.ApprovedAmount > c.EstimatedAmount*ceiling {
			return fmt.Errorf("%w: approved amount %.2f exceeds ceiling %.2f", ErrInvalidInput, *c.ApprovedAmount, c.EstimatedAmount*ceiling)
		}
		if c.PaidAmount > *c.ApprovedAmount {
			return fmt.Errorf("%w: paid amount %.2f exceeds approved amount %.2f", ErrInvalidInput, c.PaidAmount, *c.ApprovedAmount)
		}
	} else if c.PaidAmount > 0 {
		return fmt.Errorf("%w: paid amount set without an approved amount", ErrInvalidInput)
	}
	for i := 1; i < len(c.History); i++ {
		if c.History[i].Timestamp.Before(c.History[i-1].Timestamp) {
			return fmt.Errorf("%w: history is not time-ordered at entry %d", ErrInvalidInput, i)
		}
	}
	if last := c.LastChange(); last != nil && last.To.Resolve() != c.State {
		return fmt.Errorf("%w: history ends in %s but claim is %s", ErrInvalidInput, last.To, c.State)
	}
	return nil
}
