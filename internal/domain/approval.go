package domain

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalLevel is the seniority of an approver slot.
type ApprovalLevel int

const (
	LevelAdjuster   ApprovalLevel = 1
	LevelSupervisor ApprovalLevel = 2
	LevelManager    ApprovalLevel = 3
	LevelDirector   ApprovalLevel = 4
)

var levelNames = map[ApprovalLevel]string{
	LevelAdjuster:   "ADJUSTER",
	LevelSupervisor: "SUPERVISOR",
	LevelManager:    "MANAGER",
	LevelDirector:   "DIRECTOR",
}

func (l ApprovalLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL_%d", int(l))
}

// ParseApprovalLevel accepts a role name ("manager") or its numeric level.
func ParseApprovalLevel(s string) (ApprovalLevel, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == s || fmt.Sprint(int(l)) == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown approval level %q", ErrInvalidInput, s)
}

// MarshalText encodes the level by role name.
func (l ApprovalLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a role name or numeric level.
func (l *ApprovalLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseApprovalLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ApprovalDecision is the decision recorded in an approver slot.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// Approver is one required sign-off slot.
type Approver struct {
	Level      ApprovalLevel    `json:"level"`
	ApproverID string           `json:"approverId,omitempty"`
	Decision   ApprovalDecision `json:"decision"`
	DecidedAt  *time.Time       `json:"decidedAt,omitempty"`
	Notes      string           `json:"notes,omitempty"`
}

func (a Approver) clone() Approver {
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		a.DecidedAt = &t
	}
	return a
}

// ApprovalStatus is the resolution of an approval request.
type ApprovalStatus string

const (
	ApprovalPending       ApprovalStatus = "pending"
	ApprovalFullyApproved ApprovalStatus = "fully_approved"
	ApprovalRejected      ApprovalStatus = "rejected"
	ApprovalEscalated     ApprovalStatus = "escalated"
)

// ApprovalRequest is one approval cycle for a claim.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ClaimID     string         `json:"claimId"`
	Cycle       int            `json:"cycle"`
	Amount      float64        `json:"amount"`
	Approvers   []Approver     `json:"approvers"`
	Status      ApprovalStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	LevelSince  time.Time      `json:"levelSince"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Escalations int            `json:"escalations"`
}

// Resolved reports whether the cycle reached a final outcome.
// An escalated request is still open.
func (r *ApprovalRequest) Resolved() bool {
	return r.Status == ApprovalFullyApproved || r.Status == ApprovalRejected
}

// FullyApproved reports whether every required slot is approved.
func (r *ApprovalRequest) FullyApproved() bool {
	if r.Status == ApprovalRejected || len(r.Approvers) == 0 {
		return false
	}
	for _, a := range r.Approvers {
		if a.Decision != DecisionApproved {
			return false
		}
	}
	return true
}

// TopLevel returns the most senior required level.
func (r *ApprovalRequest) TopLevel() ApprovalLevel {
	var top ApprovalLevel
	for _, a := range r.Approvers {
		if a.Level > top {
			top = a.Level
		}
	}
	return top
}

// Slot returns the approver slot for level, if it is required.
func (r *ApprovalRequest) Slot(level ApprovalLevel) (*Approver, bool) {
	for i := range r.Approvers {
		if r.Approvers[i].Level == level {
			return &r.Approvers[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the request.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Approvers = make([]Approver, len(r.Approvers))
	for i, a := range r.Approvers {
		out.Approvers[i] = a.clone()
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// Decision is an approver's input to Approve or Reject.
type Decision struct {
	ApproverID string        `json:"approverId"`
	Level      ApprovalLevel `json:"level"`
	Notes      string        `json:"notes"`
}
