package domain

import "time"

// AutomationAction is the workflow command an automation rule emits.
type AutomationAction string

const (
	ActionNone          AutomationAction = ""
	ActionAutoReject    AutomationAction = "auto_reject"
	ActionAutoApprove   AutomationAction = "auto_approve"
	ActionFlagDuplicate AutomationAction = "flag_duplicate"
	ActionNotifySLA     AutomationAction = "notify_sla_breach"
	ActionAutoClose     AutomationAction = "auto_close"
)

// RuleFiring records whether one automation rule fired and what it did.
type RuleFiring struct {
	Rule    string           `json:"rule"`
	Fired   bool             `json:"fired"`
	Action  AutomationAction `json:"action,omitempty"`
	Applied bool             `json:"applied"`
	Detail  string           `json:"detail,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// SLAStatus is the service-level position of a claim.
type SLAStatus struct {
	Days          int  `json:"days"`
	AgeDays       int  `json:"ageDays"`
	DaysRemaining int  `json:"daysRemaining"`
	Breached      bool `json:"breached"`
}

// AutomationResult is the audit record of one automation evaluation.
type AutomationResult struct {
	ID          string       `json:"id"`
	ClaimID     string       `json:"claimId"`
	RequestKey  string       `json:"requestKey"`
	Duplicate   bool         `json:"duplicate"`
	Rules       []RuleFiring `json:"rules"`
	SLA         *SLAStatus   `json:"sla,omitempty"`
	StateBefore ClaimState   `json:"stateBefore"`
	StateAfter  ClaimState   `json:"stateAfter"`
	EvaluatedAt time.Time    `json:"evaluatedAt"`
}

// Fired returns the firing for rule, if it was evaluated.
func (r *AutomationResult) Fired(rule string) (RuleFiring, bool) {
	for _, f := range r.Rules {
		if f.Rule == rule {
			return f, f.Fired
		}
	}
	return RuleFiring{}, false
}

// Applied returns the firings whose action took effect.
func (r *AutomationResult) Applied() []RuleFiring {
	var out []RuleFiring
	for _, f := range r.Rules {
		if f.Applied {
			out = append(out, f)
		}
	}
	return out
}
