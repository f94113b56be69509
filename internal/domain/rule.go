package domain

// RuleConfig defines a configurable fraud signal rule.
// The expression is CEL over the claim and its fraud context; it yields a
// numeric signal that the bands map to an outcome.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Outcome bands for signal-to-outcome mapping
	Bands []RuleBand `json:"bands"`

	// MaxScore is the contribution of a ".fail" outcome to the fraud score.
	// A ".review" outcome contributes half of it.
	MaxScore float64 `json:"maxScore"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleBand maps a signal range to an outcome.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef"` // e.g., ".pass", ".fail", ".review"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of a CEL rule evaluation.
type RuleResult struct {
	RuleID     string  `json:"ruleId"`
	ClaimID    string  `json:"claimId"`
	SubRuleRef string  `json:"subRuleRef"` // ".pass", ".fail", ".review", ".err"
	Signal     float64 `json:"signal"`     // The computed value
	Reason     string  `json:"reason"`
	ProcessMs  int64   `json:"processMs"` // Processing time in milliseconds
}

// Predefined rule outcomes
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeReview = ".review"
	RuleOutcomeError  = ".err"
)
