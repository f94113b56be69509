package domain

import "time"

// Severity grades a single fraud flag.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// RiskTier is the coarse bucket derived from a fraud score.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"
	RiskMedium   RiskTier = "MEDIUM"
	RiskHigh     RiskTier = "HIGH"
	RiskCritical RiskTier = "CRITICAL"
)

// Recommendation is the handling advice attached to a risk tier.
type Recommendation string

const (
	RecommendApprove     Recommendation = "APPROVE"
	RecommendReview      Recommendation = "REVIEW"
	RecommendInvestigate Recommendation = "INVESTIGATE"
	RecommendReject      Recommendation = "REJECT"
)

// FraudFlag records one triggered fraud signal on a claim.
type FraudFlag struct {
	Code          string     `json:"code"`
	Severity      Severity   `json:"severity"`
	Message       string     `json:"message"`
	Score         float64    `json:"score"`
	RaisedAt      time.Time  `json:"raisedAt"`
	Reviewed      bool       `json:"reviewed"`
	FalsePositive bool       `json:"falsePositive"`
	Resolution    string     `json:"resolution,omitempty"`
	ReviewedBy    string     `json:"reviewedBy,omitempty"`
	ReviewedAt    *time.Time `json:"reviewedAt,omitempty"`
}

func (f FraudFlag) clone() FraudFlag {
	if f.ReviewedAt != nil {
		t := *f.ReviewedAt
		f.ReviewedAt = &t
	}
	return f
}

// RuleOutcome is the result of one fraud rule for one claim.
type RuleOutcome struct {
	Code      string  `json:"code"`
	Triggered bool    `json:"triggered"`
	Score     float64 `json:"score"`
	Message   string  `json:"message,omitempty"`
	Errored   bool    `json:"errored,omitempty"`
	ProcessMs int64   `json:"processMs"`
}

// FraudAssessment is the aggregated output of the fraud engine.
type FraudAssessment struct {
	ClaimID        string         `json:"claimId"`
	Score          float64        `json:"score"`
	Tier           RiskTier       `json:"tier"`
	Recommendation Recommendation `json:"recommendation"`
	Outcomes       []RuleOutcome  `json:"outcomes"`
	Flags          []FraudFlag    `json:"flags"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
}

// FlagReview is a manual annotation of a fraud flag.
type FlagReview struct {
	Reviewer      string `json:"reviewer"`
	FalsePositive bool   `json:"falsePositive"`
	Note          string `json:"note"`
}

// FraudContext carries the data fraud rules need beyond the claim itself.
// It is built once per assessment by the velocity service.
type FraudContext struct {
	Now time.Time

	// OpenClaims counts the customer's other non-terminal claims.
	OpenClaims int

	// PolicyAverage is the mean estimated amount of the policy's prior claims.
	// PolicyClaims is how many claims the average was computed from.
	PolicyAverage float64
	PolicyClaims  int

	Documents []*ClaimDocument

	// Duplicates are other open claims that collide with this one.
	Duplicates []*Claim
}
