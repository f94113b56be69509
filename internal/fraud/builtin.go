package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Built-in rule codes.
const (
	CodeAmountOutlier      = "AMOUNT_OUTLIER"
	CodeEarlyPolicyClaim   = "EARLY_POLICY_CLAIM"
	CodeMultipleOpenClaims = "MULTIPLE_OPEN_CLAIMS"
	CodeDocumentationGaps  = "DOCUMENTATION_GAPS"
	CodeDuplicateSignature = "DUPLICATE_SIGNATURE"
)

// BuiltinRules returns the standard rule set in evaluation order.
func BuiltinRules(cfg domain.FraudConfig, required map[domain.ClaimType][]domain.DocumentKind) []Rule {
	return []Rule{
		&AmountOutlierRule{Multiplier: cfg.OutlierMultiplier, Absolute: cfg.OutlierAbsolute},
		&EarlyPolicyRule{Days: cfg.EarlyFilingDays},
		&OpenClaimsRule{Max: cfg.MaxOpenClaims},
		&DocumentationRule{Required: required, MinConfidence: cfg.MinDocumentConfidence},
		&DuplicateSignatureRule{},
	}
}

// AmountOutlierRule flags claims far above the policy's claim history.
// Without history the absolute ceiling applies.
type AmountOutlierRule struct {
	Multiplier float64
	Absolute   float64
}

func (r *AmountOutlierRule) Code() string      { return CodeAmountOutlier }
func (r *AmountOutlierRule) MaxScore() float64 { return 25 }

func (r *AmountOutlierRule) Evaluate(_ context.Context, c *domain.Claim, fctx *domain.FraudContext) (Outcome, error) {
	if fctx.PolicyClaims > 0 {
		if fctx.PolicyAverage <= 0 || r.Multiplier <= 0 {
			return Outcome{}, errors.New("policy history has no usable amounts")
		}
		limit := fctx.PolicyAverage * r.Multiplier
		if c.EstimatedAmount > limit {
			return Outcome{
				Triggered: true,
				Score:     r.MaxScore(),
				Message:   fmt.Sprintf("amount %.2f exceeds %.1fx the policy average %.2f", c.EstimatedAmount, r.Multiplier, fctx.PolicyAverage),
			}, nil
		}
		return Outcome{}, nil
	}
	if r.Absolute <= 0 {
		return Outcome{}, errors.New("no policy history and no absolute ceiling configured")
	}
	if c.EstimatedAmount > r.Absolute {
		return Outcome{
			Triggered: true,
			Score:     r.MaxScore(),
			Message:   fmt.Sprintf("amount %.2f exceeds %.2f with no policy history", c.EstimatedAmount, r.Absolute),
		}, nil
	}
	return Outcome{}, nil
}

// EarlyPolicyRule flags incidents shortly after (or before) policy inception.
type EarlyPolicyRule struct {
	Days int
}

func (r *EarlyPolicyRule) Code() string      { return CodeEarlyPolicyClaim }
func (r *EarlyPolicyRule) MaxScore() float64 { return 20 }

func (r *EarlyPolicyRule) Evaluate(_ context.Context, c *domain.Claim, _ *domain.FraudContext) (Outcome, error) {
	if c.PolicyStartDate.IsZero() {
		return Outcome{}, errors.New("policy start date is missing")
	}
	if c.IncidentDate.IsZero() {
		return Outcome{}, errors.New("incident date is missing")
	}
	gap := c.IncidentDate.Sub(c.PolicyStartDate)
	if gap < 0 {
		return Outcome{
			Triggered: true,
			Score:     r.MaxScore(),
			Message:   "incident predates policy start",
		}, nil
	}
	if gap < time.Duration(r.Days)*24*time.Hour {
		return Outcome{
			Triggered: true,
			Score:     r.MaxScore(),
			Message:   fmt.Sprintf("incident %d days after policy start", int(gap/(24*time.Hour))),
		}, nil
	}
	return Outcome{}, nil
}

// OpenClaimsRule flags customers with several claims in flight.
type OpenClaimsRule struct {
	Max int
}

func (r *OpenClaimsRule) Code() string      { return CodeMultipleOpenClaims }
func (r *OpenClaimsRule) MaxScore() float64 { return 15 }

func (r *OpenClaimsRule) Evaluate(_ context.Context, _ *domain.Claim, fctx *domain.FraudContext) (Outcome, error) {
	limit := r.Max
	if limit <= 0 {
		limit = 1
	}
	if fctx.OpenClaims >= limit {
		return Outcome{
			Triggered: true,
			Score:     r.MaxScore(),
			Message:   fmt.Sprintf("customer has %d other open claims", fctx.OpenClaims),
		}, nil
	}
	return Outcome{}, nil
}

// DocumentationRule flags missing required documents (full score) and
// documents that failed or did not match their declared kind (half score).
type DocumentationRule struct {
	Required      map[domain.ClaimType][]domain.DocumentKind
	MinConfidence float64
}

func (r *DocumentationRule) Code() string      { return CodeDocumentationGaps }
func (r *DocumentationRule) MaxScore() float64 { return 20 }

func (r *DocumentationRule) Evaluate(_ context.Context, c *domain.Claim, fctx *domain.FraudContext) (Outcome, error) {
	present := make(map[domain.DocumentKind]bool)
	var inconsistent []string
	for _, d := range fctx.Documents {
		present[d.Kind] = true
		switch {
		case d.Status == domain.DocumentFailed:
			inconsistent = append(inconsistent, d.ID+" failed processing")
		case d.Status == domain.DocumentProcessed && d.OCR != nil && !d.OCR.Validation.MatchesExpectedType:
			inconsistent = append(inconsistent, d.ID+" does not look like "+string(d.Kind))
		case d.Status == domain.DocumentProcessed && d.OCR != nil && d.OCR.Confidence < r.MinConfidence:
			inconsistent = append(inconsistent, fmt.Sprintf("%s confidence %.2f", d.ID, d.OCR.Confidence))
		}
	}

	var missing []string
	for _, kind := range r.Required[c.Type] {
		if !present[kind] {
			missing = append(missing, string(kind))
		}
	}

	switch {
	case len(missing) > 0:
		return Outcome{
			Triggered: true,
			Score:     r.MaxScore(),
			Message:   "missing documents: " + strings.Join(missing, ", "),
		}, nil
	case len(inconsistent) > 0:
		return Outcome{
			Triggered: true,
			Score:     r.MaxScore() / 2,
			Message:   "inconsistent documents: " + strings.Join(inconsistent, "; "),
		}, nil
	}
	return Outcome{}, nil
}

// DuplicateSignatureRule flags claims colliding with another open claim.
type DuplicateSignatureRule struct{}

func (r *DuplicateSignatureRule) Code() string      { return CodeDuplicateSignature }
func (r *DuplicateSignatureRule) MaxScore() float64 { return 30 }

func (r *DuplicateSignatureRule) Evaluate(_ context.Context, _ *domain.Claim, fctx *domain.FraudContext) (Outcome, error) {
	if len(fctx.Duplicates) == 0 {
		return Outcome{}, nil
	}
	return Outcome{
		Triggered: true,
		Score:     r.MaxScore(),
		Message:   "matches open claims " + claimIDs(fctx.Duplicates),
	}, nil
}

func claimIDs(claims []*domain.Claim) string {
	ids := make([]string, len(claims))
	for i, c := range claims {
		ids[i] = c.ID
	}
	return strings.Join(ids, ", ")
}
