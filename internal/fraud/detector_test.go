package fraud

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/rules"
)

type stubRule struct {
	code    string
	max     float64
	trigger bool
	err     error
	panics  bool
}

func (r *stubRule) Code() string      { return r.code }
func (r *stubRule) MaxScore() float64 { return r.max }

func (r *stubRule) Evaluate(context.Context, *domain.Claim, *domain.FraudContext) (Outcome, error) {
	if r.panics {
		panic("boom")
	}
	if r.err != nil {
		return Outcome{}, r.err
	}
	if !r.trigger {
		return Outcome{}, nil
	}
	return Outcome{Triggered: true, Score: r.max, Message: r.code + " triggered"}, nil
}

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testClaim() *domain.Claim {
	return &domain.Claim{
		ID:              "clm-001",
		PolicyID:        "pol-001",
		CustomerID:      "cust-001",
		Type:            domain.ClaimTypeTheft,
		EstimatedAmount: 1500,
		State:           domain.StateUnderReview,
		IncidentDate:    testNow.AddDate(0, 0, -5),
		PolicyStartDate: testNow.AddDate(-2, 0, 0),
		CreatedAt:       testNow.AddDate(0, 0, -4),
	}
}

func testDocs(kinds ...domain.DocumentKind) []*domain.ClaimDocument {
	var docs []*domain.ClaimDocument
	for i, k := range kinds {
		docs = append(docs, &domain.ClaimDocument{
			ID:     "doc-" + string(rune('a'+i)),
			Kind:   k,
			Status: domain.DocumentProcessed,
			OCR: &domain.OCRResult{
				Provider:   "local",
				Confidence: 0.95,
				Validation: domain.ValidationOutcome{Valid: true, MatchesExpectedType: true},
			},
		})
	}
	return docs
}

func newTestDetector(t *testing.T, rs ...Rule) *Detector {
	t.Helper()
	registry, err := NewRegistry(rs...)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return NewDetector(registry, nil)
}

func TestRegistryOrder(t *testing.T) {
	registry, _ := NewRegistry(&stubRule{code: "B"}, &stubRule{code: "A"})
	registry.Register(&stubRule{code: "C"})

	got := registry.Rules()
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(got))
	}
	for i, expected := range []string{"B", "A", "C"} {
		if got[i].Code() != expected {
			t.Errorf("position %d: expected %s, got %s", i, expected, got[i].Code())
		}
	}

	if err := registry.Register(&stubRule{code: "A"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for duplicate code, got %v", err)
	}
}

func TestDetectFraudTiers(t *testing.T) {
	tests := []struct {
		name     string
		scores   []float64
		tier     domain.RiskTier
		rec      domain.Recommendation
		expected float64
	}{
		{"Clean", nil, domain.RiskLow, domain.RecommendApprove, 0},
		{"Low", []float64{20}, domain.RiskLow, domain.RecommendApprove, 20},
		{"Medium", []float64{20, 15}, domain.RiskMedium, domain.RecommendReview, 35},
		{"High", []float64{30, 25, 10}, domain.RiskHigh, domain.RecommendInvestigate, 65},
		{"Critical", []float64{30, 25, 20, 15}, domain.RiskCritical, domain.RecommendReject, 90},
		{"Clamped", []float64{60, 60}, domain.RiskCritical, domain.RecommendReject, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rs []Rule
			for i, s := range tt.scores {
				rs = append(rs, &stubRule{code: string(rune('A' + i)), max: s, trigger: true})
			}
			a := newTestDetector(t, rs...).DetectFraud(context.Background(), testClaim(), &domain.FraudContext{Now: testNow})

			if a.Score != tt.expected {
				t.Errorf("expected score %.0f, got %.0f", tt.expected, a.Score)
			}
			if a.Tier != tt.tier {
				t.Errorf("expected tier %s, got %s", tt.tier, a.Tier)
			}
			if a.Recommendation != tt.rec {
				t.Errorf("expected recommendation %s, got %s", tt.rec, a.Recommendation)
			}
		})
	}
}

func TestFlagSeverityFollowsContribution(t *testing.T) {
	d := newTestDetector(t,
		&stubRule{code: "BIG", max: 30, trigger: true},
		&stubRule{code: "SMALL", max: 5, trigger: true},
		&stubRule{code: "QUIET", max: 20},
	)
	a := d.DetectFraud(context.Background(), testClaim(), &domain.FraudContext{Now: testNow})

	if len(a.Flags) != 2 {
		t.Fatalf("expected 2 flags, got %d", len(a.Flags))
	}
	if a.Flags[0].Severity != domain.SeverityCritical {
		t.Errorf("expected CRITICAL for 30 points, got %s", a.Flags[0].Severity)
	}
	if a.Flags[1].Severity != domain.SeverityLow {
		t.Errorf("expected LOW for 5 points although tier is %s, got %s", a.Tier, a.Flags[1].Severity)
	}
	if len(a.Outcomes) != 3 {
		t.Errorf("expected an outcome for every rule, got %d", len(a.Outcomes))
	}
}

func TestRuleErrorIsMaximallySuspicious(t *testing.T) {
	d := newTestDetector(t,
		&stubRule{code: "BROKEN", max: 12, err: errors.New("missing data")},
		&stubRule{code: "PANICS", max: 8, panics: true},
	)
	a := d.DetectFraud(context.Background(), testClaim(), &domain.FraudContext{Now: testNow})

	if a.Score != 20 {
		t.Errorf("expected score 20, got %.1f", a.Score)
	}
	if len(a.Flags) != 2 {
		t.Fatalf("expected 2 flags, got %d", len(a.Flags))
	}
	for _, f := range a.Flags {
		if f.Severity != domain.SeverityCritical {
			t.Errorf("expected CRITICAL flag for %s, got %s", f.Code, f.Severity)
		}
	}
	if !a.Outcomes[0].Errored {
		t.Error("expected outcome to be marked errored")
	}
}

func TestScoreMonotonicInTriggeredRules(t *testing.T) {
	maxes := []float64{25, 20, 15, 20, 30}
	score := func(mask int) float64 {
		var rs []Rule
		for i, m := range maxes {
			rs = append(rs, &stubRule{code: string(rune('A' + i)), max: m, trigger: mask&(1<<i) != 0})
		}
		return newTestDetector(t, rs...).DetectFraud(context.Background(), testClaim(), &domain.FraudContext{Now: testNow}).Score
	}

	for mask := 0; mask < 1<<len(maxes); mask++ {
		base := score(mask)
		for i := range maxes {
			if mask&(1<<i) != 0 {
				continue
			}
			if more := score(mask | 1<<i); more < base {
				t.Errorf("mask %05b + rule %d: score dropped from %.0f to %.0f", mask, i, base, more)
			}
		}
	}
}

func TestBuiltinRules(t *testing.T) {
	cfg := domain.DefaultConfig()
	d := newTestDetector(t, BuiltinRules(cfg.Fraud, cfg.Automation.RequiredDocuments)...)
	ctx := context.Background()

	t.Run("Order", func(t *testing.T) {
		expected := []string{CodeAmountOutlier, CodeEarlyPolicyClaim, CodeMultipleOpenClaims, CodeDocumentationGaps, CodeDuplicateSignature}
		got := d.Rules()
		for i, code := range expected {
			if got[i].Code() != code {
				t.Errorf("position %d: expected %s, got %s", i, code, got[i].Code())
			}
		}
	})

	t.Run("CleanClaim", func(t *testing.T) {
		fctx := &domain.FraudContext{Now: testNow, Documents: testDocs(domain.DocPoliceReport)}
		a := d.DetectFraud(ctx, testClaim(), fctx)
		if a.Score != 0 || a.Tier != domain.RiskLow {
			t.Errorf("expected clean LOW assessment, got %.0f %s", a.Score, a.Tier)
		}
	})

	t.Run("AmountOutlierAgainstHistory", func(t *testing.T) {
		fctx := &domain.FraudContext{Now: testNow, PolicyClaims: 3, PolicyAverage: 400, Documents: testDocs(domain.DocPoliceReport)}
		a := d.DetectFraud(ctx, testClaim(), fctx)
		if len(a.Flags) != 1 || a.Flags[0].Code != CodeAmountOutlier {
			t.Fatalf("expected only AMOUNT_OUTLIER, got %+v", a.Flags)
		}
		if a.Score != 25 {
			t.Errorf("expected score 25, got %.0f", a.Score)
		}
	})

	t.Run("MissingPolicyStartIsSuspicious", func(t *testing.T) {
		c := testClaim()
		c.PolicyStartDate = time.Time{}
		fctx := &domain.FraudContext{Now: testNow, Documents: testDocs(domain.DocPoliceReport)}
		a := d.DetectFraud(ctx, c, fctx)
		if a.Score != 20 {
			t.Errorf("expected early-policy maximum 20, got %.0f", a.Score)
		}
		if a.Flags[0].Severity != domain.SeverityCritical {
			t.Errorf("expected CRITICAL flag for errored rule, got %s", a.Flags[0].Severity)
		}
	})

	t.Run("EarlyPolicyOpenClaimsDocsDuplicates", func(t *testing.T) {
		c := testClaim()
		c.PolicyStartDate = c.IncidentDate.AddDate(0, 0, -5)
		fctx := &domain.FraudContext{
			Now:        testNow,
			OpenClaims: 2,
			Duplicates: []*domain.Claim{{ID: "clm-other"}},
		}
		a := d.DetectFraud(ctx, c, fctx)
		if a.Score != 85 {
			t.Errorf("expected score 85, got %.0f", a.Score)
		}
		if a.Tier != domain.RiskCritical {
			t.Errorf("expected CRITICAL tier, got %s", a.Tier)
		}
	})

	t.Run("InconsistentDocumentHalfScore", func(t *testing.T) {
		docs := testDocs(domain.DocPoliceReport)
		docs[0].OCR.Validation.MatchesExpectedType = false
		a := d.DetectFraud(ctx, testClaim(), &domain.FraudContext{Now: testNow, Documents: docs})
		if a.Score != 10 {
			t.Errorf("expected score 10, got %.0f", a.Score)
		}
		if a.Flags[0].Severity != domain.SeverityMedium {
			t.Errorf("expected MEDIUM severity, got %s", a.Flags[0].Severity)
		}
	})
}

func TestCELRulesRunAfterBuiltins(t *testing.T) {
	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	one := 1.0
	engine.LoadRule(&domain.RuleConfig{
		ID:         "LATE_REPORT",
		Expression: "report_lag_days > 0",
		Bands:      []domain.RuleBand{{LowerLimit: &one, SubRuleRef: domain.RuleOutcomeFail, Reason: "reported late"}},
		MaxScore:   9,
		Enabled:    true,
	})

	registry, _ := NewRegistry(&stubRule{code: "FIRST", max: 5, trigger: true})
	d := NewDetector(registry, engine)

	a := d.DetectFraud(context.Background(), testClaim(), &domain.FraudContext{Now: testNow})
	if len(a.Outcomes) != 2 || a.Outcomes[1].Code != "LATE_REPORT" {
		t.Fatalf("expected CEL rule after registry rules, got %+v", a.Outcomes)
	}
	if a.Score != 14 {
		t.Errorf("expected score 14, got %.0f", a.Score)
	}
	if a.Flags[1].Severity != domain.SeverityMedium {
		t.Errorf("expected MEDIUM for 9 points, got %s", a.Flags[1].Severity)
	}
}
