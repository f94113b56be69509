package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockTimeout  = errors.New("lock acquisition timed out")

	// ErrInvalidTransition means the requested edge is not in the matrix.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrGuardRejected means the edge is valid but a precondition is unmet.
	// The concrete error is a *GuardError naming the guard.
	ErrGuardRejected = errors.New("guard rejected")

	// ErrExtractionProvider means every configured provider failed.
	ErrExtractionProvider = errors.New("extraction provider error")

	// ErrApprovalAlreadyResolved marks a decision on a resolved cycle.
	// The approval engine absorbs it and returns the resolved request.
	ErrApprovalAlreadyResolved = errors.New("approval already resolved")

	ErrNotRequiredApprover = errors.New("approver level not required for this request")

	// ErrDuplicateAutomationRequest marks a repeated automation request key.
	// The automation engine absorbs it and reports Duplicate=true.
	ErrDuplicateAutomationRequest = errors.New("duplicate automation request")

	ErrPaymentFailed = errors.New("payment failed")

	// ErrStaleDecision means the claim changed after the caller decided on it.
	ErrStaleDecision = errors.New("decision no longer holds")
)

// Guard names.
const (
	GuardApproval       = "approval_complete"
	GuardApprovedAmount = "approved_amount"
	GuardFraudFlags     = "no_unresolved_fraud_flags"
	GuardPrivilege      = "elevated_privilege"
)

// GuardError reports which guard refused a transition.
type GuardError struct {
	Guard  string
	From   ClaimState
	To     ClaimState
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard %s rejected %s -> %s: %s", e.Guard, e.From, e.To, e.Reason)
}

func (e *GuardError) Unwrap() error { return ErrGuardRejected }

// TransitionError reports a disallowed edge.
type TransitionError struct {
	From ClaimState
	To   ClaimState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s is not allowed", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ExtractionError reports an exhausted provider chain.
type ExtractionError struct {
	Attempts []ProviderAttempt
}

func (e *ExtractionError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s#%d: %s", a.Provider, a.Attempt, a.Error))
	}
	return "all extraction providers failed: " + strings.Join(parts, "; ")
}

func (e *ExtractionError) Unwrap() error { return ErrExtractionProvider }

// Issues returns one issue line per failed attempt.
func (e *ExtractionError) Issues() []string {
	out := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, fmt.Sprintf("provider %s attempt %d failed: %s", a.Provider, a.Attempt, a.Error))
	}
	return out
}
