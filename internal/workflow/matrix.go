// Package workflow owns the claim lifecycle state machine.
package workflow

import (
	"github.com/opensource-finance/claimflow/internal/domain"
)

// transitions is the allowed edge set. CLOSED -> UNDER_REVIEW exists only
// for Reopen and is rejected by Transition.
var transitions = map[domain.ClaimState][]domain.ClaimState{
	domain.StateDraft:            {domain.StateSubmitted},
	domain.StateSubmitted:        {domain.StateUnderReview, domain.StatePendingDocuments},
	domain.StateUnderReview:      {domain.StatePendingDocuments, domain.StateInvestigating, domain.StateApproved, domain.StateRejected},
	domain.StatePendingDocuments: {domain.StateUnderReview},
	domain.StateInvestigating:    {domain.StateApproved, domain.StateRejected, domain.StateUnderReview},
	domain.StateApproved:         {domain.StatePaymentPending},
	domain.StatePaymentPending:   {domain.StatePaid},
	domain.StatePaid:             {domain.StateClosed},
	domain.StateRejected:         {domain.StateClosed},
	domain.StateClosed:           {domain.StateUnderReview},
}

// Allowed reports whether the matrix contains from -> to.
func Allowed(from, to domain.ClaimState) bool {
	for _, t := range transitions[from] {
		if t == to.Resolve() {
			return true
		}
	}
	return false
}

// Targets returns the states reachable from s in one step.
func Targets(s domain.ClaimState) []domain.ClaimState {
	return append([]domain.ClaimState(nil), transitions[s]...)
}

// Fold applies targets to start in order. It returns the final state, or the
// state before the first disallowed edge together with a *domain.TransitionError.
// Reopen edges are not part of the fold.
func Fold(start domain.ClaimState, targets []domain.ClaimState) (domain.ClaimState, error) {
	state := start
	for _, target := range targets {
		if state == domain.StateClosed || !Allowed(state, target) {
			return state, &domain.TransitionError{From: state, To: target}
		}
		state = target.Resolve()
	}
	return state, nil
}
