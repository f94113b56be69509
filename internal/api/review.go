package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// AssessFraud handles POST /claims/{id}/fraud/assess.
func (h *Handler) AssessFraud(w http.ResponseWriter, r *http.Request) {
	if _, err := staffFrom(r); err != nil {
		writeError(w, err)
		return
	}
	assessment, err := h.svc.Claims.AssessFraud(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

// FlagReviewRequest is the request body for flag review and clearing.
type FlagReviewRequest struct {
	FalsePositive bool   `json:"falsePositive"`
	Note          string `json:"note"`
}

// ReviewFlag handles POST /claims/{id}/fraud/flags/{code}/review.
func (h *Handler) ReviewFlag(w http.ResponseWriter, r *http.Request) {
	actor, err := staffFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req FlagReviewRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	claim, err := h.svc.Fraud.ReviewFlag(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "code"), domain.FlagReview{
		Reviewer:      actor.ID,
		FalsePositive: req.FalsePositive,
		Note:          req.Note,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ClearFlag handles POST /claims/{id}/fraud/flags/{code}/clear.
func (h *Handler) ClearFlag(w http.ResponseWriter, r *http.Request) {
	actor, err := staffFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req FlagReviewRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	claim, err := h.svc.Fraud.ClearFlag(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "code"), actor.ID, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// RequestApproval handles POST /claims/{id}/approvals.
func (h *Handler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	if _, err := staffFrom(r); err != nil {
		writeError(w, err)
		return
	}
	req, err := h.svc.Approvals.RequestApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// LatestApproval handles GET /claims/{id}/approvals/latest.
func (h *Handler) LatestApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Repo.LatestApprovalRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// DecisionRequest is the request body for approve and reject.
type DecisionRequest struct {
	Notes string `json:"notes"`
}

// Approve handles POST /approvals/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// Reject handles POST /approvals/{id}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

// decide records a decision in the slot matching the actor's role.
func (h *Handler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	level, ok := actor.ApprovalLevel()
	if !ok {
		writeError(w, fmt.Errorf("%w: role %s cannot decide approvals", domain.ErrUnauthorized, actor.Role))
		return
	}

	var body DecisionRequest
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, err)
		return
	}

	decision := domain.Decision{ApproverID: actor.ID, Level: level, Notes: body.Notes}
	requestID := chi.URLParam(r, "id")

	var req *domain.ApprovalRequest
	if approve {
		req, err = h.svc.Approvals.Approve(r.Context(), requestID, decision)
	} else {
		req, err = h.svc.Approvals.Reject(r.Context(), requestID, decision)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Escalate handles POST /approvals/{id}/escalate.
func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.Elevated() {
		writeError(w, fmt.Errorf("%w: role %s may not escalate approvals", domain.ErrUnauthorized, actor.Role))
		return
	}
	req, err := h.svc.Approvals.Escalate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// EvaluateAutomation handles POST /claims/{id}/automation. The
// Idempotency-Key header is the automation request key.
func (h *Handler) EvaluateAutomation(w http.ResponseWriter, r *http.Request) {
	if _, err := staffFrom(r); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Automation.Evaluate(r.Context(), chi.URLParam(r, "id"), r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListAutomation handles GET /claims/{id}/automation.
func (h *Handler) ListAutomation(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.Repo.ListAutomationResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// ProcessPayment handles POST /claims/{id}/payment.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	actor, err := staffFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	claim, err := h.svc.Claims.ProcessPayment(r.Context(), chi.URLParam(r, "id"), actor, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}
