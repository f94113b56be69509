package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/claimflow/internal/approval"
	"github.com/opensource-finance/claimflow/internal/automation"
	"github.com/opensource-finance/claimflow/internal/claims"
	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/extraction"
	"github.com/opensource-finance/claimflow/internal/fraud"
	"github.com/opensource-finance/claimflow/internal/rules"
	"github.com/opensource-finance/claimflow/internal/workflow"
)

// Services are the engines the API drives. Cache, Bus, Rules and
// Extractor may be nil.
type Services struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Claims     *claims.Service
	Machine    *workflow.Machine
	Approvals  *approval.Engine
	Fraud      *fraud.Service
	Automation *automation.Engine
	Rules      *rules.Engine
	Extractor  *extraction.Extractor
}

// Handler holds dependencies for API handlers.
type Handler struct {
	svc            Services
	version        string
	maxUploadBytes int64
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, version string, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}
	return &Handler{svc: svc, version: version, maxUploadBytes: maxUploadBytes}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, err error) {
		if err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.svc.Repo != nil {
		check("repository", h.svc.Repo.Ping(ctx))
	}
	if h.svc.Cache != nil {
		check("cache", h.svc.Cache.Ping(ctx))
	}
	if h.svc.Bus != nil {
		check("event_bus", h.svc.Bus.Ping(ctx))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.svc.Repo != nil {
		if err := h.svc.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateClaim handles POST /claims.
func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var in claims.NewClaim
	if err := decodeJSON(r, &in, true); err != nil {
		writeError(w, err)
		return
	}

	claim, err := h.svc.Claims.CreateClaim(r.Context(), actor, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

// GetClaim handles GET /claims/{id}.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := h.svc.Claims.GetClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ListClaims handles GET /claims?customerId= or ?policyId=.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		list []*domain.Claim
		err  error
	)
	switch {
	case q.Get("customerId") != "":
		list, err = h.svc.Repo.ListClaimsByCustomer(ctx, q.Get("customerId"))
	case q.Get("policyId") != "":
		list, err = h.svc.Repo.ListClaimsByPolicy(ctx, q.Get("policyId"))
	default:
		err = fmt.Errorf("%w: customerId or policyId query parameter is required", domain.ErrInvalidInput)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claims": list,
		"count":  len(list),
	})
}

// ListStaleClaims handles GET /claims/stale. It never mutates.
func (h *Handler) ListStaleClaims(w http.ResponseWriter, r *http.Request) {
	if _, err := staffFrom(r); err != nil {
		writeError(w, err)
		return
	}
	list, err := h.svc.Machine.StaleClaims(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claims": list,
		"count":  len(list),
	})
}

// SubmitClaim handles POST /claims/{id}/submit.
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	claim, err := h.svc.Claims.SubmitClaim(r.Context(), chi.URLParam(r, "id"), actor, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// TransitionRequest is the request body for POST /claims/{id}/transitions.
type TransitionRequest struct {
	Target         domain.ClaimState `json:"target"`
	Reason         string            `json:"reason"`
	ApprovedAmount *float64          `json:"approvedAmount,omitempty"`
}

// Transition handles POST /claims/{id}/transitions. The Idempotency-Key
// header becomes the request key of the history entry.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, err := staffFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req TransitionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	claim, err := h.svc.Machine.Transition(r.Context(), workflow.Request{
		ClaimID:        chi.URLParam(r, "id"),
		Target:         req.Target,
		Actor:          actor,
		Reason:         req.Reason,
		Key:            r.Header.Get(IdempotencyKeyHeader),
		ApprovedAmount: req.ApprovedAmount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ReopenRequest is the request body for POST /claims/{id}/reopen.
type ReopenRequest struct {
	Reason string `json:"reason"`
}

// Reopen handles POST /claims/{id}/reopen.
func (h *Handler) Reopen(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req ReopenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	claim, err := h.svc.Machine.Reopen(r.Context(), chi.URLParam(r, "id"), actor, req.Reason, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ArchiveClaim handles DELETE /claims/{id}.
func (h *Handler) ArchiveClaim(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Claims.ArchiveClaim(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadDocument handles multipart POST /claims/{id}/documents with a
// "file" part and a "kind" field.
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, fmt.Errorf("%w: multipart form: %v", domain.ErrInvalidInput, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: file part is required", domain.ErrInvalidInput))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("%w: read upload: %v", domain.ErrInvalidInput, err))
		return
	}

	doc, err := h.svc.Claims.UploadDocument(r.Context(), chi.URLParam(r, "id"), actor, claims.Upload{
		Kind:        domain.DocumentKind(r.FormValue("kind")),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// ListDocuments handles GET /claims/{id}/documents.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.Claims.ListDocuments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

// GetDocument handles GET /documents/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Repo.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ProcessRequest is the optional body of POST /documents/{id}/process.
type ProcessRequest struct {
	Provider string `json:"provider"`
}

// ProcessDocument handles POST /documents/{id}/process. Extraction runs
// synchronously; an exhausted provider chain answers 502 with the failed
// document in the body.
func (h *Handler) ProcessDocument(w http.ResponseWriter, r *http.Request) {
	if _, err := staffFrom(r); err != nil {
		writeError(w, err)
		return
	}

	var req ProcessRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	doc, err := h.svc.Claims.ProcessDocument(r.Context(), chi.URLParam(r, "id"), req.Provider)
	if err != nil {
		if doc != nil && errors.Is(err, domain.ErrExtractionProvider) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":    err.Error(),
				"code":     "extraction_failed",
				"document": doc,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ProviderHealth handles GET /extraction/providers.
func (h *Handler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	if h.svc.Extractor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "extraction not available",
		})
		return
	}

	ctx := r.Context()
	health := h.svc.Extractor.Health()
	names := h.svc.Extractor.Providers()
	order := names
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, map[string]any{
			"provider": name,
			"degraded": health != nil && health.Degraded(ctx, name),
		})
	}
	if health != nil {
		order = health.Order(ctx, names)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": out,
		"order":     order,
	})
}

// decodeJSON reads the request body into v. An empty body is an error only
// when required.
func decodeJSON(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// staffFrom returns the actor when it is not a claimant.
func staffFrom(r *http.Request) (domain.Actor, error) {
	actor, err := actorFrom(r)
	if err != nil {
		return actor, err
	}
	if actor.Role == domain.RoleClaimant {
		return domain.Actor{}, fmt.Errorf("%w: claimants may not perform this operation", domain.ErrUnauthorized)
	}
	return actor, nil
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusConflict, "lock_timeout"
	case errors.Is(err, domain.ErrStaleDecision):
		return http.StatusConflict, "stale_decision"
	case errors.Is(err, domain.ErrGuardRejected):
		return http.StatusUnprocessableEntity, "guard_rejected"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrNotRequiredApprover):
		return http.StatusForbidden, "not_required_approver"
	case errors.Is(err, domain.ErrPaymentFailed):
		return http.StatusBadGateway, "payment_failed"
	case errors.Is(err, domain.ErrExtractionProvider):
		return http.StatusBadGateway, "extraction_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	body := map[string]string{
		"error": err.Error(),
		"code":  code,
	}

	var guard *domain.GuardError
	if errors.As(err, &guard) {
		body["guard"] = guard.Guard
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		body["error"] = "internal server error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
