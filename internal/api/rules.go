package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// ListRules returns the CEL fraud rules loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.svc.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}
	loaded := h.svc.Rules.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule returns the stored rule, loaded or not.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Repo.GetRuleConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	MaxScore    float64           `json:"maxScore"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates and stores a rule. Call POST /rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	if h.svc.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	var req CreateRuleRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, fmt.Errorf("%w: id, name and expression are required", domain.ErrInvalidInput))
		return
	}
	if req.MaxScore <= 0 {
		writeError(w, fmt.Errorf("%w: maxScore must be positive", domain.ErrInvalidInput))
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	rule := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Bands:       req.Bands,
		MaxScore:    req.MaxScore,
		Enabled:     req.Enabled,
	}

	if err := h.svc.Rules.ValidateRule(rule); err != nil {
		writeError(w, fmt.Errorf("%w: invalid CEL expression: %v", domain.ErrInvalidInput, err))
		return
	}
	if err := h.svc.Repo.SaveRuleConfig(r.Context(), rule); err != nil {
		writeError(w, fmt.Errorf("save rule config: %w", err))
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "version", rule.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads every enabled rule from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	if h.svc.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	stored, err := h.svc.Repo.ListRuleConfigs(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("list rule configs: %w", err))
		return
	}
	latest := LatestVersions(stored)

	if err := h.svc.Rules.ReloadRules(latest); err != nil {
		writeError(w, fmt.Errorf("%w: reload rules: %v", domain.ErrInvalidInput, err))
		return
	}

	slog.Info("rules reloaded from database", "count", len(latest))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(latest),
	})
}

// LatestVersions keeps the highest version of each rule id.
func LatestVersions(stored []*domain.RuleConfig) []*domain.RuleConfig {
	best := make(map[string]*domain.RuleConfig, len(stored))
	var order []string
	for _, rule := range stored {
		cur, ok := best[rule.ID]
		if !ok {
			order = append(order, rule.ID)
		}
		if !ok || rule.Version > cur.Version {
			best[rule.ID] = rule
		}
	}
	out := make([]*domain.RuleConfig, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

func requireAdmin(r *http.Request) error {
	actor, err := actorFrom(r)
	if err != nil {
		return err
	}
	if actor.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: rule management requires the admin role", domain.ErrUnauthorized)
	}
	return nil
}
