package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// SaveAutomationResult stores one automation audit record.
func (r *SQLRepository) SaveAutomationResult(ctx context.Context, res *domain.AutomationResult) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("%w: automation result id is required", domain.ErrInvalidInput)
	}
	rules, err := marshalJSON(res.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	var sla sql.NullString
	if res.SLA != nil {
		s, err := marshalJSON(res.SLA)
		if err != nil {
			return fmt.Errorf("marshal sla: %w", err)
		}
		sla = sql.NullString{String: s, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO automation_results (
			id, claim_id, request_key, duplicate, rules, sla, state_before, state_after, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		res.ID, res.ClaimID, res.RequestKey, boolInt(res.Duplicate), rules, sla,
		string(res.StateBefore), string(res.StateAfter), res.EvaluatedAt.UTC(),
	)
	return err
}

// ListAutomationResults returns a claim's automation history, oldest first.
func (r *SQLRepository) ListAutomationResults(ctx context.Context, claimID string) ([]*domain.AutomationResult, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, claim_id, request_key, duplicate, rules, sla, state_before, state_after, evaluated_at
		FROM automation_results
		WHERE claim_id = ?
		ORDER BY evaluated_at
	`), claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AutomationResult
	for rows.Next() {
		var res domain.AutomationResult
		var duplicate int
		var rules, before, after string
		var sla sql.NullString
		if err := rows.Scan(
			&res.ID, &res.ClaimID, &res.RequestKey, &duplicate, &rules, &sla,
			&before, &after, &res.EvaluatedAt,
		); err != nil {
			return nil, err
		}
		res.Duplicate = duplicate == 1
		res.StateBefore = domain.ClaimState(before)
		res.StateAfter = domain.ClaimState(after)
		if err := unmarshalJSON(rules, &res.Rules); err != nil {
			return nil, fmt.Errorf("parse rules for %s: %w", res.ID, err)
		}
		if sla.Valid {
			res.SLA = &domain.SLAStatus{}
			if err := unmarshalJSON(sla.String, res.SLA); err != nil {
				return nil, fmt.Errorf("parse sla for %s: %w", res.ID, err)
			}
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}
