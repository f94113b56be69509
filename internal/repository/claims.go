package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
)

const claimColumns = `
	id, policy_id, customer_id, type, description, currency,
	estimated_amount, approved_amount, paid_amount,
	state, risk_tier, fraud_score, priority,
	incident_date, policy_start_date, created_at, updated_at,
	approval_cycle, fraud_flags, approvers, document_ids
`

// SaveClaim upserts the claim row and inserts history entries not yet stored,
// in one transaction.
func (r *SQLRepository) SaveClaim(ctx context.Context, c *domain.Claim) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: claim id is required", domain.ErrInvalidInput)
	}

	flags, err := marshalJSON(c.FraudFlags)
	if err != nil {
		return fmt.Errorf("marshal fraud flags: %w", err)
	}
	approvers, err := marshalJSON(c.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	docs, err := marshalJSON(c.DocumentIDs)
	if err != nil {
		return fmt.Errorf("marshal document ids: %w", err)
	}

	var approved sql.NullFloat64
	if c.ApprovedAmount != nil {
		approved = sql.NullFloat64{Float64: *c.ApprovedAmount, Valid: true}
	}

	upsert := `
		INSERT INTO claims (` + claimColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			policy_id = excluded.policy_id,
			customer_id = excluded.customer_id,
			type = excluded.type,
			description = excluded.description,
			currency = excluded.currency,
			estimated_amount = excluded.estimated_amount,
			approved_amount = excluded.approved_amount,
			paid_amount = excluded.paid_amount,
			state = excluded.state,
			risk_tier = excluded.risk_tier,
			fraud_score = excluded.fraud_score,
			priority = excluded.priority,
			incident_date = excluded.incident_date,
			policy_start_date = excluded.policy_start_date,
			updated_at = excluded.updated_at,
			approval_cycle = excluded.approval_cycle,
			fraud_flags = excluded.fraud_flags,
			approvers = excluded.approvers,
			document_ids = excluded.document_ids
	`

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.rebind(upsert),
			c.ID, c.PolicyID, c.CustomerID, string(c.Type), c.Description, c.Currency,
			c.EstimatedAmount, approved, c.PaidAmount,
			string(c.State), string(c.RiskTier), c.FraudScore, string(c.Priority),
			c.IncidentDate.UTC(), c.PolicyStartDate.UTC(), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
			c.ApprovalCycle, flags, approvers, docs,
		); err != nil {
			return fmt.Errorf("upsert claim: %w", err)
		}

		insert := r.rebind(`
			INSERT INTO claim_history (claim_id, seq, from_state, to_state, actor, reason, request_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(claim_id, seq) DO NOTHING
		`)
		for i, h := range c.History {
			if _, err := tx.ExecContext(ctx, insert,
				c.ID, i+1, string(h.From), string(h.To), h.Actor, h.Reason, h.RequestKey, h.Timestamp.UTC(),
			); err != nil {
				return fmt.Errorf("insert history %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// AppendHistory inserts one history entry and moves the claim's state.
func (r *SQLRepository) AppendHistory(ctx context.Context, claimID string, change domain.StateChange) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.rebind(`
			UPDATE claims SET state = ?, updated_at = ?
			WHERE id = ? AND archived_at IS NULL
		`), string(change.To), change.Timestamp.UTC(), claimID)
		if err != nil {
			return fmt.Errorf("update claim state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}

		var seq int
		if err := tx.QueryRowContext(ctx, r.rebind(
			`SELECT COALESCE(MAX(seq), 0) FROM claim_history WHERE claim_id = ?`,
		), claimID).Scan(&seq); err != nil {
			return fmt.Errorf("read history seq: %w", err)
		}

		if _, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO claim_history (claim_id, seq, from_state, to_state, actor, reason, request_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), claimID, seq+1, string(change.From), string(change.To), change.Actor, change.Reason, change.RequestKey, change.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}

// LoadClaim retrieves a claim with its full history.
func (r *SQLRepository) LoadClaim(ctx context.Context, id string) (*domain.Claim, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT `+claimColumns+` FROM claims WHERE id = ? AND archived_at IS NULL`,
	), id)

	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	c.History = history
	return c, nil
}

func (r *SQLRepository) loadHistory(ctx context.Context, claimID string) ([]domain.StateChange, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT from_state, to_state, actor, reason, request_key, created_at
		FROM claim_history
		WHERE claim_id = ?
		ORDER BY seq
	`), claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.StateChange
	for rows.Next() {
		var h domain.StateChange
		var from, to string
		var reason sql.NullString
		if err := rows.Scan(&from, &to, &h.Actor, &reason, &h.RequestKey, &h.Timestamp); err != nil {
			return nil, err
		}
		h.From = domain.ClaimState(from)
		h.To = domain.ClaimState(to)
		h.Reason = reason.String
		history = append(history, h)
	}
	return history, rows.Err()
}

// ListClaimsByCustomer returns the customer's claims, oldest first. History is not loaded.
func (r *SQLRepository) ListClaimsByCustomer(ctx context.Context, customerID string) ([]*domain.Claim, error) {
	return r.listClaims(ctx, `customer_id = ?`, customerID)
}

// ListClaimsByPolicy returns the policy's claims, oldest first. History is not loaded.
func (r *SQLRepository) ListClaimsByPolicy(ctx context.Context, policyID string) ([]*domain.Claim, error) {
	return r.listClaims(ctx, `policy_id = ?`, policyID)
}

// ListStaleClaims returns non-terminal claims not updated since cutoff. History is not loaded.
func (r *SQLRepository) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]*domain.Claim, error) {
	return r.listClaims(ctx, `state <> ? AND updated_at < ?`, string(domain.StateClosed), cutoff.UTC())
}

func (r *SQLRepository) listClaims(ctx context.Context, where string, args ...any) ([]*domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE ` + where + ` AND archived_at IS NULL ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// ArchiveClaim hides the claim and its documents.
func (r *SQLRepository) ArchiveClaim(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.rebind(
			`UPDATE claims SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
		), now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, r.rebind(
			`UPDATE claim_documents SET archived_at = ? WHERE claim_id = ? AND archived_at IS NULL`,
		), now, id)
		return err
	})
}

func scanClaim(s rowScanner) (*domain.Claim, error) {
	var c domain.Claim
	var claimType, state, priority string
	var description, riskTier sql.NullString
	var approved sql.NullFloat64
	var flags, approvers, docs string

	if err := s.Scan(
		&c.ID, &c.PolicyID, &c.CustomerID, &claimType, &description, &c.Currency,
		&c.EstimatedAmount, &approved, &c.PaidAmount,
		&state, &riskTier, &c.FraudScore, &priority,
		&c.IncidentDate, &c.PolicyStartDate, &c.CreatedAt, &c.UpdatedAt,
		&c.ApprovalCycle, &flags, &approvers, &docs,
	); err != nil {
		return nil, err
	}

	c.Type = domain.ClaimType(claimType)
	c.Description = description.String
	c.State = domain.ClaimState(state)
	c.RiskTier = domain.RiskTier(riskTier.String)
	c.Priority = domain.Priority(priority)
	if approved.Valid {
		v := approved.Float64
		c.ApprovedAmount = &v
	}
	if err := unmarshalJSON(flags, &c.FraudFlags); err != nil {
		return nil, fmt.Errorf("parse fraud flags for %s: %w", c.ID, err)
	}
	if err := unmarshalJSON(approvers, &c.Approvers); err != nil {
		return nil, fmt.Errorf("parse approvers for %s: %w", c.ID, err)
	}
	if err := unmarshalJSON(docs, &c.DocumentIDs); err != nil {
		return nil, fmt.Errorf("parse document ids for %s: %w", c.ID, err)
	}
	return &c, nil
}
