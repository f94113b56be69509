package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensource-finance/claimflow/internal/domain"
)

const approvalColumns = `id, claim_id, cycle, amount, approvers, status, created_at, level_since, resolved_at, escalations`

// SaveApprovalRequest upserts an approval request.
func (r *SQLRepository) SaveApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	if req == nil || req.ID == "" || req.ClaimID == "" {
		return fmt.Errorf("%w: approval request id and claim id are required", domain.ErrInvalidInput)
	}
	approvers, err := marshalJSON(req.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	var resolved sql.NullTime
	if req.ResolvedAt != nil {
		resolved = sql.NullTime{Time: req.ResolvedAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO approval_requests (` + approvalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			approvers = excluded.approvers,
			status = excluded.status,
			level_since = excluded.level_since,
			resolved_at = excluded.resolved_at,
			escalations = excluded.escalations
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		req.ID, req.ClaimID, req.Cycle, req.Amount, approvers, string(req.Status),
		req.CreatedAt.UTC(), req.LevelSince.UTC(), resolved, req.Escalations,
	)
	return err
}

// GetApprovalRequest retrieves an approval request by ID.
func (r *SQLRepository) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`), id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return req, err
}

// LatestApprovalRequest returns the highest cycle for the claim.
func (r *SQLRepository) LatestApprovalRequest(ctx context.Context, claimID string) (*domain.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT `+approvalColumns+` FROM approval_requests WHERE claim_id = ? ORDER BY cycle DESC LIMIT 1`,
	), claimID)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return req, err
}

// ListOpenApprovalRequests returns pending and escalated requests, oldest first.
func (r *SQLRepository) ListOpenApprovalRequests(ctx context.Context) ([]*domain.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(
		`SELECT `+approvalColumns+` FROM approval_requests WHERE status IN (?, ?) ORDER BY created_at`,
	), string(domain.ApprovalPending), string(domain.ApprovalEscalated))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(s rowScanner) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	var approvers, status string
	var resolved sql.NullTime

	if err := s.Scan(
		&req.ID, &req.ClaimID, &req.Cycle, &req.Amount, &approvers, &status,
		&req.CreatedAt, &req.LevelSince, &resolved, &req.Escalations,
	); err != nil {
		return nil, err
	}
	req.Status = domain.ApprovalStatus(status)
	if resolved.Valid {
		t := resolved.Time
		req.ResolvedAt = &t
	}
	if err := unmarshalJSON(approvers, &req.Approvers); err != nil {
		return nil, fmt.Errorf("parse approvers for %s: %w", req.ID, err)
	}
	return &req, nil
}
