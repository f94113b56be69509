package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensource-finance/claimflow/internal/domain"
)

const documentColumns = `id, claim_id, kind, locator, file_name, content_type, size, status, ocr, created_at, updated_at`

// SaveDocument upserts a document and its OCR result.
func (r *SQLRepository) SaveDocument(ctx context.Context, d *domain.ClaimDocument) error {
	if d == nil || d.ID == "" || d.ClaimID == "" {
		return fmt.Errorf("%w: document id and claim id are required", domain.ErrInvalidInput)
	}

	var ocr sql.NullString
	if d.OCR != nil {
		s, err := marshalJSON(d.OCR)
		if err != nil {
			return fmt.Errorf("marshal ocr result: %w", err)
		}
		ocr = sql.NullString{String: s, Valid: true}
	}

	query := `
		INSERT INTO claim_documents (` + documentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			locator = excluded.locator,
			file_name = excluded.file_name,
			content_type = excluded.content_type,
			size = excluded.size,
			status = excluded.status,
			ocr = excluded.ocr,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.ClaimID, string(d.Kind), d.Locator, d.FileName, d.ContentType, d.Size,
		string(d.Status), ocr, d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	return err
}

// GetDocument retrieves a document by ID.
func (r *SQLRepository) GetDocument(ctx context.Context, id string) (*domain.ClaimDocument, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT `+documentColumns+` FROM claim_documents WHERE id = ? AND archived_at IS NULL`,
	), id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

// ListDocuments returns a claim's documents in upload order.
func (r *SQLRepository) ListDocuments(ctx context.Context, claimID string) ([]*domain.ClaimDocument, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(
		`SELECT `+documentColumns+` FROM claim_documents WHERE claim_id = ? AND archived_at IS NULL ORDER BY created_at, id`,
	), claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.ClaimDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func scanDocument(s rowScanner) (*domain.ClaimDocument, error) {
	var d domain.ClaimDocument
	var kind, status string
	var fileName, contentType, ocr sql.NullString

	if err := s.Scan(
		&d.ID, &d.ClaimID, &kind, &d.Locator, &fileName, &contentType, &d.Size,
		&status, &ocr, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Kind = domain.DocumentKind(kind)
	d.Status = domain.DocumentStatus(status)
	d.FileName = fileName.String
	d.ContentType = contentType.String
	if ocr.Valid && ocr.String != "" {
		var res domain.OCRResult
		if err := unmarshalJSON(ocr.String, &res); err != nil {
			return nil, fmt.Errorf("parse ocr result for %s: %w", d.ID, err)
		}
		d.OCR = &res
	}
	return &d, nil
}
