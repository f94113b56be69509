package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/claimflow/internal/bus"
	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/lock"
)

var tracer = otel.Tracer("claimflow-extraction")

// PipelineConfig holds document processing settings.
type PipelineConfig struct {
	MaxFileBytes int64
	LockTimeout  time.Duration
	Languages    []string

	// ProcessingTimeout is how long a document may stay in processing before
	// another run may take it over.
	ProcessingTimeout time.Duration
	Now               domain.Clock
}

// Pipeline processes stored documents into OCR results.
type Pipeline struct {
	documents domain.DocumentStore
	files     domain.FileStorage
	locker    lock.Locker
	bus       domain.EventBus
	extractor *Extractor
	cfg       PipelineConfig
}

// NewPipeline creates a document pipeline.
func NewPipeline(documents domain.DocumentStore, files domain.FileStorage, locker lock.Locker, eventBus domain.EventBus, extractor *Extractor, cfg PipelineConfig) *Pipeline {
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		documents: documents,
		files:     files,
		locker:    locker,
		bus:       eventBus,
		extractor: extractor,
		cfg:       cfg,
	}
}

// Extractor returns the provider chain.
func (p *Pipeline) Extractor() *Extractor {
	return p.extractor
}

// ProcessDocument extracts and validates one document. A document that is
// already processed, or being processed by another run, is returned
// unchanged. On any failure the document is stored as failed with the
// attempt log, and the error is returned.
func (p *Pipeline) ProcessDocument(ctx context.Context, documentID, preferred string) (*domain.ClaimDocument, error) {
	ctx, span := tracer.Start(ctx, "extraction.ProcessDocument",
		trace.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("provider.preferred", preferred),
		),
	)
	defer span.End()

	start := time.Now()

	doc, claimed, err := p.begin(ctx, documentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !claimed {
		span.SetAttributes(attribute.String("document.status", string(doc.Status)))
		return doc, nil
	}
	span.SetAttributes(attribute.String("claim.id", doc.ClaimID))

	ocr, err := p.extract(ctx, doc, preferred)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		// Record the failure even when ctx was cancelled.
		failed := p.failure(err)
		saved, saveErr := p.finish(context.WithoutCancel(ctx), doc, domain.DocumentFailed, failed)
		if saveErr != nil {
			slog.Error("failed to store document failure",
				"document_id", documentID,
				"claim_id", doc.ClaimID,
				"error", saveErr,
			)
			return nil, errors.Join(err, saveErr)
		}
		slog.Warn("document processing failed",
			"document_id", documentID,
			"claim_id", doc.ClaimID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return saved, err
	}

	saved, err := p.finish(ctx, doc, domain.DocumentProcessed, ocr)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("provider", ocr.Provider),
		attribute.Bool("document.valid", ocr.Validation.Valid),
	)
	slog.Info("document processed",
		"document_id", documentID,
		"claim_id", doc.ClaimID,
		"provider", ocr.Provider,
		"valid", ocr.Validation.Valid,
		"confidence", ocr.Confidence,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return saved, nil
}

// begin marks the document as processing under the claim lock. claimed is
// false when the document is processed or another run holds it.
func (p *Pipeline) begin(ctx context.Context, documentID string) (doc *domain.ClaimDocument, claimed bool, err error) {
	doc, err = p.documents.GetDocument(ctx, documentID)
	if err != nil {
		return nil, false, err
	}

	unlock, err := lock.Claim(ctx, p.locker, doc.ClaimID, p.cfg.LockTimeout)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	// Reload under the lock; a concurrent run may have taken or finished it.
	doc, err = p.documents.GetDocument(ctx, documentID)
	if err != nil {
		return nil, false, err
	}
	now := p.cfg.Now().UTC()
	switch doc.Status {
	case domain.DocumentProcessed:
		return doc, false, nil
	case domain.DocumentProcessing:
		if now.Sub(doc.UpdatedAt) < p.cfg.ProcessingTimeout {
			slog.Debug("document already processing",
				"document_id", documentID,
				"claim_id", doc.ClaimID,
				"since", doc.UpdatedAt,
			)
			return doc, false, nil
		}
		slog.Warn("taking over stalled document",
			"document_id", documentID,
			"claim_id", doc.ClaimID,
			"since", doc.UpdatedAt,
		)
	}

	doc.Status = domain.DocumentProcessing
	doc.UpdatedAt = now
	if err := p.documents.SaveDocument(ctx, doc); err != nil {
		return nil, false, fmt.Errorf("mark document processing: %w", err)
	}
	return doc, true, nil
}

func (p *Pipeline) extract(ctx context.Context, doc *domain.ClaimDocument, preferred string) (*domain.OCRResult, error) {
	data, err := p.files.Get(ctx, doc.Locator)
	if err != nil {
		return nil, fmt.Errorf("load document bytes: %w", err)
	}

	file := File{Name: doc.FileName, ContentType: doc.ContentType, Data: data}
	if err := ValidateDocument(file, doc.Kind, p.cfg.MaxFileBytes); err != nil {
		return nil, err
	}

	hints := domain.ExtractionHints{
		Kind:        doc.Kind,
		ContentType: doc.ContentType,
		FileName:    doc.FileName,
		Languages:   p.cfg.Languages,
	}
	out, err := p.extractor.ExtractText(ctx, data, hints, preferred)
	if err != nil {
		return nil, err
	}

	fields, validation := Parse(doc.Kind, out.Text)
	return &domain.OCRResult{
		Provider:   out.Provider,
		Text:       out.Text,
		Fields:     fields,
		Confidence: out.Confidence,
		Validation: validation,
		Attempts:   out.Attempts,
		CreatedAt:  p.cfg.Now().UTC(),
	}, nil
}

func (p *Pipeline) failure(err error) *domain.OCRResult {
	ocr := &domain.OCRResult{CreatedAt: p.cfg.Now().UTC()}

	var extErr *domain.ExtractionError
	if errors.As(err, &extErr) {
		ocr.Attempts = extErr.Attempts
		ocr.Validation.Issues = extErr.Issues()
	} else {
		ocr.Validation.Issues = []string{err.Error()}
	}
	return ocr
}

// finish stores the result under the claim lock and publishes document.processed.
// A failure is stored even when the lock cannot be taken, so the document
// never stays in processing.
func (p *Pipeline) finish(ctx context.Context, doc *domain.ClaimDocument, status domain.DocumentStatus, ocr *domain.OCRResult) (*domain.ClaimDocument, error) {
	unlock, err := lock.Claim(ctx, p.locker, doc.ClaimID, p.cfg.LockTimeout)
	if err != nil {
		if status != domain.DocumentFailed {
			return nil, err
		}
		slog.Warn("storing document failure without the claim lock",
			"document_id", doc.ID,
			"claim_id", doc.ClaimID,
			"error", err,
		)
		unlock = func() {}
	}

	current, err := p.documents.GetDocument(ctx, doc.ID)
	if err != nil {
		unlock()
		return nil, err
	}
	current.Status = status
	current.OCR = ocr
	current.UpdatedAt = ocr.CreatedAt
	if err := p.documents.SaveDocument(ctx, current); err != nil {
		unlock()
		return nil, fmt.Errorf("store document result: %w", err)
	}
	unlock()

	bus.Emit(ctx, p.bus, domain.TopicDocumentProcessed, domain.ClaimEvent{
		ClaimID:    current.ClaimID,
		DocumentID: current.ID,
		Data: map[string]any{
			"status":   string(status),
			"provider": ocr.Provider,
			"valid":    ocr.Validation.Valid,
		},
		OccurredAt: ocr.CreatedAt,
	})
	return current, nil
}
