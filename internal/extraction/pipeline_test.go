package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/lock"
	"github.com/opensource-finance/claimflow/internal/repository"
	"github.com/opensource-finance/claimflow/internal/storage"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingBus struct {
	mu     sync.Mutex
	topics []string
	events []domain.ClaimEvent
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	var ev domain.ClaimEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

// limitedLocker grants a fixed number of locks and then times out.
type limitedLocker struct {
	lock.Locker
	mu        sync.Mutex
	remaining int
}

func (l *limitedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining == 0 {
		return nil, domain.ErrLockTimeout
	}
	l.remaining--
	return l.Locker.Lock(ctx, key)
}

type pipelineFixture struct {
	pipeline *Pipeline
	repo     *repository.MemoryRepository
	files    *storage.LocalStorage
	bus      *recordingBus
}

func newPipelineFixture(t *testing.T, providers ...domain.ExtractionProvider) *pipelineFixture {
	t.Helper()
	files, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	f := &pipelineFixture{
		repo:  repository.NewMemory(),
		files: files,
		bus:   &recordingBus{},
	}
	f.pipeline = NewPipeline(f.repo, files, lock.NewKeyedMutex(), f.bus, newTestExtractor(t, providers...), PipelineConfig{
		MaxFileBytes: 1 << 20,
		LockTimeout:  time.Second,
		Now:          func() time.Time { return testNow },
	})
	return f
}

func (f *pipelineFixture) upload(t *testing.T, id, name, contentType string, data []byte) *domain.ClaimDocument {
	t.Helper()
	ctx := context.Background()
	locator, err := f.files.Put(ctx, "clm-1/"+id+"-"+name, contentType, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	doc := &domain.ClaimDocument{
		ID:          id,
		ClaimID:     "clm-1",
		Kind:        domain.DocInvoice,
		Locator:     locator,
		FileName:    name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Status:      domain.DocumentPending,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	if err := f.repo.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	return doc
}

func TestProcessDocument(t *testing.T) {
	ctx := context.Background()
	invoice := "Invoice\nDate: 2026-05-20\nTotal due: $450.00"

	t.Run("FirstProviderTimesOut", func(t *testing.T) {
		slow := &fakeProvider{name: "primary", block: true}
		backup := &fakeProvider{name: "backup", text: invoice}
		f := newPipelineFixture(t, slow, backup)
		f.upload(t, "doc-1", "invoice.png", "image/png", pngBytes)

		doc, err := f.pipeline.ProcessDocument(ctx, "doc-1", "")
		if err != nil {
			t.Fatalf("ProcessDocument failed: %v", err)
		}
		if doc.Status != domain.DocumentProcessed {
			t.Errorf("expected status processed, got %s", doc.Status)
		}
		if doc.OCR == nil || doc.OCR.Provider != "backup" {
			t.Fatalf("expected OCR from backup, got %+v", doc.OCR)
		}
		if !doc.OCR.Validation.Valid {
			t.Errorf("expected valid invoice, got issues %v", doc.OCR.Validation.Issues)
		}
		if len(doc.OCR.Fields.Amounts) != 1 || doc.OCR.Fields.Amounts[0] != 450 {
			t.Errorf("expected amount 450, got %v", doc.OCR.Fields.Amounts)
		}

		stored, _ := f.repo.GetDocument(ctx, "doc-1")
		if stored.Status != domain.DocumentProcessed {
			t.Errorf("expected stored status processed, got %s", stored.Status)
		}
		if len(f.bus.topics) != 1 || f.bus.topics[0] != domain.TopicDocumentProcessed {
			t.Errorf("expected one document.processed event, got %v", f.bus.topics)
		}
	})

	t.Run("AlreadyProcessed", func(t *testing.T) {
		p := &fakeProvider{name: "only", text: invoice}
		f := newPipelineFixture(t, p)
		f.upload(t, "doc-1", "invoice.png", "image/png", pngBytes)

		if _, err := f.pipeline.ProcessDocument(ctx, "doc-1", ""); err != nil {
			t.Fatalf("ProcessDocument failed: %v", err)
		}
		if _, err := f.pipeline.ProcessDocument(ctx, "doc-1", ""); err != nil {
			t.Fatalf("second ProcessDocument failed: %v", err)
		}
		if p.calls.Load() != 1 {
			t.Errorf("expected provider called once, got %d", p.calls.Load())
		}
	})

	t.Run("AllProvidersFail", func(t *testing.T) {
		f := newPipelineFixture(t, &fakeProvider{name: "a", err: errors.New("down")})
		f.upload(t, "doc-1", "invoice.png", "image/png", pngBytes)

		doc, err := f.pipeline.ProcessDocument(ctx, "doc-1", "")
		if !errors.Is(err, domain.ErrExtractionProvider) {
			t.Fatalf("expected ErrExtractionProvider, got %v", err)
		}
		if doc == nil || doc.Status != domain.DocumentFailed {
			t.Fatalf("expected failed document, got %+v", doc)
		}
		if len(doc.OCR.Attempts) != 2 || len(doc.OCR.Validation.Issues) != 2 {
			t.Errorf("expected 2 attempts with issues, got %+v", doc.OCR)
		}
		if doc.OCR.Provider != "" {
			t.Errorf("expected no provider on failure, got %s", doc.OCR.Provider)
		}
	})

	t.Run("PreflightRejects", func(t *testing.T) {
		p := &fakeProvider{name: "a", text: invoice}
		f := newPipelineFixture(t, p)
		f.upload(t, "doc-1", "invoice.pdf", "application/pdf", pngBytes)

		doc, err := f.pipeline.ProcessDocument(ctx, "doc-1", "")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
		if doc.Status != domain.DocumentFailed {
			t.Errorf("expected failed status, got %s", doc.Status)
		}
		if p.calls.Load() != 0 {
			t.Errorf("expected no provider call, got %d", p.calls.Load())
		}
	})

	t.Run("CancelledStillRecordsFailure", func(t *testing.T) {
		f := newPipelineFixture(t, &fakeProvider{name: "slow", block: true})
		f.upload(t, "doc-1", "invoice.png", "image/png", pngBytes)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		doc, err := f.pipeline.ProcessDocument(cctx, "doc-1", "")
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
		if doc == nil || doc.Status != domain.DocumentFailed {
			t.Fatalf("expected failed document, got %+v", doc)
		}
		stored, _ := f.repo.GetDocument(ctx, "doc-1")
		if stored.Status != domain.DocumentFailed {
			t.Errorf("expected stored status failed, got %s", stored.Status)
		}
	})

	t.Run("SkipsDocumentInProcessing", func(t *testing.T) {
		p := &fakeProvider{name: "only", text: invoice}
		f := newPipelineFixture(t, p)
		doc := f.upload(t, "doc-1", "invoice.png", "image/png", pngBytes)
		doc.Status = domain.DocumentProcessing
		doc.UpdatedAt = testNow.Add(-time.Minute)
		if err := f.repo.SaveDocument(ctx, doc); err != nil {
			t.Fatalf("SaveDocument failed: %v", err)
		}

		got, err := f.pipeline.ProcessDocument(ctx, "doc-1", "")
		if err != nil {
			t.Fatalf("ProcessDocument failed: %v", err)
		}
		if got.Status != domain.DocumentProcessing {
			t.Errorf("expected status processing, got %s", got.Status)
		}
		if p.calls.Load() != 0 {
			t.Errorf("expected no provider call, got %d", p.calls.Load())
		}
	})

	t.Run("TakesOverStalledDocument", func(t *testing.T) {
		p := &fakeProvider{name: "only", text: invoice}
		f := newPipelineFixture(t, p)
		doc := f.upload(t, "doc-1", "invoice.png", "image/png", pngBytes)
		doc.Status = domain.DocumentProcessing
		doc.UpdatedAt = testNow.Add(-time.Hour)
		if err := f.repo.SaveDocument(ctx, doc); err != nil {
			t.Fatalf("SaveDocument failed: %v", err)
		}

		got, err := f.pipeline.ProcessDocument(ctx, "doc-1", "")
		if err != nil {
			t.Fatalf("ProcessDocument failed: %v", err)
		}
		if got.Status != domain.DocumentProcessed {
			t.Errorf("expected status processed, got %s", got.Status)
		}
	})

	t.Run("FailureStoredWithoutLock", func(t *testing.T) {
		f := newPipelineFixture(t, &fakeProvider{name: "a", err: errors.New("down")})
		f.upload(t, "doc-1", "invoice.png", "image/png", pngBytes)
		f.pipeline.locker = &limitedLocker{Locker: lock.NewKeyedMutex(), remaining: 1}

		_, err := f.pipeline.ProcessDocument(ctx, "doc-1", "")
		if !errors.Is(err, domain.ErrExtractionProvider) {
			t.Fatalf("expected ErrExtractionProvider, got %v", err)
		}
		stored, _ := f.repo.GetDocument(ctx, "doc-1")
		if stored.Status != domain.DocumentFailed {
			t.Errorf("expected stored status failed, got %s", stored.Status)
		}
	})

	t.Run("UnknownDocument", func(t *testing.T) {
		f := newPipelineFixture(t, &fakeProvider{name: "a", text: invoice})
		if _, err := f.pipeline.ProcessDocument(ctx, "missing", ""); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
