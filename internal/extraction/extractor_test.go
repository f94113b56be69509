package extraction

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/claimflow/internal/cache"
	"github.com/opensource-finance/claimflow/internal/domain"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR fake image body")

// fakeProvider returns a fixed result or error, optionally blocking until
// the attempt is cancelled.
type fakeProvider struct {
	name  string
	text  string
	err   error
	block bool
	calls atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Extract(ctx context.Context, _ []byte, _ domain.ExtractionHints) (*domain.Extraction, error) {
	p.calls.Add(1)
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &domain.Extraction{Text: p.text, Confidence: 0.8}, nil
}

func newTestExtractor(t *testing.T, providers ...domain.ExtractionProvider) *Extractor {
	t.Helper()
	ext, err := NewExtractor(providers, NewProviderHealth(cache.NewLRUCache(100), 2, time.Minute), Config{
		MaxAttempts:    2,
		AttemptTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create extractor: %v", err)
	}
	return ext
}

func TestExtractText(t *testing.T) {
	ctx := context.Background()
	hints := domain.ExtractionHints{Kind: domain.DocInvoice}

	t.Run("FallsBackAfterTimeout", func(t *testing.T) {
		slow := &fakeProvider{name: "slow", block: true}
		fast := &fakeProvider{name: "fast", text: "Invoice total $120.00"}
		ext := newTestExtractor(t, slow, fast)

		out, err := ext.ExtractText(ctx, pngBytes, hints, "")
		if err != nil {
			t.Fatalf("ExtractText failed: %v", err)
		}
		if out.Provider != "fast" {
			t.Errorf("expected provider fast, got %s", out.Provider)
		}
		if slow.calls.Load() != 2 {
			t.Errorf("expected 2 attempts on slow provider, got %d", slow.calls.Load())
		}
		if len(out.Attempts) != 3 {
			t.Fatalf("expected 3 logged attempts, got %d", len(out.Attempts))
		}
		if out.Attempts[0].Error == "" || out.Attempts[2].Error != "" {
			t.Errorf("expected failed attempts before the success, got %+v", out.Attempts)
		}
	})

	t.Run("PreferredFirst", func(t *testing.T) {
		a := &fakeProvider{name: "a", text: "from a"}
		b := &fakeProvider{name: "b", text: "from b"}
		ext := newTestExtractor(t, a, b)

		out, err := ext.ExtractText(ctx, pngBytes, hints, "b")
		if err != nil {
			t.Fatalf("ExtractText failed: %v", err)
		}
		if out.Provider != "b" {
			t.Errorf("expected preferred provider b, got %s", out.Provider)
		}
		if a.calls.Load() != 0 {
			t.Errorf("expected provider a unused, got %d calls", a.calls.Load())
		}
	})

	t.Run("AllFail", func(t *testing.T) {
		a := &fakeProvider{name: "a", err: errors.New("boom")}
		b := &fakeProvider{name: "b", text: "   "}
		ext := newTestExtractor(t, a, b)

		_, err := ext.ExtractText(ctx, pngBytes, hints, "")
		if !errors.Is(err, domain.ErrExtractionProvider) {
			t.Fatalf("expected ErrExtractionProvider, got %v", err)
		}
		var extErr *domain.ExtractionError
		if !errors.As(err, &extErr) {
			t.Fatalf("expected *ExtractionError, got %T", err)
		}
		if len(extErr.Attempts) != 4 {
			t.Errorf("expected 4 attempts, got %d", len(extErr.Attempts))
		}
	})

	t.Run("UnsupportedSkipsRetries", func(t *testing.T) {
		a := &fakeProvider{name: "a", err: ErrUnsupportedContent}
		b := &fakeProvider{name: "b", text: "ok"}
		ext := newTestExtractor(t, a, b)

		if _, err := ext.ExtractText(ctx, pngBytes, hints, ""); err != nil {
			t.Fatalf("ExtractText failed: %v", err)
		}
		if a.calls.Load() != 1 {
			t.Errorf("expected 1 call on unsupported provider, got %d", a.calls.Load())
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		a := &fakeProvider{name: "a", text: "ok"}
		ext := newTestExtractor(t, a)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ext.ExtractText(cctx, pngBytes, hints, "")
		if !errors.Is(err, domain.ErrExtractionProvider) {
			t.Errorf("expected ErrExtractionProvider, got %v", err)
		}
		if a.calls.Load() != 0 {
			t.Errorf("expected no provider calls, got %d", a.calls.Load())
		}
	})

	t.Run("DuplicateProvider", func(t *testing.T) {
		_, err := NewExtractor([]domain.ExtractionProvider{&fakeProvider{name: "a"}, &fakeProvider{name: "a"}}, nil, Config{})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestProviderHealth(t *testing.T) {
	ctx := context.Background()
	h := NewProviderHealth(cache.NewLRUCache(100), 2, time.Minute)

	h.RecordFailure(ctx, "a")
	if h.Degraded(ctx, "a") {
		t.Error("expected a healthy below the threshold")
	}
	h.RecordFailure(ctx, "a")
	if !h.Degraded(ctx, "a") {
		t.Error("expected a degraded at the threshold")
	}

	order := h.Order(ctx, []string{"a", "b", "c"})
	if order[0] != "b" || order[1] != "c" || order[2] != "a" {
		t.Errorf("expected [b c a], got %v", order)
	}

	h.Reset(ctx, "a")
	if h.Degraded(ctx, "a") {
		t.Error("expected a healthy after reset")
	}

	t.Run("IndependentInstances", func(t *testing.T) {
		other := NewProviderHealth(nil, 2, time.Minute)
		h.RecordFailure(ctx, "x")
		h.RecordFailure(ctx, "x")
		if other.Degraded(ctx, "x") {
			t.Error("expected separate health contexts not to share state")
		}
	})
}

func TestDegradedProviderTriedLast(t *testing.T) {
	ctx := context.Background()
	a := &fakeProvider{name: "a", text: "from a"}
	b := &fakeProvider{name: "b", text: "from b"}
	ext := newTestExtractor(t, a, b)

	ext.Health().RecordFailure(ctx, "a")
	ext.Health().RecordFailure(ctx, "a")

	out, err := ext.ExtractText(ctx, pngBytes, domain.ExtractionHints{}, "")
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if out.Provider != "b" {
		t.Errorf("expected healthy provider b first, got %s", out.Provider)
	}
}
