// Package extraction turns uploaded claim documents into validated text
// and fields through a chain of recognition providers.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Extracted is the outcome of a successful provider chain run.
type Extracted struct {
	Provider   string
	Text       string
	Confidence float64
	Attempts   []domain.ProviderAttempt
}

// Config bounds provider calls.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	RetryBackoff   time.Duration
}

// Extractor runs providers in fallback order.
type Extractor struct {
	providers map[string]domain.ExtractionProvider
	order     []string
	health    *ProviderHealth
	cfg       Config
}

// NewExtractor creates an extractor over providers in their fallback order.
func NewExtractor(providers []domain.ExtractionProvider, health *ProviderHealth, cfg Config) (*Extractor, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: at least one extraction provider is required", domain.ErrInvalidInput)
	}
	if health == nil {
		health = NewProviderHealth(nil, 0, 0)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}

	e := &Extractor{
		providers: make(map[string]domain.ExtractionProvider, len(providers)),
		health:    health,
		cfg:       cfg,
	}
	for _, p := range providers {
		name := p.Name()
		if _, dup := e.providers[name]; dup {
			return nil, fmt.Errorf("%w: duplicate extraction provider %q", domain.ErrInvalidInput, name)
		}
		e.providers[name] = p
		e.order = append(e.order, name)
	}
	return e, nil
}

// Providers returns the configured provider names in fallback order.
func (e *Extractor) Providers() []string {
	return append([]string(nil), e.order...)
}

// Health returns the provider health tracker.
func (e *Extractor) Health() *ProviderHealth {
	return e.health
}

// plan returns the provider order for one run: preferred first, then the
// configured order with degraded providers moved to the end.
func (e *Extractor) plan(ctx context.Context, preferred string) []string {
	rest := make([]string, 0, len(e.order))
	for _, n := range e.order {
		if n != preferred {
			rest = append(rest, n)
		}
	}
	rest = e.health.Order(ctx, rest)
	if _, ok := e.providers[preferred]; ok {
		return append([]string{preferred}, rest...)
	}
	return rest
}

// ExtractText tries each provider up to MaxAttempts times. When every
// attempt fails it returns a *domain.ExtractionError with the attempt log.
func (e *Extractor) ExtractText(ctx context.Context, data []byte, hints domain.ExtractionHints, preferred string) (*Extracted, error) {
	var attempts []domain.ProviderAttempt

	for _, name := range e.plan(ctx, preferred) {
		provider := e.providers[name]
		for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				attempts = append(attempts, domain.ProviderAttempt{Provider: name, Attempt: attempt, Error: err.Error()})
				return nil, &domain.ExtractionError{Attempts: attempts}
			}

			start := time.Now()
			out, err := e.call(ctx, provider, data, hints)
			rec := domain.ProviderAttempt{
				Provider:   name,
				Attempt:    attempt,
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err == nil {
				attempts = append(attempts, rec)
				e.health.RecordSuccess(ctx, name)
				slog.Debug("extraction succeeded",
					"provider", name,
					"attempt", attempt,
					"duration_ms", rec.DurationMs,
				)
				return &Extracted{
					Provider:   name,
					Text:       out.Text,
					Confidence: clamp01(out.Confidence),
					Attempts:   attempts,
				}, nil
			}

			rec.Error = err.Error()
			attempts = append(attempts, rec)
			e.health.RecordFailure(ctx, name)
			slog.Warn("extraction attempt failed",
				"provider", name,
				"attempt", attempt,
				"duration_ms", rec.DurationMs,
				"error", err,
			)

			if errors.Is(err, ErrUnsupportedContent) {
				break
			}
			if attempt < e.cfg.MaxAttempts && !sleep(ctx, e.cfg.RetryBackoff*time.Duration(attempt)) {
				break
			}
		}
	}
	return nil, &domain.ExtractionError{Attempts: attempts}
}

// call runs one bounded provider attempt.
func (e *Extractor) call(ctx context.Context, p domain.ExtractionProvider, data []byte, hints domain.ExtractionHints) (*domain.Extraction, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	type result struct {
		out *domain.Extraction
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		out, err := p.Extract(attemptCtx, data, hints)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.out == nil || strings.TrimSpace(r.out.Text) == "" {
			return nil, errors.New("provider returned no text")
		}
		return r.out, nil
	case <-attemptCtx.Done():
		return nil, fmt.Errorf("attempt timed out after %s: %w", e.cfg.AttemptTimeout, attemptCtx.Err())
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
