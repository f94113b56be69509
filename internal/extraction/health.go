package extraction

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/claimflow/internal/cache"
	"github.com/opensource-finance/claimflow/internal/domain"
)

// ProviderHealth tracks recent provider failures in a cache window.
// One instance is created per process (or per test) and passed to the
// extractor explicitly.
type ProviderHealth struct {
	cache     domain.Cache
	threshold int64
	window    time.Duration
}

// NewProviderHealth creates a health tracker. A nil cache gets a private
// in-process cache.
func NewProviderHealth(c domain.Cache, threshold int, window time.Duration) *ProviderHealth {
	if c == nil {
		c = cache.NewLRUCache(256)
	}
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ProviderHealth{cache: c, threshold: int64(threshold), window: window}
}

func failureKey(provider string) string  { return "extraction:failures:" + provider }
func degradedKey(provider string) string { return "extraction:degraded:" + provider }

// RecordFailure counts a failure and marks the provider degraded once the
// threshold is reached inside the window.
func (h *ProviderHealth) RecordFailure(ctx context.Context, provider string) {
	n, err := h.cache.IncrementCounter(ctx, failureKey(provider), h.window)
	if err != nil {
		slog.Warn("failed to record provider failure",
			"provider", provider,
			"error", err,
		)
		return
	}
	if n >= h.threshold {
		if err := h.cache.Set(ctx, degradedKey(provider), []byte(strconv.FormatInt(n, 10)), h.window); err != nil {
			slog.Warn("failed to mark provider degraded",
				"provider", provider,
				"error", err,
			)
			return
		}
		if n == h.threshold {
			slog.Warn("extraction provider degraded",
				"provider", provider,
				"failures", n,
				"window", h.window.String(),
			)
		}
	}
}

// RecordSuccess clears the degraded mark.
func (h *ProviderHealth) RecordSuccess(ctx context.Context, provider string) {
	_ = h.cache.Delete(ctx, degradedKey(provider))
}

// Degraded reports whether the provider is currently tried last.
func (h *ProviderHealth) Degraded(ctx context.Context, provider string) bool {
	v, err := h.cache.Get(ctx, degradedKey(provider))
	return err == nil && v != nil
}

// Reset clears the failure counts and degraded marks of the given providers.
func (h *ProviderHealth) Reset(ctx context.Context, providers ...string) {
	for _, p := range providers {
		_ = h.cache.Delete(ctx, failureKey(p))
		_ = h.cache.Delete(ctx, degradedKey(p))
	}
}

// Order returns names with healthy providers first, keeping relative order.
func (h *ProviderHealth) Order(ctx context.Context, names []string) []string {
	healthy := make([]string, 0, len(names))
	var degraded []string
	for _, n := range names {
		if h.Degraded(ctx, n) {
			degraded = append(degraded, n)
		} else {
			healthy = append(healthy, n)
		}
	}
	return append(healthy, degraded...)
}
