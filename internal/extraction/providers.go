package extraction

import (
	"context"
	"fmt"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// NewProviders builds the configured providers in fallback order.
func NewProviders(ctx context.Context, cfg domain.ExtractionConfig) ([]domain.ExtractionProvider, error) {
	names := cfg.Providers
	if len(names) == 0 {
		names = []string{ProviderLocal}
	}

	providers := make([]domain.ExtractionProvider, 0, len(names))
	for _, name := range names {
		switch name {
		case ProviderLocal:
			providers = append(providers, NewLocalProvider(cfg.TesseractPath, cfg.Languages, nil))

		case ProviderTextract:
			p, err := NewTextractProvider(ctx, cfg.TextractRegion, cfg.TextractURL)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)

		case ProviderVision:
			if cfg.VisionAPIKey == "" {
				return nil, fmt.Errorf("%w: %s requires an API key", domain.ErrInvalidInput, ProviderVision)
			}
			providers = append(providers, NewVisionProvider(cfg.VisionURL, cfg.VisionAPIKey, cfg.AttemptTimeout))

		default:
			return nil, fmt.Errorf("unsupported extraction provider: %s", name)
		}
	}
	return providers, nil
}
