package extraction

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/httpclient"
)

// ProviderVision is the name of the Google Cloud Vision provider.
const ProviderVision = "google-vision"

const defaultVisionURL = "https://vision.googleapis.com"

// VisionProvider calls the Vision images:annotate REST endpoint.
type VisionProvider struct {
	httpc  *resty.Client
	apiKey string
}

// NewVisionProvider creates the provider. Retries are left to the extractor.
func NewVisionProvider(baseURL, apiKey string, timeout time.Duration) *VisionProvider {
	if baseURL == "" {
		baseURL = defaultVisionURL
	}
	httpc := httpclient.NewResty(httpclient.Config{
		BaseURL: baseURL,
		Timeout: timeout,
		Headers: map[string]string{"Accept": "application/json"},
	}, slog.Default().With("provider", ProviderVision))
	return &VisionProvider{httpc: httpc, apiKey: apiKey}
}

// Name returns the provider name.
func (p *VisionProvider) Name() string { return ProviderVision }

type visionRequest struct {
	Requests []visionImageRequest `json:"requests"`
}

type visionImageRequest struct {
	Image        visionImage         `json:"image"`
	Features     []visionFeature     `json:"features"`
	ImageContext *visionImageContext `json:"imageContext,omitempty"`
}

type visionImage struct {
	Content string `json:"content"`
}

type visionFeature struct {
	Type string `json:"type"`
}

type visionImageContext struct {
	LanguageHints []string `json:"languageHints,omitempty"`
}

type visionResponse struct {
	Responses []struct {
		FullTextAnnotation *struct {
			Text  string `json:"text"`
			Pages []struct {
				Confidence float64 `json:"confidence"`
			} `json:"pages"`
		} `json:"fullTextAnnotation"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// Extract runs DOCUMENT_TEXT_DETECTION on an image.
func (p *VisionProvider) Extract(ctx context.Context, data []byte, hints domain.ExtractionHints) (*domain.Extraction, error) {
	switch sniff(data) {
	case mimePNG, mimeJPEG, mimeWebP:
	default:
		return nil, fmt.Errorf("%w: vision reads images only", ErrUnsupportedContent)
	}

	body := visionRequest{Requests: []visionImageRequest{{
		Image:    visionImage{Content: base64.StdEncoding.EncodeToString(data)},
		Features: []visionFeature{{Type: "DOCUMENT_TEXT_DETECTION"}},
	}}}
	if len(hints.Languages) > 0 {
		body.Requests[0].ImageContext = &visionImageContext{LanguageHints: hints.Languages}
	}

	var r visionResponse
	resp, err := p.httpc.R().
		SetContext(ctx).
		SetQueryParam("key", p.apiKey).
		SetBody(body).
		SetResult(&r).
		Post("/v1/images:annotate")
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("vision: %d on images:annotate", resp.StatusCode())
	}
	if len(r.Responses) == 0 {
		return nil, fmt.Errorf("vision: empty response")
	}
	res := r.Responses[0]
	if res.Error != nil {
		return nil, fmt.Errorf("vision: %d %s", res.Error.Code, res.Error.Message)
	}
	if res.FullTextAnnotation == nil {
		return &domain.Extraction{}, nil
	}

	conf := 0.0
	for _, pg := range res.FullTextAnnotation.Pages {
		conf += pg.Confidence
	}
	if n := len(res.FullTextAnnotation.Pages); n > 0 {
		conf /= float64(n)
	}
	return &domain.Extraction{Text: res.FullTextAnnotation.Text, Confidence: conf}, nil
}
