package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/opensource-finance/claimflow/internal/awsutil"
	"github.com/opensource-finance/claimflow/internal/domain"
)

// ProviderTextract is the name of the AWS Textract provider.
const ProviderTextract = "aws-textract"

// TextractAPI is the subset of the Textract client the provider uses.
type TextractAPI interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

// TextractProvider runs synchronous text detection on AWS Textract.
type TextractProvider struct {
	client TextractAPI
}

// NewTextractProvider loads AWS configuration for the provider.
func NewTextractProvider(ctx context.Context, region, endpoint string) (*TextractProvider, error) {
	cfg, err := awsutil.Load(ctx, awsutil.Options{Region: region, Endpoint: endpoint})
	if err != nil {
		return nil, err
	}
	return NewTextractProviderWithClient(textract.NewFromConfig(cfg)), nil
}

// NewTextractProviderWithClient wraps an existing client.
func NewTextractProviderWithClient(client TextractAPI) *TextractProvider {
	return &TextractProvider{client: client}
}

// Name returns the provider name.
func (p *TextractProvider) Name() string { return ProviderTextract }

// Extract sends the document bytes to DetectDocumentText and joins the
// detected lines.
func (p *TextractProvider) Extract(ctx context.Context, data []byte, _ domain.ExtractionHints) (*domain.Extraction, error) {
	switch sniff(data) {
	case mimePDF, mimePNG, mimeJPEG:
	default:
		return nil, fmt.Errorf("%w: textract reads pdf, png and jpeg", ErrUnsupportedContent)
	}

	out, err := p.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: data},
	})
	if err != nil {
		return nil, fmt.Errorf("textract: %w", err)
	}

	var (
		lines []string
		sum   float64
	)
	for _, b := range out.Blocks {
		if b.BlockType != types.BlockTypeLine {
			continue
		}
		text := aws.ToString(b.Text)
		if text == "" {
			continue
		}
		lines = append(lines, text)
		sum += float64(aws.ToFloat32(b.Confidence))
	}
	if len(lines) == 0 {
		return &domain.Extraction{}, nil
	}
	return &domain.Extraction{
		Text:       strings.Join(lines, "\n"),
		Confidence: sum / float64(len(lines)) / 100,
	}, nil
}
