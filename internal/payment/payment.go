// Package payment hands approved payouts to a payment processor.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/httpclient"
)

// New creates the gateway for cfg. Without an endpoint payouts are
// recorded as manual and settled outside the system.
func New(cfg domain.PaymentConfig) domain.PaymentGateway {
	if cfg.Endpoint == "" {
		return &ManualGateway{}
	}
	return NewHTTPGateway(cfg)
}

// HTTPGateway posts payouts to a processor REST API.
type HTTPGateway struct {
	httpc *resty.Client
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(cfg domain.PaymentConfig) *HTTPGateway {
	headers := map[string]string{"Accept": "application/json"}
	if cfg.APIKey != "" {
		headers["Authorization"] = fmt.Sprintf("Bearer %s", cfg.APIKey)
	}
	httpc := httpclient.NewResty(httpclient.Config{
		BaseURL:    strings.TrimRight(cfg.Endpoint, "/"),
		Timeout:    cfg.Timeout,
		RetryCount: cfg.RetryCount,
		Headers:    headers,
	}, slog.Default().With("component", "payment"))
	return &HTTPGateway{httpc: httpc}
}

type payoutRequest struct {
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Method    string  `json:"method"`
}

type payoutResponse struct {
	Status         string `json:"status"` // succeeded, declined
	TransactionRef string `json:"transactionRef"`
	FailureReason  string `json:"failureReason"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Pay submits one payout. The request's idempotency key goes to the
// processor, so a retried payout of one approval cycle is not paid twice.
// A declined payout is a result, not an error.
func (g *HTTPGateway) Pay(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error) {
	var (
		r    payoutResponse
		rerr errorResponse
	)
	key := req.IdempotencyKey
	if key == "" {
		key = req.ClaimID
	}
	resp, err := g.httpc.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", key).
		SetBody(payoutRequest{
			Reference: req.ClaimID,
			Amount:    req.Amount,
			Currency:  req.Currency,
			Method:    string(req.Method),
		}).
		SetResult(&r).
		SetError(&rerr).
		Post("/v1/payouts")
	if err != nil {
		return nil, fmt.Errorf("payment gateway: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK || code == http.StatusCreated:
		if r.Status != "succeeded" {
			return &domain.PaymentResult{Success: false, FailureReason: orDefault(r.FailureReason, "payout "+r.Status)}, nil
		}
		return &domain.PaymentResult{Success: true, TransactionRef: r.TransactionRef}, nil

	case code == http.StatusPaymentRequired || code == http.StatusUnprocessableEntity:
		return &domain.PaymentResult{Success: false, FailureReason: orDefault(rerr.Message, "payout declined")}, nil

	default:
		return nil, fmt.Errorf("payment gateway: %d on creating payout", code)
	}
}

// ManualGateway accepts every payout and issues a local reference.
type ManualGateway struct{}

// Pay records the payout as settled manually.
func (ManualGateway) Pay(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return &domain.PaymentResult{Success: false, FailureReason: "amount must be positive"}, nil
	}
	return &domain.PaymentResult{Success: true, TransactionRef: "manual-" + uuid.New().String()}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
