package domain

import (
	"context"
	"time"
)

// FileStorage stores document bytes behind an opaque locator.
type FileStorage interface {
	Put(ctx context.Context, name string, contentType string, data []byte) (locator string, err error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
}

// Notifier delivers lifecycle notifications. Delivery is not confirmed to the caller.
type Notifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

// PaymentMethod is how a payout is made.
type PaymentMethod string

const (
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentCheque       PaymentMethod = "cheque"
	PaymentCard         PaymentMethod = "card"
)

// PaymentRequest is passed to the payment collaborator.
type PaymentRequest struct {
	ClaimID string `json:"claimId"`
	// IdempotencyKey identifies one payout; it changes with the approval cycle.
	IdempotencyKey string        `json:"idempotencyKey"`
	Amount         float64       `json:"amount"`
	Currency       string        `json:"currency"`
	Method         PaymentMethod `json:"method"`
}

// PaymentResult is returned by the payment collaborator.
type PaymentResult struct {
	Success        bool   `json:"success"`
	TransactionRef string `json:"transactionRef,omitempty"`
	FailureReason  string `json:"failureReason,omitempty"`
}

// PaymentGateway hands a payout to an external processor.
type PaymentGateway interface {
	Pay(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
}

// ExtractionHints guide a provider towards the expected content.
type ExtractionHints struct {
	Kind        DocumentKind `json:"kind"`
	ContentType string       `json:"contentType"`
	FileName    string       `json:"fileName"`
	Languages   []string     `json:"languages,omitempty"`
}

// Extraction is the raw output of one provider call.
type Extraction struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ExtractionProvider is one document-recognition backend.
type ExtractionProvider interface {
	Name() string
	Extract(ctx context.Context, data []byte, hints ExtractionHints) (*Extraction, error)
}

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time
