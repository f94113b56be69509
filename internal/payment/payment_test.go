package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
)

func TestHTTPGateway(t *testing.T) {
	var (
		calls   atomic.Int32
		lastKey atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		lastKey.Store(r.Header.Get("Idempotency-Key"))
		if r.URL.Path != "/v1/payouts" || r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body payoutRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Idempotency-Key"), body.Reference) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch body.Reference {
		case "clm-ok":
			_, _ = w.Write([]byte(`{"status":"succeeded","transactionRef":"tx-1"}`))
		case "clm-declined":
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"message":"account closed"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	gw := NewHTTPGateway(domain.PaymentConfig{
		Endpoint:   srv.URL + "/",
		APIKey:     "secret",
		Timeout:    2 * time.Second,
		RetryCount: 1,
	})
	ctx := context.Background()

	t.Run("Succeeded", func(t *testing.T) {
		res, err := gw.Pay(ctx, domain.PaymentRequest{ClaimID: "clm-ok", Amount: 900, Currency: "USD", Method: domain.PaymentBankTransfer})
		if err != nil {
			t.Fatalf("Pay failed: %v", err)
		}
		if !res.Success || res.TransactionRef != "tx-1" {
			t.Errorf("expected success with tx-1, got %+v", res)
		}
	})

	t.Run("CycleScopedKey", func(t *testing.T) {
		req := domain.PaymentRequest{ClaimID: "clm-ok", IdempotencyKey: "clm-ok:2", Amount: 200, Currency: "USD"}
		if _, err := gw.Pay(ctx, req); err != nil {
			t.Fatalf("Pay failed: %v", err)
		}
		if got := lastKey.Load(); got != "clm-ok:2" {
			t.Errorf("expected idempotency key clm-ok:2, got %v", got)
		}

		req.IdempotencyKey = ""
		if _, err := gw.Pay(ctx, req); err != nil {
			t.Fatalf("Pay failed: %v", err)
		}
		if got := lastKey.Load(); got != "clm-ok" {
			t.Errorf("expected claim id as fallback key, got %v", got)
		}
	})

	t.Run("Declined", func(t *testing.T) {
		res, err := gw.Pay(ctx, domain.PaymentRequest{ClaimID: "clm-declined", Amount: 900, Currency: "USD"})
		if err != nil {
			t.Fatalf("Pay failed: %v", err)
		}
		if res.Success || res.FailureReason != "account closed" {
			t.Errorf("expected declined with reason, got %+v", res)
		}
	})

	t.Run("ServerErrorRetriedThenFails", func(t *testing.T) {
		before := calls.Load()
		_, err := gw.Pay(ctx, domain.PaymentRequest{ClaimID: "clm-broken", Amount: 900, Currency: "USD"})
		if err == nil || !strings.Contains(err.Error(), "500") {
			t.Errorf("expected 500 error, got %v", err)
		}
		if got := calls.Load() - before; got != 2 {
			t.Errorf("expected 2 calls with one retry, got %d", got)
		}
	})
}

func TestNew(t *testing.T) {
	gw := New(domain.PaymentConfig{})
	if _, ok := gw.(*ManualGateway); !ok {
		t.Fatalf("expected ManualGateway without endpoint, got %T", gw)
	}

	res, err := gw.Pay(context.Background(), domain.PaymentRequest{ClaimID: "clm-1", Amount: 10})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if !res.Success || !strings.HasPrefix(res.TransactionRef, "manual-") {
		t.Errorf("expected manual reference, got %+v", res)
	}

	res, _ = gw.Pay(context.Background(), domain.PaymentRequest{ClaimID: "clm-1"})
	if res.Success {
		t.Error("expected zero amount to be refused")
	}

	if _, ok := New(domain.PaymentConfig{Endpoint: "http://localhost"}).(*HTTPGateway); !ok {
		t.Error("expected HTTPGateway with endpoint")
	}
}
