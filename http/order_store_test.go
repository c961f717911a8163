package http

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	orderpay "github.com/x402-foundation/orderpay"
)

func newTestOrderStore(t *testing.T, url string) *OrderStoreClient {
	t.Helper()
	c, err := NewOrderStoreClient(&OrderStoreConfig{
		URL:            url,
		RetryBaseDelay: time.Millisecond,
		Headers:        map[string]string{"Authorization": "Bearer test"},
	})
	if err != nil {
		t.Fatalf("NewOrderStoreClient: %v", err)
	}
	return c
}

func TestNewOrderStoreClientRequiresURL(t *testing.T) {
	if _, err := NewOrderStoreClient(nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := NewOrderStoreClient(&OrderStoreConfig{}); err == nil {
		t.Error("Expected error for empty URL")
	}
}

func TestExpectedPaymentFor(t *testing.T) {
	expiry := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/orders/order-1/expected-payment" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test" {
			t.Errorf("Expected auth header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orderId": "order-1",
			"amount":  "1000000000000000000000",
			"expiry":  expiry,
		})
	}))
	defer server.Close()

	expected, err := newTestOrderStore(t, server.URL+"/").ExpectedPaymentFor(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	if expected.Amount.Cmp(want) != 0 {
		t.Errorf("Expected amount %s, got %s", want, expected.Amount)
	}
	if !expected.Expiry.Equal(expiry) {
		t.Errorf("Expected expiry %v, got %v", expiry, expected.Expiry)
	}
	if expected.OrderID != "order-1" {
		t.Errorf("Expected order-1, got %s", expected.OrderID)
	}
}

func TestExpectedPaymentForNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such order"}`, http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestOrderStore(t, server.URL).ExpectedPaymentFor(context.Background(), "order-1")
	if !errors.Is(err, orderpay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestExpectedPaymentForInvalidAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orderId":"order-1","amount":"ten"}`))
	}))
	defer server.Close()

	_, err := newTestOrderStore(t, server.URL).ExpectedPaymentFor(context.Background(), "order-1")
	if !errors.Is(err, orderpay.ErrMismatched) {
		t.Errorf("Expected ErrMismatched, got %v", err)
	}
}

func TestOrderStoreRetriesBusyResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "server error", status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(tt.status)
					return
				}
				w.Write([]byte(`{"orderId":"order-1","amount":"100"}`))
			}))
			defer server.Close()

			expected, err := newTestOrderStore(t, server.URL).ExpectedPaymentFor(context.Background(), "order-1")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if expected.Amount.Int64() != 100 {
				t.Errorf("Expected 100, got %s", expected.Amount)
			}
			if calls.Load() != 3 {
				t.Errorf("Expected 3 calls, got %d", calls.Load())
			}
		})
	}
}

func TestOrderStoreGivesUpAsNetworkError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestOrderStore(t, server.URL).ExpectedPaymentFor(context.Background(), "order-1")
	if !errors.Is(err, orderpay.ErrNetwork) {
		t.Errorf("Expected ErrNetwork, got %v", err)
	}
	if !orderpay.IsRetryable(err) {
		t.Error("Expected retryable error")
	}
	if calls.Load() != defaultRetries {
		t.Errorf("Expected %d calls, got %d", defaultRetries, calls.Load())
	}
}

func TestOrderStoreUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestOrderStore(t, url).ExpectedPaymentFor(context.Background(), "order-1")
	if !errors.Is(err, orderpay.ErrNetwork) {
		t.Errorf("Expected ErrNetwork, got %v", err)
	}
}

func TestApplySettlement(t *testing.T) {
	var got settlementBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders/order-1/settlement" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	decision := orderpay.SettlementDecision{
		OrderID:   "order-1",
		Outcome:   orderpay.OutcomeRejected,
		Reason:    orderpay.ReasonUnderpaid,
		TxHash:    testTxHash,
		Payer:     "0xabc",
		Amount:    big.NewInt(50),
		DecidedAt: time.Now().UTC(),
	}
	if err := newTestOrderStore(t, server.URL).ApplySettlement(context.Background(), "order-1", decision); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Outcome != "rejected" || got.Reason != "underpaid" || got.Amount != "50" || got.TxHash != testTxHash {
		t.Errorf("Unexpected body: %+v", got)
	}
}

func TestApplySettlementClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conflicting decision", http.StatusConflict)
	}))
	defer server.Close()

	err := newTestOrderStore(t, server.URL).ApplySettlement(context.Background(), "order-1", orderpay.SettlementDecision{OrderID: "order-1", Outcome: orderpay.OutcomePaid})
	if orderpay.ClassOf(err) != orderpay.ClientError {
		t.Errorf("Expected client error, got %v", err)
	}
}

func TestOrderStoreEscapesOrderID(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		w.Write([]byte(`{"amount":"1"}`))
	}))
	defer server.Close()

	if _, err := newTestOrderStore(t, server.URL).ExpectedPaymentFor(context.Background(), "a/b"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if path != "/orders/a%2Fb/expected-payment" {
		t.Errorf("Expected escaped path, got %s", path)
	}
}
