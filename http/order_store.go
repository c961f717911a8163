// Package http exposes settlement over HTTP: a gin API for triggering and
// inspecting settlements, and an OrderStore client for an order service
// reached over HTTP.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	orderpay "github.com/x402-foundation/orderpay"
)

// ============================================================================
// HTTP Order Store Client
// ============================================================================

// OrderStoreConfig configures the HTTP order store client
type OrderStoreConfig struct {
	// URL is the base URL of the order service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Retries is the number of attempts on 429 and 5xx (optional, defaults to 3)
	Retries int

	// RetryBaseDelay is the first backoff delay (optional, defaults to 1s)
	RetryBaseDelay time.Duration

	// Headers are added to every request (optional)
	Headers map[string]string

	Logger *slog.Logger
}

// defaultRetries is the number of attempts for order store calls
const defaultRetries = 3

// defaultRetryBaseDelay is the base delay for exponential backoff on retries
const defaultRetryBaseDelay = 1 * time.Second

// OrderStoreClient implements orderpay.OrderStore against
//
//	GET  {base}/orders/{id}/expected-payment
//	POST {base}/orders/{id}/settlement
type OrderStoreClient struct {
	url        string
	httpClient *http.Client
	retries    int
	baseDelay  time.Duration
	headers    map[string]string
	logger     *slog.Logger
}

var _ orderpay.OrderStore = (*OrderStoreClient)(nil)

// NewOrderStoreClient creates a new HTTP order store client
func NewOrderStoreClient(config *OrderStoreConfig) (*OrderStoreClient, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("order store URL is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid order store URL: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	retries := config.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	baseDelay := config.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OrderStoreClient{
		url:        strings.TrimRight(config.URL, "/"),
		httpClient: httpClient,
		retries:    retries,
		baseDelay:  baseDelay,
		headers:    config.Headers,
		logger:     logger.With("component", "order-store-client"),
	}, nil
}

// expectedPaymentBody is the wire form of an expected payment. Amounts are
// decimal strings in wei.
type expectedPaymentBody struct {
	OrderID string     `json:"orderId"`
	Amount  string     `json:"amount"`
	Expiry  *time.Time `json:"expiry,omitempty"`
}

type settlementBody struct {
	OrderID   string    `json:"orderId"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	Payer     string    `json:"payer,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// ExpectedPaymentFor fetches the amount the order service expects
func (c *OrderStoreClient) ExpectedPaymentFor(ctx context.Context, orderID orderpay.OrderID) (orderpay.ExpectedPayment, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.orderPath(orderID, "expected-payment"), nil)
	if err != nil {
		return orderpay.ExpectedPayment{}, err
	}
	if err := statusError(orderID, status, body); err != nil {
		return orderpay.ExpectedPayment{}, err
	}

	var wire expectedPaymentBody
	if err := json.Unmarshal(body, &wire); err != nil {
		return orderpay.ExpectedPayment{}, orderpay.Wrapf(orderpay.ErrMismatched, "failed to decode expected payment: %v", err).WithOrder(orderID)
	}
	amount, ok := new(big.Int).SetString(wire.Amount, 10)
	if !ok {
		return orderpay.ExpectedPayment{}, orderpay.Wrapf(orderpay.ErrMismatched, "invalid amount %q", wire.Amount).WithOrder(orderID)
	}

	expected := orderpay.ExpectedPayment{OrderID: orderID, Amount: amount}
	if wire.OrderID != "" && wire.OrderID != string(orderID) {
		expected.OrderID = orderpay.OrderID(wire.OrderID)
	}
	if wire.Expiry != nil {
		expected.Expiry = wire.Expiry.UTC()
	}
	return expected, nil
}

// ApplySettlement posts the decision to the order service. The service must
// treat a repeated identical decision as a no-op.
func (c *OrderStoreClient) ApplySettlement(ctx context.Context, orderID orderpay.OrderID, decision orderpay.SettlementDecision) error {
	wire := settlementBody{
		OrderID:   string(decision.OrderID),
		Outcome:   string(decision.Outcome),
		Reason:    string(decision.Reason),
		TxHash:    decision.TxHash,
		Payer:     decision.Payer,
		DecidedAt: decision.DecidedAt,
	}
	if decision.Amount != nil {
		wire.Amount = decision.Amount.String()
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "settlement"), payload)
	if err != nil {
		return err
	}
	return statusError(orderID, status, body)
}

func (c *OrderStoreClient) orderPath(orderID orderpay.OrderID, suffix string) string {
	return fmt.Sprintf("%s/orders/%s/%s", c.url, url.PathEscape(string(orderID)), suffix)
}

// do sends the request, retrying 429 and 5xx responses with exponential
// backoff. It returns the final status and body.
func (c *OrderStoreClient) do(ctx context.Context, method, target string, payload []byte) (int, []byte, error) {
	var (
		status int
		body   []byte
	)
	for attempt := range c.retries {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, nil, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("%s %s: %w", method, target, err))
		}
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, nil, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to read response body: %w", err))
		}
		status = resp.StatusCode

		if !retryable(status) || attempt == c.retries-1 {
			break
		}
		delay := c.baseDelay * time.Duration(1<<uint(attempt))
		c.logger.Debug("order store busy, retrying", "status", status, "delay", delay, "url", target)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, nil, orderpay.Wrap(orderpay.ErrNetwork, ctx.Err())
		}
	}
	return status, body, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// statusError maps a non-2xx response to a settlement error
func statusError(orderID orderpay.OrderID, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return orderpay.ErrNotFound.WithOrder(orderID)
	case retryable(status):
		return orderpay.Wrapf(orderpay.ErrNetwork, "order store returned %d: %s", status, truncate(body)).WithOrder(orderID)
	default:
		return orderpay.Wrapf(orderpay.ErrSubmission, "order store returned %d: %s", status, truncate(body)).WithOrder(orderID)
	}
}

func truncate(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
