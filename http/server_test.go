package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderpay "github.com/x402-foundation/orderpay"
)

const testTxHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func init() {
	gin.SetMode(gin.TestMode)
}

// mockSettler records Track calls and serves attempts and decisions from maps
type mockSettler struct {
	mu        sync.Mutex
	tracked   []orderpay.OrderID
	attempts  map[orderpay.OrderID]*orderpay.Attempt
	decisions map[orderpay.OrderID]*orderpay.SettlementDecision
	trackErr  error
	cancelled []orderpay.OrderID
}

func newMockSettler() *mockSettler {
	return &mockSettler{
		attempts:  make(map[orderpay.OrderID]*orderpay.Attempt),
		decisions: make(map[orderpay.OrderID]*orderpay.SettlementDecision),
	}
}

func (m *mockSettler) Track(orderID orderpay.OrderID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trackErr != nil {
		return m.trackErr
	}
	m.tracked = append(m.tracked, orderID)
	if _, ok := m.attempts[orderID]; !ok {
		m.attempts[orderID] = &orderpay.Attempt{
			ID:      "attempt-1",
			OrderID: orderID,
			TxHash:  txHash,
			State:   orderpay.StatePending,
		}
	}
	return nil
}

func (m *mockSettler) Cancel(ctx context.Context, orderID orderpay.OrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[orderID]
	if !ok {
		return orderpay.ErrNotFound.WithOrder(orderID)
	}
	m.cancelled = append(m.cancelled, orderID)
	if _, decided := m.decisions[orderID]; !decided {
		a.State = orderpay.StateCancelled
	}
	return nil
}

func (m *mockSettler) Decision(ctx context.Context, orderID orderpay.OrderID) (*orderpay.SettlementDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[orderID]
	if !ok {
		return nil, orderpay.ErrNotFound.WithOrder(orderID)
	}
	return d, nil
}

func (m *mockSettler) Attempt(ctx context.Context, orderID orderpay.OrderID) (*orderpay.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[orderID]
	if !ok {
		return nil, orderpay.ErrNotFound.WithOrder(orderID)
	}
	cp := *a
	return &cp, nil
}

type mockLedger struct {
	records map[orderpay.OrderID]orderpay.LedgerRecord
	err     error
}

func (m *mockLedger) QueryLedgerRecord(ctx context.Context, orderID orderpay.OrderID) (orderpay.LedgerRecord, error) {
	if m.err != nil {
		return orderpay.LedgerRecord{}, m.err
	}
	rec, ok := m.records[orderID]
	if !ok {
		return orderpay.LedgerRecord{}, orderpay.ErrNotFound.WithOrder(orderID)
	}
	return rec, nil
}

func newTestServer(t *testing.T, settler Settler, ledger LedgerReader) http.Handler {
	t.Helper()
	s, err := NewServer(settler, ledger, WithServerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return s.Handler()
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, newMockSettler(), &mockLedger{})
	w := serve(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateSettlement(t *testing.T) {
	settler := newMockSettler()
	h := newTestServer(t, settler, &mockLedger{})

	w := serve(h, http.MethodPost, "/settlements", `{"orderId":"order-1","txHash":"`+testTxHash+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var status SettlementStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, orderpay.OrderID("order-1"), status.OrderID)
	assert.Equal(t, orderpay.StatePending, status.State)
	require.NotNil(t, status.Attempt)
	assert.Equal(t, testTxHash, status.Attempt.TxHash)
	assert.Equal(t, []orderpay.OrderID{"order-1"}, settler.tracked)
}

func TestCreateSettlementWatchMode(t *testing.T) {
	settler := newMockSettler()
	h := newTestServer(t, settler, &mockLedger{})

	w := serve(h, http.MethodPost, "/settlements", `{"orderId":"order-1"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCreateSettlementAlreadyDecided(t *testing.T) {
	settler := newMockSettler()
	settler.decisions["order-1"] = &orderpay.SettlementDecision{
		OrderID: "order-1",
		Outcome: orderpay.OutcomeRejected,
		Reason:  orderpay.ReasonUnderpaid,
		Amount:  big.NewInt(50),
	}
	h := newTestServer(t, settler, &mockLedger{})

	w := serve(h, http.MethodPost, "/settlements", `{"orderId":"order-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var status SettlementStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, orderpay.StateRejected, status.State)
	require.NotNil(t, status.Decision)
	assert.Equal(t, orderpay.ReasonUnderpaid, status.Decision.Reason)
	assert.Equal(t, int64(50), status.Decision.Amount.Int64())
}

func TestCreateSettlementRejectsInvalidBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{"orderId":`},
		{name: "missing order", body: `{"txHash":"` + testTxHash + `"}`},
		{name: "empty order", body: `{"orderId":""}`},
		{name: "order with spaces", body: `{"orderId":"order 1"}`},
		{name: "short hash", body: `{"orderId":"order-1","txHash":"0x1234"}`},
		{name: "unknown field", body: `{"orderId":"order-1","amount":"100"}`},
		{name: "wrong type", body: `{"orderId":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settler := newMockSettler()
			h := newTestServer(t, settler, &mockLedger{})

			w := serve(h, http.MethodPost, "/settlements", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, settler.tracked)
		})
	}
}

func TestCreateSettlementTrackError(t *testing.T) {
	settler := newMockSettler()
	settler.trackErr = orderpay.Wrapf(orderpay.ErrNetwork, "store down")
	h := newTestServer(t, settler, &mockLedger{})

	w := serve(h, http.MethodPost, "/settlements", `{"orderId":"order-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, orderpay.ErrCodeNetworkUnreachable, resp.Code)
}

func TestGetSettlement(t *testing.T) {
	settler := newMockSettler()
	settler.attempts["order-1"] = &orderpay.Attempt{
		OrderID:  "order-1",
		TxHash:   testTxHash,
		State:    orderpay.StateConfirming,
		Tx:       orderpay.TransactionRef{Hash: testTxHash, BlockNumber: 7, Confirmations: 2},
		Deadline: time.Now().Add(time.Minute),
	}
	h := newTestServer(t, settler, &mockLedger{})

	w := serve(h, http.MethodGet, "/settlements/order-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status SettlementStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, orderpay.StateConfirming, status.State)
	require.NotNil(t, status.Attempt)
	assert.Equal(t, 2, status.Attempt.Tx.Confirmations)
	assert.Nil(t, status.Decision)

	w = serve(h, http.MethodGet, "/settlements/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelSettlement(t *testing.T) {
	settler := newMockSettler()
	settler.attempts["order-1"] = &orderpay.Attempt{OrderID: "order-1", State: orderpay.StatePending}
	h := newTestServer(t, settler, &mockLedger{})

	w := serve(h, http.MethodDelete, "/settlements/order-1", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	var status SettlementStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, orderpay.StateCancelled, status.State)
	assert.Equal(t, []orderpay.OrderID{"order-1"}, settler.cancelled)

	w = serve(h, http.MethodDelete, "/settlements/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelAfterDecisionReportsDecision(t *testing.T) {
	settler := newMockSettler()
	settler.attempts["order-1"] = &orderpay.Attempt{OrderID: "order-1", State: orderpay.StatePaid}
	settler.decisions["order-1"] = &orderpay.SettlementDecision{OrderID: "order-1", Outcome: orderpay.OutcomePaid}
	h := newTestServer(t, settler, &mockLedger{})

	w := serve(h, http.MethodDelete, "/settlements/order-1", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	var status SettlementStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, orderpay.StatePaid, status.State)
}

func TestGetLedgerRecord(t *testing.T) {
	ledger := &mockLedger{records: map[orderpay.OrderID]orderpay.LedgerRecord{
		"order-1": {OrderID: "order-1", Payer: "0xabc", Amount: big.NewInt(100), Paid: true, BlockNumber: 5, TxHash: testTxHash},
	}}
	h := newTestServer(t, newMockSettler(), ledger)

	w := serve(h, http.MethodGet, "/ledger/order-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var rec orderpay.LedgerRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.True(t, rec.Paid)
	assert.Equal(t, int64(100), rec.Amount.Int64())
	assert.Equal(t, uint64(5), rec.BlockNumber)

	w = serve(h, http.MethodGet, "/ledger/order-2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	ledger.err = orderpay.ErrNetwork
	w = serve(h, http.MethodGet, "/ledger/order-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orderpay.ErrNotFound, http.StatusNotFound},
		{orderpay.ErrCancelled.WithOrder("o"), http.StatusConflict},
		{orderpay.ErrMismatched, http.StatusBadRequest},
		{orderpay.ErrSubmission, http.StatusBadRequest},
		{orderpay.ErrPollFailed, http.StatusServiceUnavailable},
		{orderpay.ErrTimedOut, http.StatusServiceUnavailable},
		{orderpay.ErrTxFailed, http.StatusInternalServerError},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
