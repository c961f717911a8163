package orderpay

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockChain answers AwaitFinality through a script indexed by call number
type mockChain struct {
	mu       sync.Mutex
	awaitFn  func(ctx context.Context, ref TransactionRef, call int) (TransactionRef, error)
	calls    int
	records  map[OrderID]LedgerRecord
	queryErr error
	queries  int

	// records visible ConfirmationsRequired blocks below the head
	deepRecords map[OrderID]LedgerRecord
}

func newMockChain(awaitFn func(ctx context.Context, ref TransactionRef, call int) (TransactionRef, error)) *mockChain {
	return &mockChain{
		awaitFn:     awaitFn,
		records:     make(map[OrderID]LedgerRecord),
		deepRecords: make(map[OrderID]LedgerRecord),
	}
}

func (m *mockChain) SubmitPayment(ctx context.Context, orderID OrderID, amount *big.Int, creds PayerCredentials) (TransactionRef, error) {
	return TransactionRef{}, ErrSubmission
}

func (m *mockChain) AwaitFinality(ctx context.Context, ref TransactionRef, confirmations int) (TransactionRef, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	fn := m.awaitFn
	m.mu.Unlock()
	return fn(ctx, ref, call)
}

func (m *mockChain) QueryLedgerRecord(ctx context.Context, orderID OrderID) (LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.queryErr != nil {
		return LedgerRecord{}, m.queryErr
	}
	rec, ok := m.records[orderID]
	if !ok {
		return LedgerRecord{}, ErrNotFound.WithOrder(orderID)
	}
	return rec, nil
}

func (m *mockChain) QueryLedgerRecordAtDepth(ctx context.Context, orderID OrderID, confirmations int) (LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deepRecords[orderID]
	if !ok {
		return LedgerRecord{}, ErrNotFound.WithOrder(orderID)
	}
	return rec, nil
}

func (m *mockChain) setDeepRecord(rec LedgerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deepRecords[rec.OrderID] = rec
}

func (m *mockChain) setRecord(rec LedgerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.OrderID] = rec
}

func (m *mockChain) setQueryErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

func (m *mockChain) awaitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// pendingUntilDone behaves like a node that never reaches depth
func pendingUntilDone(ctx context.Context, ref TransactionRef, block uint64, confs int) (TransactionRef, error) {
	<-ctx.Done()
	ref.Status = TxPending
	ref.BlockNumber = block
	if block > 0 {
		ref.BlockHash = "0xblock"
	}
	ref.Confirmations = confs
	return ref, Wrap(ErrTimedOut, ctx.Err())
}

func confirmedRef(ref TransactionRef, block uint64) TransactionRef {
	ref.Status = TxConfirmed
	ref.BlockNumber = block
	ref.BlockHash = "0xblock"
	ref.Confirmations = 3
	return ref
}

func alwaysConfirmed(ctx context.Context, ref TransactionRef, call int) (TransactionRef, error) {
	return confirmedRef(ref, 10), nil
}

func alwaysPending(ctx context.Context, ref TransactionRef, call int) (TransactionRef, error) {
	return pendingUntilDone(ctx, ref, 0, 0)
}

func paidRecord(id OrderID, amount int64, txHash string) LedgerRecord {
	return LedgerRecord{
		OrderID:     id,
		Payer:       "0xpayer",
		Amount:      big.NewInt(amount),
		Paid:        true,
		BlockNumber: 10,
		TxHash:      txHash,
	}
}

// mockOrders is an in-memory order store
type mockOrders struct {
	mu        sync.Mutex
	expected  map[OrderID]ExpectedPayment
	expectErr error
	applyErr  error
	applied   []SettlementDecision
	lookups   int
}

func newMockOrders() *mockOrders {
	return &mockOrders{expected: make(map[OrderID]ExpectedPayment)}
}

func (m *mockOrders) expect(id OrderID, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected[id] = ExpectedPayment{OrderID: id, Amount: big.NewInt(amount)}
}

func (m *mockOrders) ExpectedPaymentFor(ctx context.Context, orderID OrderID) (ExpectedPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.expectErr != nil {
		return ExpectedPayment{}, m.expectErr
	}
	p, ok := m.expected[orderID]
	if !ok {
		return ExpectedPayment{}, ErrNotFound.WithOrder(orderID)
	}
	return p, nil
}

func (m *mockOrders) ApplySettlement(ctx context.Context, orderID OrderID, decision SettlementDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, decision)
	return nil
}

func (m *mockOrders) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func (m *mockOrders) setApplyErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

func (m *mockOrders) appliedFor(id OrderID) []SettlementDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SettlementDecision
	for _, d := range m.applied {
		if d.OrderID == id {
			out = append(out, d)
		}
	}
	return out
}

// mockStore is an in-memory SettlementStore
type mockStore struct {
	mu        sync.Mutex
	attempts  map[OrderID]Attempt
	decisions map[OrderID]SettlementDecision
	notified  map[OrderID]bool
}

func newMockStore() *mockStore {
	return &mockStore{
		attempts:  make(map[OrderID]Attempt),
		decisions: make(map[OrderID]SettlementDecision),
		notified:  make(map[OrderID]bool),
	}
}

func (m *mockStore) SaveAttempt(ctx context.Context, attempt *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.OrderID] = *attempt
	return nil
}

func (m *mockStore) LoadAttempt(ctx context.Context, orderID OrderID) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[orderID]
	if !ok {
		return nil, ErrNotFound.WithOrder(orderID)
	}
	return &a, nil
}

func (m *mockStore) ActiveAttempts(ctx context.Context) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Attempt
	for _, a := range m.attempts {
		if !a.State.Terminal() {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (m *mockStore) CommitDecision(ctx context.Context, decision *SettlementDecision) (*SettlementDecision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.decisions[decision.OrderID]; ok {
		return &existing, false, nil
	}
	m.decisions[decision.OrderID] = *decision
	cp := *decision
	return &cp, true, nil
}

func (m *mockStore) Decision(ctx context.Context, orderID OrderID) (*SettlementDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[orderID]
	if !ok {
		return nil, ErrNotFound.WithOrder(orderID)
	}
	return &d, nil
}

func (m *mockStore) MarkNotified(ctx context.Context, orderID OrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[orderID]; !ok {
		return ErrNotFound.WithOrder(orderID)
	}
	m.notified[orderID] = true
	return nil
}

func (m *mockStore) PendingNotifications(ctx context.Context) ([]*SettlementDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SettlementDecision
	for id, d := range m.decisions {
		if !m.notified[id] {
			cp := d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// mockMetrics counts recorded measurements
type mockMetrics struct {
	mu         sync.Mutex
	decisions  map[Outcome]int
	reorgs     int
	pollErrors map[ErrorClass]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{decisions: make(map[Outcome]int), pollErrors: make(map[ErrorClass]int)}
}

func (m *mockMetrics) RecordDecision(ctx context.Context, outcome Outcome, reason Reason, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[outcome]++
}

func (m *mockMetrics) RecordReorg(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reorgs++
}

func (m *mockMetrics) RecordPollError(ctx context.Context, class ErrorClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErrors[class]++
}

func testConfig() Config {
	return Config{
		ConfirmationsRequired: 3,
		SettlementTimeout:     2 * time.Second,
		PollInterval:          5 * time.Millisecond,
		MaxBackoff:            20 * time.Millisecond,
		DecisionCacheTTL:      time.Minute,
	}
}

func newTestReconciler(t *testing.T, chain ChainClient, orders OrderStore, store SettlementStore, cfg Config, opts ...Option) *Reconciler {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	r, err := NewReconciler(chain, orders, store, cfg, opts...)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}
