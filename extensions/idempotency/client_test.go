package idempotency

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderpay "github.com/x402-foundation/orderpay"
)

const testPayerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testCreds = orderpay.PayerCredentials{PrivateKey: testPayerKey}

// mockChain counts submissions and can block or fail them
type mockChain struct {
	mu      sync.Mutex
	submits int32
	release chan struct{}
	err     error
}

func (m *mockChain) SubmitPayment(ctx context.Context, orderID orderpay.OrderID, amount *big.Int, creds orderpay.PayerCredentials) (orderpay.TransactionRef, error) {
	n := atomic.AddInt32(&m.submits, 1)
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return orderpay.TransactionRef{}, err
	}
	return orderpay.TransactionRef{Hash: fmt.Sprintf("0x%d", n), Status: orderpay.TxPending}, nil
}

func (m *mockChain) AwaitFinality(ctx context.Context, ref orderpay.TransactionRef, confirmations int) (orderpay.TransactionRef, error) {
	ref.Status = orderpay.TxConfirmed
	ref.Confirmations = confirmations
	return ref, nil
}

func (m *mockChain) QueryLedgerRecord(ctx context.Context, orderID orderpay.OrderID) (orderpay.LedgerRecord, error) {
	return orderpay.LedgerRecord{}, orderpay.ErrNotFound.WithOrder(orderID)
}

func (m *mockChain) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func TestWrap_Options(t *testing.T) {
	inner := &mockChain{}

	wrapped := Wrap(inner)
	store, ok := wrapped.store.(*InMemoryStore)
	require.True(t, ok)
	assert.Equal(t, DefaultTTL, store.ttl)
	assert.Equal(t, inner, wrapped.Inner())

	wrapped = Wrap(inner, WithTTL(30*time.Minute))
	assert.Equal(t, 30*time.Minute, wrapped.store.(*InMemoryStore).ttl)

	custom := NewInMemoryStore(time.Second)
	wrapped = Wrap(inner, WithStore(custom))
	assert.Equal(t, custom, wrapped.store)

	wrapped = Wrap(inner, WithKeyGenerator(func(orderpay.OrderID, string, *big.Int) string { return "fixed" }))
	assert.Equal(t, "fixed", wrapped.keyGenerator("a", "b", nil))
}

func TestSubmitPayment_Deduplicates(t *testing.T) {
	inner := &mockChain{}
	client := Wrap(inner)
	ctx := context.Background()

	first, err := client.SubmitPayment(ctx, "order-1", big.NewInt(100), testCreds)
	require.NoError(t, err)
	second, err := client.SubmitPayment(ctx, "order-1", big.NewInt(100), testCreds)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.submits))

	// A different amount is a different payment
	third, err := client.SubmitPayment(ctx, "order-1", big.NewInt(50), testCreds)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, third.Hash)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.submits))
}

func TestSubmitPayment_ConcurrentCallersShareOneSend(t *testing.T) {
	inner := &mockChain{release: make(chan struct{})}
	client := Wrap(inner)

	var wg sync.WaitGroup
	refs := make([]orderpay.TransactionRef, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			refs[idx], errs[idx] = client.SubmitPayment(context.Background(), "order-1", big.NewInt(100), testCreds)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	for i := range refs {
		require.NoError(t, errs[i])
		assert.Equal(t, refs[0], refs[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.submits))
}

func TestSubmitPayment_FailuresAreNotCached(t *testing.T) {
	inner := &mockChain{}
	inner.setErr(orderpay.Wrap(orderpay.ErrNetwork, errors.New("connection refused")))
	client := Wrap(inner)
	ctx := context.Background()

	_, err := client.SubmitPayment(ctx, "order-1", big.NewInt(100), testCreds)
	assert.True(t, errors.Is(err, orderpay.ErrNetwork))

	inner.setErr(nil)
	ref, err := client.SubmitPayment(ctx, "order-1", big.NewInt(100), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "0x2", ref.Hash)
}

func TestSubmitPayment_InvalidCredentialsPassThrough(t *testing.T) {
	inner := &mockChain{}
	inner.setErr(orderpay.ErrSubmission)
	client := Wrap(inner)

	_, err := client.SubmitPayment(context.Background(), "order-1", big.NewInt(100), orderpay.PayerCredentials{PrivateKey: "zz"})
	assert.True(t, errors.Is(err, orderpay.ErrSubmission))
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.submits))
}

func TestSubmitPayment_WaiterCancelled(t *testing.T) {
	inner := &mockChain{release: make(chan struct{})}
	client := Wrap(inner)

	go func() {
		_, _ = client.SubmitPayment(context.Background(), "order-1", big.NewInt(100), testCreds)
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.SubmitPayment(ctx, "order-1", big.NewInt(100), testCreds)
	assert.True(t, errors.Is(err, orderpay.ErrTimedOut))

	close(inner.release)
}

func TestReadsPassThrough(t *testing.T) {
	client := Wrap(&mockChain{})
	ctx := context.Background()

	ref, err := client.AwaitFinality(ctx, orderpay.TransactionRef{Hash: "0x1"}, 3)
	require.NoError(t, err)
	assert.Equal(t, orderpay.TxConfirmed, ref.Status)

	_, err = client.QueryLedgerRecord(ctx, "order-1")
	assert.True(t, errors.Is(err, orderpay.ErrNotFound))
}
