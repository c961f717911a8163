package idempotency

import (
	"context"
	"log/slog"
	"math/big"

	orderpay "github.com/x402-foundation/orderpay"
	evmsigner "github.com/x402-foundation/orderpay/signers/evm"
)

// Client wraps an orderpay.ChainClient with submission idempotency.
//
// Repeated SubmitPayment calls for the same order, payer and amount within
// the TTL return the first transaction reference instead of broadcasting a
// second payment.
type Client struct {
	inner        orderpay.ChainClient
	store        SubmissionStore
	keyGenerator KeyGenerator
	logger       *slog.Logger
}

var _ orderpay.ChainClient = (*Client)(nil)

// Wrap creates a Client around chain.
//
// Default configuration:
//   - InMemoryStore with 10-minute TTL
//   - DefaultKeyGenerator
func Wrap(chain orderpay.ChainClient, opts ...Option) *Client {
	cfg := &config{
		ttl:          DefaultTTL,
		keyGenerator: DefaultKeyGenerator,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := cfg.store
	if store == nil {
		store = NewInMemoryStore(cfg.ttl)
	}

	return &Client{
		inner:        chain,
		store:        store,
		keyGenerator: cfg.keyGenerator,
		logger:       cfg.logger,
	}
}

// SubmitPayment submits at most once per key while the reference is cached.
// Failed submissions are not cached.
func (c *Client) SubmitPayment(ctx context.Context, orderID orderpay.OrderID, amount *big.Int, creds orderpay.PayerCredentials) (orderpay.TransactionRef, error) {
	signer, err := evmsigner.FromCredentials(creds)
	if err != nil {
		// Nothing to key on; the inner client reports the credential error
		return c.inner.SubmitPayment(ctx, orderID, amount, creds)
	}
	key := c.keyGenerator(orderID, signer.Address().Hex(), amount)

	status, ref, done := c.store.CheckAndMark(key)

	switch status {
	case StatusCached:
		c.logger.Info("duplicate submission suppressed", "order_id", orderID, "tx_hash", ref.Hash)
		return *ref, nil

	case StatusInFlight:
		ref, err := c.store.WaitForResult(ctx, key, done)
		if err != nil {
			return orderpay.TransactionRef{}, orderpay.Wrap(orderpay.ErrTimedOut, err).WithOrder(orderID)
		}
		if ref != nil {
			return *ref, nil
		}
		// In-flight submission failed, take a fresh slot
		return c.SubmitPayment(ctx, orderID, amount, creds)

	case StatusNotFound:
	}

	submitted, err := c.inner.SubmitPayment(ctx, orderID, amount, creds)
	if err != nil {
		c.store.Fail(key, done)
		return orderpay.TransactionRef{}, err
	}

	c.store.Complete(key, &submitted, done)
	return submitted, nil
}

// AwaitFinality delegates to the wrapped client.
func (c *Client) AwaitFinality(ctx context.Context, ref orderpay.TransactionRef, confirmations int) (orderpay.TransactionRef, error) {
	return c.inner.AwaitFinality(ctx, ref, confirmations)
}

// QueryLedgerRecord delegates to the wrapped client.
func (c *Client) QueryLedgerRecord(ctx context.Context, orderID orderpay.OrderID) (orderpay.LedgerRecord, error) {
	return c.inner.QueryLedgerRecord(ctx, orderID)
}

// Inner returns the wrapped client.
func (c *Client) Inner() orderpay.ChainClient {
	return c.inner
}
