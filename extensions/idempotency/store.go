package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"

	orderpay "github.com/x402-foundation/orderpay"
)

// SubmissionStatus represents the result of checking the store.
type SubmissionStatus int

const (
	// StatusNotFound means no cached reference and no in-flight submission.
	StatusNotFound SubmissionStatus = iota
	// StatusCached means a cached reference was found.
	StatusCached
	// StatusInFlight means another caller is currently submitting this payment.
	StatusInFlight
)

// SubmissionStore defines the interface for submission idempotency storage.
// Implementations must be safe for concurrent use.
type SubmissionStore interface {
	// CheckAndMark atomically checks the store and marks the key as in-flight if needed.
	//
	// Returns:
	//   - StatusCached + ref + nil: A cached reference exists, return it immediately
	//   - StatusInFlight + nil + done: Another caller is submitting, wait on done channel
	//   - StatusNotFound + nil + done: This caller should proceed (now marked in-flight)
	//
	// The done channel must be passed to Complete() or Fail() when the submission finishes.
	CheckAndMark(key string) (SubmissionStatus, *orderpay.TransactionRef, chan struct{})

	// WaitForResult waits for an in-flight submission, respecting context cancellation.
	//
	// Returns:
	//   - The cached reference if the in-flight submission succeeded
	//   - nil if it failed (caller should retry)
	//   - Error if context was cancelled
	WaitForResult(ctx context.Context, key string, done chan struct{}) (*orderpay.TransactionRef, error)

	// Complete caches the reference and signals waiters via the done channel.
	Complete(key string, ref *orderpay.TransactionRef, done chan struct{})

	// Fail removes the in-flight marker without caching, signaling waiters
	// that they should retry.
	Fail(key string, done chan struct{})
}

// KeyGenerator derives the deduplication key for a submission. payer is the
// checksummed payer address.
type KeyGenerator func(orderID orderpay.OrderID, payer string, amount *big.Int) string

// DefaultKeyGenerator hashes order ID, lower-cased payer address and amount.
func DefaultKeyGenerator(orderID orderpay.OrderID, payer string, amount *big.Int) string {
	value := "0"
	if amount != nil {
		value = amount.String()
	}
	hash := sha256.Sum256([]byte(string(orderID) + "|" + strings.ToLower(payer) + "|" + value))
	return hex.EncodeToString(hash[:])
}
