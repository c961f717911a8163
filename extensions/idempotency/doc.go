// Package idempotency deduplicates payment submissions as an opt-in wrapper
// around an orderpay.ChainClient.
//
// # Overview
//
// A client that retries SubmitPayment after a timeout cannot tell whether the
// first transaction reached the mempool. Resubmitting would pay the order
// twice; the ledger only refuses the second transaction once the first is
// mined. The wrapper closes that window by remembering the transaction
// reference for each (order, payer, amount) for a TTL.
//
// # Usage
//
// Basic usage with default in-memory cache:
//
//	chain, _ := evm.Dial(ctx, cfg)
//	client := idempotency.Wrap(chain)
//
// Custom TTL:
//
//	client := idempotency.Wrap(chain,
//	    idempotency.WithTTL(30 * time.Minute),
//	)
//
// # How It Works
//
// 1. On SubmitPayment(), a key is derived from the order ID, the payer address and the amount
// 2. The store atomically checks for a cached reference or an in-flight submission
// 3. If cached: return the reference without sending a transaction
// 4. If in-flight: wait for the other submission, then return its reference
// 5. Otherwise: submit, then cache the reference
//
// Failed submissions are NOT cached, allowing legitimate retries.
// AwaitFinality and QueryLedgerRecord are read-only and pass through.
package idempotency
