package orderpay

import (
	"context"
	"math/big"
)

// ChainClient is the read/write gateway to the payment ledger.
//
// Implementations:
//   - mechanisms/evm: JSON-RPC node via go-ethereum
//   - mechanisms/memchain: in-process chain used by tests and dev mode
type ChainClient interface {
	// SubmitPayment sends exactly one pay(orderID) transaction carrying amount.
	//
	// Errors:
	//   - ErrSubmission if the credentials cannot sign
	//   - ErrInsufficientFunds if the payer balance is below amount
	//   - ErrAlreadyPaid / ErrZeroValue if the ledger would refuse the payment
	//   - ErrNetwork if the gateway is unreachable
	SubmitPayment(ctx context.Context, orderID OrderID, amount *big.Int, creds PayerCredentials) (TransactionRef, error)

	// AwaitFinality polls until the transaction reaches the confirmation depth,
	// fails, or is reorganized away. When ctx ends first it returns the latest
	// observed ref together with ErrTimedOut; polling again with the same ref
	// resumes.
	AwaitFinality(ctx context.Context, ref TransactionRef, confirmations int) (TransactionRef, error)

	// QueryLedgerRecord is a read-only passthrough to the ledger.
	// Returns ErrNotFound when the order has no paid record.
	QueryLedgerRecord(ctx context.Context, orderID OrderID) (LedgerRecord, error)
}

// OrderStore is the authoritative order system. It is consumed, not owned.
type OrderStore interface {
	// ExpectedPaymentFor returns ErrNotFound for unknown orders
	ExpectedPaymentFor(ctx context.Context, orderID OrderID) (ExpectedPayment, error)

	// ApplySettlement must treat repeated identical decisions as no-ops
	ApplySettlement(ctx context.Context, orderID OrderID, decision SettlementDecision) error
}

// SettlementStore persists reconciler state. Implementations must be safe for
// concurrent use and CommitDecision must be atomic across processes sharing
// the backend.
type SettlementStore interface {
	// SaveAttempt inserts or replaces the attempt for its order
	SaveAttempt(ctx context.Context, attempt *Attempt) error

	// LoadAttempt returns ErrNotFound when the order has no attempt
	LoadAttempt(ctx context.Context, orderID OrderID) (*Attempt, error)

	// ActiveAttempts lists attempts that have not reached a terminal state
	ActiveAttempts(ctx context.Context) ([]*Attempt, error)

	// CommitDecision records the decision if none exists for the order.
	// It returns the stored decision and whether this call created it.
	CommitDecision(ctx context.Context, decision *SettlementDecision) (*SettlementDecision, bool, error)

	// Decision returns ErrNotFound when no decision was committed
	Decision(ctx context.Context, orderID OrderID) (*SettlementDecision, error)

	// MarkNotified records that the order store acknowledged the decision
	MarkNotified(ctx context.Context, orderID OrderID) error

	// PendingNotifications lists committed decisions not yet acknowledged
	PendingNotifications(ctx context.Context) ([]*SettlementDecision, error)
}

// DepthLedgerReader is an optional ChainClient extension for gateways whose
// paid records cannot always be tied to a transaction hash, for example when
// the node refuses wide log queries.
type DepthLedgerReader interface {
	// QueryLedgerRecordAtDepth reads the ledger as of the block confirmations
	// deep below the head. Returns ErrNotFound when the order was not yet
	// paid at that block.
	QueryLedgerRecordAtDepth(ctx context.Context, orderID OrderID, confirmations int) (LedgerRecord, error)
}
