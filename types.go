package orderpay

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// OrderID is the opaque identifier minted by the order store. It is the only
// correlation key between off-chain orders and on-chain ledger records.
type OrderID string

// Validate checks that the order ID is usable as a ledger key
func (id OrderID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("order id is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("order id too long: %d characters", len(id))
	}
	return nil
}

// ExpectedPayment is what the order store expects to receive for an order.
// Amount is denominated in the smallest currency unit.
type ExpectedPayment struct {
	OrderID OrderID   `json:"orderId"`
	Amount  *big.Int  `json:"amount"`
	Expiry  time.Time `json:"expiry,omitempty"` // zero means no deadline
}

// HasExpiry reports whether the expected payment carries a deadline
func (p ExpectedPayment) HasExpiry() bool {
	return !p.Expiry.IsZero()
}

// LedgerRecord is the on-chain state kept by the payment ledger for an order.
// Once Paid is true the record never changes.
type LedgerRecord struct {
	OrderID     OrderID  `json:"orderId"`
	Payer       string   `json:"payer"`
	Amount      *big.Int `json:"amount"`
	Paid        bool     `json:"paid"`
	BlockNumber uint64   `json:"blockNumber,omitempty"`
	TxHash      string   `json:"txHash,omitempty"`
}

// TxStatus is the chain-side status of a submitted payment transaction
type TxStatus string

const (
	TxPending     TxStatus = "pending"
	TxConfirmed   TxStatus = "confirmed"
	TxFailed      TxStatus = "failed"
	TxReorganized TxStatus = "reorganized"
)

// Terminal reports whether no further polling can change the status
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// TransactionRef points at a submitted payment transaction.
// BlockNumber is zero while the transaction is not included in a block.
type TransactionRef struct {
	Hash          string   `json:"hash"`
	BlockNumber   uint64   `json:"blockNumber,omitempty"`
	BlockHash     string   `json:"blockHash,omitempty"`
	Confirmations int      `json:"confirmations"`
	Status        TxStatus `json:"status"`
}

// Included reports whether the transaction has been seen in a block
func (r TransactionRef) Included() bool {
	return r.BlockNumber > 0
}

// Outcome is the result communicated to the order store
type Outcome string

const (
	OutcomePaid     Outcome = "paid"
	OutcomeRejected Outcome = "rejected"
)

// Reason qualifies a rejected outcome
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonUnderpaid  Reason = "underpaid"
	ReasonMismatched Reason = "mismatched"
	ReasonTimedOut   Reason = "timed_out"
	ReasonTxFailed   Reason = "tx_failed"
)

// SettlementDecision is emitted at most once per order
type SettlementDecision struct {
	OrderID   OrderID   `json:"orderId"`
	Outcome   Outcome   `json:"outcome"`
	Reason    Reason    `json:"reason,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	Payer     string    `json:"payer,omitempty"`
	Amount    *big.Int  `json:"amount,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Equal compares the externally meaningful parts of two decisions
func (d *SettlementDecision) Equal(other *SettlementDecision) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.OrderID == other.OrderID &&
		d.Outcome == other.Outcome &&
		d.Reason == other.Reason &&
		strings.EqualFold(d.TxHash, other.TxHash)
}

// SettlementState is the reconciler state of one order
type SettlementState string

const (
	StatePending    SettlementState = "pending"
	StateConfirming SettlementState = "confirming"
	StateValidating SettlementState = "validating"
	StatePaid       SettlementState = "paid"
	StateRejected   SettlementState = "rejected"
	StateCancelled  SettlementState = "cancelled"
)

// Terminal reports whether the state machine has stopped
func (s SettlementState) Terminal() bool {
	switch s {
	case StatePaid, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Attempt is the durable state of one settlement attempt. It is persisted on
// every transition so a restarted process resumes polling where it left off.
type Attempt struct {
	ID        string          `json:"id"`
	OrderID   OrderID         `json:"orderId"`
	TxHash    string          `json:"txHash"`
	State     SettlementState `json:"state"`
	Tx        TransactionRef  `json:"tx"`
	Deadline  time.Time       `json:"deadline"`
	Reorgs    int             `json:"reorgs"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PayerCredentials carries what the chain client needs to sign a payment.
// PrivateKey is hex encoded, with or without 0x prefix.
type PayerCredentials struct {
	PrivateKey string
}
