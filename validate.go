package orderpay

import (
	"fmt"
	"math/big"
	"strings"
)

// ValidateExpectedPayment performs basic validation on an expected payment
func ValidateExpectedPayment(p ExpectedPayment) error {
	if err := p.OrderID.Validate(); err != nil {
		return err
	}
	if p.Amount == nil {
		return fmt.Errorf("expected amount is required")
	}
	if p.Amount.Sign() <= 0 {
		return fmt.Errorf("expected amount must be positive, got %s", p.Amount)
	}
	return nil
}

// ValidateLedgerRecord checks a confirmed ledger record against the order
// under settlement. It returns ReasonNone when the order is paid, otherwise
// the rejection reason together with a ValidationError.
//
// Overpayment is accepted as paid; no change is returned on chain.
func ValidateLedgerRecord(expected ExpectedPayment, record LedgerRecord, tx TransactionRef) (Reason, error) {
	if record.OrderID != expected.OrderID {
		return ReasonMismatched, Wrapf(ErrMismatched, "ledger record is for order %q, settling %q", record.OrderID, expected.OrderID)
	}
	if !record.Paid || record.Amount == nil {
		return ReasonMismatched, Wrapf(ErrMismatched, "ledger has no paid record for order %q", expected.OrderID)
	}
	if tx.Hash != "" && record.TxHash != "" && !strings.EqualFold(tx.Hash, record.TxHash) {
		return ReasonMismatched, Wrapf(ErrMismatched, "order %q was paid by transaction %s, not %s", expected.OrderID, record.TxHash, tx.Hash)
	}
	if record.Amount.Cmp(expected.Amount) < 0 {
		return ReasonUnderpaid, Wrapf(ErrUnderpaid, "received %s, expected %s", record.Amount, expected.Amount)
	}
	return ReasonNone, nil
}

// cloneAmount copies a big.Int so callers cannot alias stored values
func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
