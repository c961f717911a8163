package orderpay

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateExpectedPayment(t *testing.T) {
	tests := []struct {
		name    string
		payment ExpectedPayment
		wantErr bool
	}{
		{name: "valid", payment: ExpectedPayment{OrderID: "order-1", Amount: big.NewInt(1)}},
		{name: "with expiry", payment: ExpectedPayment{OrderID: "order-1", Amount: big.NewInt(1), Expiry: time.Now()}},
		{name: "missing order", payment: ExpectedPayment{Amount: big.NewInt(1)}, wantErr: true},
		{name: "missing amount", payment: ExpectedPayment{OrderID: "order-1"}, wantErr: true},
		{name: "zero amount", payment: ExpectedPayment{OrderID: "order-1", Amount: big.NewInt(0)}, wantErr: true},
		{name: "negative amount", payment: ExpectedPayment{OrderID: "order-1", Amount: big.NewInt(-5)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExpectedPayment(tt.payment)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLedgerRecord(t *testing.T) {
	expected := ExpectedPayment{OrderID: "order-1", Amount: big.NewInt(100)}
	tx := TransactionRef{Hash: "0xABC"}

	tests := []struct {
		name       string
		record     LedgerRecord
		tx         TransactionRef
		wantReason Reason
		wantErr    error
	}{
		{name: "exact", record: paidRecord("order-1", 100, "0xabc"), tx: tx, wantReason: ReasonNone},
		{name: "overpaid", record: paidRecord("order-1", 101, "0xabc"), tx: tx, wantReason: ReasonNone},
		{name: "underpaid by one", record: paidRecord("order-1", 99, "0xabc"), tx: tx, wantReason: ReasonUnderpaid, wantErr: ErrUnderpaid},
		{name: "other order", record: paidRecord("order-2", 100, "0xabc"), tx: tx, wantReason: ReasonMismatched, wantErr: ErrMismatched},
		{name: "not paid", record: LedgerRecord{OrderID: "order-1"}, tx: tx, wantReason: ReasonMismatched, wantErr: ErrMismatched},
		{name: "other transaction", record: paidRecord("order-1", 100, "0xdef"), tx: tx, wantReason: ReasonMismatched, wantErr: ErrMismatched},
		{name: "record without hash", record: paidRecord("order-1", 100, ""), tx: tx, wantReason: ReasonNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, err := ValidateLedgerRecord(expected, tt.record, tt.tx)
			assert.Equal(t, tt.wantReason, reason)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, ValidationError, ClassOf(err))
		})
	}
}

func TestOrderIDValidate(t *testing.T) {
	assert.NoError(t, OrderID("order-1").Validate())
	assert.Error(t, OrderID("").Validate())
	assert.Error(t, OrderID("   ").Validate())

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, OrderID(long).Validate())
}

func TestSettlementDecisionEqual(t *testing.T) {
	a := &SettlementDecision{OrderID: "o", Outcome: OutcomePaid, TxHash: "0xAB", DecidedAt: time.Now()}
	b := &SettlementDecision{OrderID: "o", Outcome: OutcomePaid, TxHash: "0xab"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(&SettlementDecision{OrderID: "o", Outcome: OutcomeRejected, Reason: ReasonTimedOut}))
	assert.False(t, a.Equal(nil))

	var nilDecision *SettlementDecision
	assert.True(t, nilDecision.Equal(nil))
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []SettlementState{StatePaid, StateRejected, StateCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []SettlementState{StatePending, StateConfirming, StateValidating} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, TxConfirmed.Terminal())
	assert.False(t, TxReorganized.Terminal())
}
