// Package ledger holds the payment ledger rules: one immutable paid record per
// order, refused duplicate and zero-value payments, and an event per accepted
// payment. The same rules are enforced on chain by OrderPayments.sol; this
// package is the in-process reference used by the simulator and by tests.
package ledger

import (
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	orderpay "github.com/x402-foundation/orderpay"
)

// Payment is one pay(orderId) call as seen by the ledger
type Payment struct {
	Payer       string
	OrderID     orderpay.OrderID
	Value       *big.Int
	BlockNumber uint64
	TxHash      string
	Timestamp   time.Time
}

// PaidEvent is emitted once per accepted payment
type PaidEvent struct {
	OrderID     orderpay.OrderID `json:"orderId"`
	Payer       string           `json:"payer"`
	Amount      *big.Int         `json:"amount"`
	BlockNumber uint64           `json:"blockNumber"`
	TxHash      string           `json:"txHash"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Ledger is safe for concurrent use. Writers are serialized, so of two racing
// payments for the same order exactly one succeeds.
type Ledger struct {
	mu      sync.RWMutex
	records map[orderpay.OrderID]orderpay.LedgerRecord
	events  []PaidEvent
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		records: make(map[orderpay.OrderID]orderpay.LedgerRecord),
	}
}

// Pay records a payment. Checks run in contract order: an order that is
// already paid fails with ErrAlreadyPaid even when the value is zero.
func (l *Ledger) Pay(p Payment) (PaidEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[p.OrderID]; ok && rec.Paid {
		return PaidEvent{}, orderpay.Wrapf(orderpay.ErrAlreadyPaid, "order %q already paid by %s", p.OrderID, rec.Payer).WithOrder(p.OrderID)
	}
	if p.Value == nil || p.Value.Sign() <= 0 {
		return PaidEvent{}, orderpay.ErrZeroValue.WithOrder(p.OrderID)
	}

	amount := new(big.Int).Set(p.Value)
	l.records[p.OrderID] = orderpay.LedgerRecord{
		OrderID:     p.OrderID,
		Payer:       p.Payer,
		Amount:      amount,
		Paid:        true,
		BlockNumber: p.BlockNumber,
		TxHash:      p.TxHash,
	}

	event := PaidEvent{
		OrderID:     p.OrderID,
		Payer:       p.Payer,
		Amount:      new(big.Int).Set(amount),
		BlockNumber: p.BlockNumber,
		TxHash:      p.TxHash,
		Timestamp:   p.Timestamp,
	}
	l.events = append(l.events, event)
	return copyEvent(event), nil
}

// Record returns a copy of the order's record. The bool is false when the
// order has never been paid.
func (l *Ledger) Record(orderID orderpay.OrderID) (orderpay.LedgerRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[orderID]
	if !ok {
		return orderpay.LedgerRecord{OrderID: orderID}, false
	}
	rec.Amount = new(big.Int).Set(rec.Amount)
	return rec, true
}

// Events returns the events for an order in emission order
func (l *Ledger) Events(orderID orderpay.OrderID) []PaidEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []PaidEvent
	for _, e := range l.events {
		if e.OrderID == orderID {
			out = append(out, copyEvent(e))
		}
	}
	return out
}

// FindByTx returns the event emitted by a transaction, if any
func (l *Ledger) FindByTx(txHash string) (PaidEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.events {
		if strings.EqualFold(e.TxHash, txHash) {
			return copyEvent(e), true
		}
	}
	return PaidEvent{}, false
}

// Orders lists every paid order, sorted
func (l *Ledger) Orders() []orderpay.OrderID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]orderpay.OrderID, 0, len(l.records))
	for id := range l.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns an independent snapshot
func (l *Ledger) Clone() *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cp := New()
	for id, rec := range l.records {
		rec.Amount = new(big.Int).Set(rec.Amount)
		cp.records[id] = rec
	}
	cp.events = make([]PaidEvent, len(l.events))
	for i, e := range l.events {
		cp.events[i] = copyEvent(e)
	}
	return cp
}

func copyEvent(e PaidEvent) PaidEvent {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	return e
}
