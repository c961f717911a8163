package store

import (
	"context"
	"sort"
	"sync"

	orderpay "github.com/x402-foundation/orderpay"
)

// MemoryStore keeps settlement state in process memory. State is lost on
// restart, so it suits tests and dev mode only.
type MemoryStore struct {
	mu        sync.RWMutex
	attempts  map[orderpay.OrderID]*orderpay.Attempt
	decisions map[orderpay.OrderID]*orderpay.SettlementDecision
	notified  map[orderpay.OrderID]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts:  make(map[orderpay.OrderID]*orderpay.Attempt),
		decisions: make(map[orderpay.OrderID]*orderpay.SettlementDecision),
		notified:  make(map[orderpay.OrderID]bool),
	}
}

func (s *MemoryStore) SaveAttempt(_ context.Context, attempt *orderpay.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.OrderID] = copyAttempt(attempt)
	return nil
}

func (s *MemoryStore) LoadAttempt(_ context.Context, orderID orderpay.OrderID) (*orderpay.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[orderID]
	if !ok {
		return nil, orderpay.ErrNotFound.WithOrder(orderID)
	}
	return copyAttempt(a), nil
}

func (s *MemoryStore) ActiveAttempts(_ context.Context) ([]*orderpay.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*orderpay.Attempt
	for _, a := range s.attempts {
		if !a.State.Terminal() {
			out = append(out, copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) CommitDecision(_ context.Context, decision *orderpay.SettlementDecision) (*orderpay.SettlementDecision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.decisions[decision.OrderID]; ok {
		return copyDecision(existing), false, nil
	}
	s.decisions[decision.OrderID] = copyDecision(decision)
	return copyDecision(decision), true, nil
}

func (s *MemoryStore) Decision(_ context.Context, orderID orderpay.OrderID) (*orderpay.SettlementDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[orderID]
	if !ok {
		return nil, orderpay.ErrNotFound.WithOrder(orderID)
	}
	return copyDecision(d), nil
}

func (s *MemoryStore) MarkNotified(_ context.Context, orderID orderpay.OrderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[orderID]; !ok {
		return orderpay.ErrNotFound.WithOrder(orderID)
	}
	s.notified[orderID] = true
	return nil
}

func (s *MemoryStore) PendingNotifications(_ context.Context) ([]*orderpay.SettlementDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*orderpay.SettlementDecision
	for id, d := range s.decisions {
		if !s.notified[id] {
			out = append(out, copyDecision(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecidedAt.Before(out[j].DecidedAt) })
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
