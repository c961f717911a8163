package idempotency

import (
	"context"
	"sync"
	"time"

	orderpay "github.com/x402-foundation/orderpay"
)

// InMemoryStore keeps submitted references in process memory.
//
// Suitable for a single settlement daemon. Several processes submitting for
// the same payers need a shared SubmissionStore.
type InMemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

type memoryEntry struct {
	ref     orderpay.TransactionRef
	expires time.Time
}

// NewInMemoryStore creates a store remembering references for ttl.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	return &InMemoryStore{
		entries:  make(map[string]memoryEntry),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
func (s *InMemoryStore) CheckAndMark(key string) (SubmissionStatus, *orderpay.TransactionRef, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.lookupLocked(key); ok {
		return StatusCached, ref, nil
	}
	if done, exists := s.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	s.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until done closes or ctx ends.
func (s *InMemoryStore) WaitForResult(ctx context.Context, key string, done chan struct{}) (*orderpay.TransactionRef, error) {
	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		ref, _ := s.lookupLocked(key)
		return ref, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete caches ref and wakes waiters.
func (s *InMemoryStore) Complete(key string, ref *orderpay.TransactionRef, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref != nil {
		s.entries[key] = memoryEntry{ref: *ref, expires: s.now().Add(s.ttl)}
	}
	delete(s.inFlight, key)
	close(done)

	s.sweepLocked()
}

// Fail clears the in-flight marker; waiters see no reference and retry.
func (s *InMemoryStore) Fail(key string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, key)
	close(done)
}

// Len returns the number of cached references, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// lookupLocked returns a copy of a live entry, dropping it if expired.
func (s *InMemoryStore) lookupLocked(key string) (*orderpay.TransactionRef, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil, false
	}
	ref := e.ref
	return &ref, true
}

func (s *InMemoryStore) sweepLocked() {
	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, key)
		}
	}
}

var _ SubmissionStore = (*InMemoryStore)(nil)
