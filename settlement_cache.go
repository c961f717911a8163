package orderpay

import (
	"context"
	"sync"
	"time"
)

// SettlementCache tracks which orders are being settled in this process and
// caches emitted decisions. The in-flight slot is the per-order exclusivity
// guard: only its holder may commit a decision or call the order store.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[OrderID]*SettlementDecision
	expiry   map[OrderID]time.Time
	inFlight map[OrderID]chan struct{}
	ttl      time.Duration
}

// NewSettlementCache creates a new settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[OrderID]*SettlementDecision),
		expiry:   make(map[OrderID]time.Time),
		inFlight: make(map[OrderID]chan struct{}),
		ttl:      ttl,
	}
}

// SettlementStatus represents the result of checking the cache.
type SettlementStatus int

const (
	// StatusNotFound means no cached decision and no in-flight settlement.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached decision was found.
	StatusCached
	// StatusInFlight means another goroutine is settling this order.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and marks the order as in-flight if needed.
// Returns:
// - StatusCached + decision if a cached decision exists
// - StatusInFlight + wait channel if another goroutine holds the slot
// - StatusNotFound + done channel if the caller now holds the slot
func (c *SettlementCache) CheckAndMark(id OrderID) (SettlementStatus, *SettlementDecision, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[id]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[id]; ok {
				return StatusCached, result, nil
			}
		}
		delete(c.results, id)
		delete(c.expiry, id)
	}

	if done, exists := c.inFlight[id]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[id] = done
	return StatusNotFound, nil, done
}

// WaitForResult waits for an in-flight settlement to finish, respecting context cancellation.
// Returns the cached decision if one was produced, or nil if the holder released
// the slot without deciding.
func (c *SettlementCache) WaitForResult(ctx context.Context, id OrderID, done chan struct{}) (*SettlementDecision, error) {
	select {
	case <-done:
		return c.Get(id), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports whether an order currently holds a slot
func (c *SettlementCache) InFlight(id OrderID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}

// Get retrieves a cached decision if it exists and hasn't expired.
func (c *SettlementCache) Get(id OrderID) *SettlementDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[id]
	if !exists {
		return nil
	}

	if time.Now().After(expiry) {
		delete(c.results, id)
		delete(c.expiry, id)
		return nil
	}

	return c.results[id]
}

// Complete caches the decision, releases the slot and signals waiters.
func (c *SettlementCache) Complete(id OrderID, decision *SettlementDecision, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[id] = decision
	c.expiry[id] = time.Now().Add(c.ttl)

	c.release(id, done)
	c.cleanupExpiredLocked()
}

// Fail releases the slot without caching a decision, so the order can be
// settled again later.
func (c *SettlementCache) Fail(id OrderID, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(id, done)
}

// release must be called with lock held
func (c *SettlementCache) release(id OrderID, done chan struct{}) {
	if current, ok := c.inFlight[id]; ok && current == done {
		delete(c.inFlight, id)
	}
	select {
	case <-done:
	default:
		close(done)
	}
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := time.Now()
	for id, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, id)
			delete(c.expiry, id)
		}
	}
}
