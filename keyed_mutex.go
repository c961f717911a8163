package orderpay

import "sync"

// keyedMutex serializes work per order without a global lock
type keyedMutex struct {
	mu    sync.Mutex
	locks map[OrderID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[OrderID]*keyedLock)}
}

// Lock blocks until the caller owns id and returns the unlock func
func (k *keyedMutex) Lock(id OrderID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
