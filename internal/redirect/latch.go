package redirect

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultLatchCapacity = 4096

// settlement records how the first call of a load ended.
type settlement int

const (
	settlementPending settlement = iota
	settlementApplied
	settlementRejected
)

// latch marks a page load whose redirect result has been handled.
type latch struct {
	mu      sync.Mutex
	state   settlement
	message string
}

func (l *latch) settle(state settlement, message string) {
	l.mu.Lock()
	l.state = state
	l.message = message
	l.mu.Unlock()
}

func (l *latch) snapshot() (settlement, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.message
}

// Latches holds the per-load "already handled" markers. They live in memory
// only and are evicted least-recently-used.
type Latches struct {
	cache *lru.Cache[string, *latch]
}

// NewLatches returns a registry holding at most capacity loads.
func NewLatches(capacity int) (*Latches, error) {
	if capacity <= 0 {
		capacity = defaultLatchCapacity
	}
	cache, err := lru.New[string, *latch](capacity)
	if err != nil {
		return nil, err
	}
	return &Latches{cache: cache}, nil
}

// acquire returns the latch for key and whether this caller set it.
func (l *Latches) acquire(key string) (*latch, bool) {
	fresh := &latch{}
	if existed, _ := l.cache.ContainsOrAdd(key, fresh); existed {
		if current, ok := l.cache.Get(key); ok {
			return current, false
		}
		// Evicted between the two calls; the load was still handled once.
		return &latch{}, false
	}
	return fresh, true
}

// release forgets key so the next call for that load applies it again.
// A latch that was evicted and re-acquired by someone else is left alone.
func (l *Latches) release(key string, owned *latch) {
	if current, ok := l.cache.Peek(key); ok && current == owned {
		l.cache.Remove(key)
	}
}

// Len reports how many loads are latched.
func (l *Latches) Len() int {
	return l.cache.Len()
}
