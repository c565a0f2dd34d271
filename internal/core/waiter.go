package core

import "sync"

// Waiter is the suspended half of one outstanding receive request.
// It is resolved at most once.
type Waiter struct {
	ch   chan Delivery
	once sync.Once
}

// NewWaiter creates an unresolved waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan Delivery, 1)}
}

// C yields the delivery once the waiter is resolved.
func (w *Waiter) C() <-chan Delivery {
	return w.ch
}

// resolve hands d to the waiting request. Returns false if already resolved.
func (w *Waiter) resolve(d Delivery) bool {
	resolved := false
	w.once.Do(func() {
		w.ch <- d
		resolved = true
	})
	return resolved
}
