package core

import "sync"

// entryState is the delivery state of one online user.
type entryState int

const (
	// stateIdle: no outstanding poll and nothing queued.
	stateIdle entryState = iota
	// stateWaiting: one poll is outstanding, the queue is empty.
	stateWaiting
	// stateQueued: messages are queued, no poll is outstanding.
	stateQueued
)

func (s entryState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateWaiting:
		return "waiting"
	case stateQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// onlineEntry is owned by Presence. Every field is guarded by mu.
type onlineEntry struct {
	mu      sync.Mutex
	state   entryState
	waiter  *Waiter
	queue   []Envelope
	removed bool
}

// deliver applies a new message to the entry. Caller holds e.mu.
func (e *onlineEntry) deliver(env Envelope) {
	switch e.state {
	case stateWaiting:
		w := e.waiter
		e.waiter = nil
		e.state = stateIdle
		w.resolve(Delivery{Kind: DeliveryMessage, Envelopes: []Envelope{env}})
	case stateIdle, stateQueued:
		// Unbounded: nothing upstream applies backpressure.
		e.queue = append(e.queue, env)
		e.state = stateQueued
	}
}

// attach hands w the queue or parks it. Caller holds e.mu.
func (e *onlineEntry) attach(w *Waiter) {
	switch e.state {
	case stateQueued:
		queued := e.queue
		e.queue = nil
		e.state = stateIdle
		w.resolve(Delivery{Kind: DeliveryQueue, Envelopes: queued})
	case stateWaiting:
		e.waiter.resolve(Delivery{Kind: DeliverySuperseded})
		e.waiter = w
	case stateIdle:
		e.waiter = w
		e.state = stateWaiting
	}
}

// Presence is the process-wide registry of online users.
// Lock order: Presence.mu before onlineEntry.mu.
type Presence struct {
	mu      sync.Mutex
	entries map[string]*onlineEntry
}

// NewPresence creates an empty registry.
func NewPresence() *Presence {
	return &Presence{entries: make(map[string]*onlineEntry)}
}

// MarkOnline ensures userID has an entry. Returns true if the user just came online.
func (p *Presence) MarkOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[userID]; ok {
		return false
	}
	p.entries[userID] = &onlineEntry{}
	return true
}

// lookup returns the live entry for userID, locked, or nil.
func (p *Presence) lookup(userID string) *onlineEntry {
	p.mu.Lock()
	e, ok := p.entries[userID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	return e
}

// EnqueueOrDeliver resolves the user's outstanding poll with env, or queues env
// when no poll is outstanding. Returns false if the user is offline.
func (p *Presence) EnqueueOrDeliver(userID string, env Envelope) bool {
	e := p.lookup(userID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	e.deliver(env)
	return true
}

// AttachWaiter parks w as the user's outstanding poll, or resolves it at once
// with the queued messages. A previous outstanding poll is superseded.
func (p *Presence) AttachWaiter(userID string, w *Waiter) {
	p.mu.Lock()
	e, ok := p.entries[userID]
	if !ok {
		e = &onlineEntry{}
		p.entries[userID] = e
	}
	e.mu.Lock()
	p.mu.Unlock()
	defer e.mu.Unlock()

	e.attach(w)
}

// RemoveIfUnresolved drops the user's entry if w is still its outstanding poll.
// Returns true when the user went offline; false when w was already resolved.
func (p *Presence) RemoveIfUnresolved(userID string, w *Waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateWaiting || e.waiter != w {
		return false
	}
	e.waiter = nil
	e.state = stateIdle
	e.removed = true
	delete(p.entries, userID)
	return true
}

// IsOnline reports whether userID has an entry.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.entries[userID]
	return ok
}

// Waiting reports whether userID has an outstanding poll.
func (p *Presence) Waiting(userID string) bool {
	e := p.lookup(userID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	return e.state == stateWaiting
}

// Len returns the number of online users.
func (p *Presence) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}
