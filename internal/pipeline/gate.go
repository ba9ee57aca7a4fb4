package pipeline

import (
	"sync"
)

// Gate suspends stream-to-measurement processing while a conflicting bulk
// operation is in flight. It is an explicit state machine, not a queue:
// syntactically valid measurements arriving while closed are dropped, never
// buffered for replay.
type Gate struct {
	mu       sync.Mutex
	closed   bool
	reason   string
	onReopen func()
}

// NewGate creates an open gate. onReopen, if non-nil, runs every time the
// gate transitions back to open (used to notify subscribers that processing
// resumed). It is called outside the gate's lock.
func NewGate(onReopen func()) *Gate {
	return &Gate{onReopen: onReopen}
}

// Close transitions the gate to closed for the named bulk operation and
// returns a release func. The release is idempotent and reopens the gate
// unconditionally, so callers can defer it on every exit path without a
// double-reopen hazard.
func (g *Gate) Close(reason string) (release func()) {
	g.mu.Lock()
	g.closed = true
	g.reason = reason
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.closed = false
			g.reason = ""
			cb := g.onReopen
			g.mu.Unlock()

			if cb != nil {
				cb()
			}
		})
	}
}

// Closed reports whether the gate is currently closed.
func (g *Gate) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Reason returns the bulk operation that closed the gate, or "" when open.
func (g *Gate) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}
