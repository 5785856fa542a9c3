// Package cycleguard provides a reusable mutual-exclusion primitive for the
// agent's periodic cycles (collection, upload, sync): each cycle may have at
// most one execution in flight, and a second invocation is rejected rather
// than queued.
package cycleguard

import (
	"sync"

	"github.com/syncmcp/edge-agent/internal/store"
)

// Guard is a single boolean flag protected by a mutex. Checked-and-set
// atomically at cycle entry; cleared by the deferred Release even on panic.
type Guard struct {
	mu      sync.Mutex
	running bool
}

// TryAcquire returns a release function and true if no cycle was already in
// flight. If a cycle is already running it returns (nil, false); callers
// should treat this as store.ErrCycleRunning.
func (g *Guard) TryAcquire() (release func(), acquired bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil, false
	}
	g.running = true
	return g.release, true
}

func (g *Guard) release() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

// Run executes fn under the guard, returning store.ErrCycleRunning if a
// cycle is already in flight.
func (g *Guard) Run(fn func() error) error {
	release, ok := g.TryAcquire()
	if !ok {
		return store.ErrCycleRunning
	}
	defer release()
	return fn()
}

// IsRunning reports whether a cycle currently holds the guard.
func (g *Guard) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}
