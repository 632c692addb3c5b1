// Package procguard tracks which process instances the agent has
// suspended pending approval, so that follow-up signals only ever reach the
// process that was actually stopped.
package procguard

import (
	"fmt"
	"sync"
)

// Key identifies one process instance. A PID alone is reused by the kernel;
// the generation (start time) distinguishes successive owners.
type Key struct {
	PID        int32
	Generation uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.PID, k.Generation)
}

type Guard struct {
	mu        sync.Mutex
	suspended map[Key]struct{}
}

func New() *Guard {
	return &Guard{suspended: make(map[Key]struct{})}
}

// MarkSuspended records k and reports whether it was newly added.
func (g *Guard) MarkSuspended(k Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.suspended[k]; ok {
		return false
	}
	g.suspended[k] = struct{}{}
	return true
}

func (g *Guard) IsSuspended(k Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.suspended[k]
	return ok
}

// Unmark removes k and reports whether it was present.
func (g *Guard) Unmark(k Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.suspended[k]; !ok {
		return false
	}
	delete(g.suspended, k)
	return true
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.suspended)
}
