package supervisor

import (
	"fmt"
	"sync"
)

// gate is the supervisor's single-user permit (spec.md §4.2 "Single-user
// gate"): only one start or stop may be in flight on a given supervisor at
// once. acquire hands back a fresh token; release panics if handed a
// stale or foreign token, since that would mean two operations raced past
// the gate, a harness bug spec.md treats as fatal.
type gate struct {
	sem chan struct{}

	mu    sync.Mutex
	token int64
	held  int64
}

func newGate() *gate {
	g := &gate{sem: make(chan struct{}, 1)}
	g.sem <- struct{}{}
	return g
}

func (g *gate) acquire() int64 {
	<-g.sem

	g.mu.Lock()
	g.token++
	token := g.token
	g.held = token
	g.mu.Unlock()

	return token
}

func (g *gate) release(token int64) {
	g.mu.Lock()
	if g.held != token {
		g.mu.Unlock()
		panic(fmt.Sprintf("supervisor: gate released with mismatched token %d (held %d)", token, g.held))
	}
	g.held = 0
	g.mu.Unlock()

	g.sem <- struct{}{}
}
