package orchestrator

import (
	"sync"
	"time"
)

// Guard is the in-flight request guard: a concurrent key -> timestamp map
// checked-and-inserted synchronously at request entry. Constructor-injected
// and scoped to the orchestrator's lifetime, never an ambient global.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]time.Time
}

func NewGuard() *Guard {
	return &Guard{inflight: make(map[string]time.Time)}
}

// TryAcquire inserts the key if absent. Returns false when a request for the
// same key is already in flight.
func (g *Guard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.inflight[key]; exists {
		return false
	}
	g.inflight[key] = time.Now()
	return true
}

// Release removes the key. Runs on both success and failure paths.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key)
}

// Len reports the number of in-flight keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
