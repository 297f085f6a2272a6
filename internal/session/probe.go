package session

import "sync"

// probeGuard makes the health probe self-excluding: a tick that arrives while
// a probe is still in flight is skipped outright, never queued, so slow
// native calls cannot pile probes up behind each other.
type probeGuard struct {
	mu      sync.Mutex
	running bool
	skipped int
}

// Start claims the probe slot. It returns false when a probe is already in
// flight, counting the skip.
func (g *probeGuard) Start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		g.skipped++
		return false
	}
	g.running = true
	return true
}

func (g *probeGuard) End() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

func (g *probeGuard) Skipped() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.skipped
}
