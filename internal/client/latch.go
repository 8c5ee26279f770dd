package client

import "sync"

// Latch is a one-shot guard keyed by operation id. The first Fire for an id wins;
// every later call for the same id returns false.
type Latch struct {
	mu    sync.Mutex
	fired map[string]bool
}

// NewLatch creates an empty latch
func NewLatch() *Latch {
	return &Latch{fired: make(map[string]bool)}
}

// Fire claims id. It returns true exactly once per id.
func (l *Latch) Fire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired[id] {
		return false
	}
	l.fired[id] = true
	return true
}

// Fired reports whether id has been claimed
func (l *Latch) Fired(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired[id]
}
