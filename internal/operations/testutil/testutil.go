// Package testutil holds helpers shared by tests of packages built on operations.
package testutil

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"fauxnetd/internal/operations"
)

// WaitForTerminal polls the registry until the record is terminal or the timeout passes
func WaitForTerminal(t *testing.T, reg *operations.Registry, id string, timeout time.Duration) operations.ProgressRecord {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		rec, err := reg.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if rec.IsTerminal() {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation %s not terminal after %s (status %s, phase %d)", id, timeout, rec.Status, rec.CurrentPhase)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// PhaseRecorder is a scripted PhaseFunc that remembers which phases ran
type PhaseRecorder struct {
	mu       sync.Mutex
	calls    []int
	failures map[int]error
	gates    map[int]chan struct{}
	delays   map[int]time.Duration
}

// NewPhaseRecorder creates a recorder where every phase succeeds
func NewPhaseRecorder() *PhaseRecorder {
	return &PhaseRecorder{
		failures: make(map[int]error),
		gates:    make(map[int]chan struct{}),
		delays:   make(map[int]time.Duration),
	}
}

// FailOn makes phase n return err
func (p *PhaseRecorder) FailOn(n int, err error) *PhaseRecorder {
	p.mu.Lock()
	p.failures[n] = err
	p.mu.Unlock()
	return p
}

// Block makes phase n wait until the returned release func is called
func (p *PhaseRecorder) Block(n int) (release func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.gates[n] = ch
	p.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Delay makes phase n sleep for d
func (p *PhaseRecorder) Delay(n int, d time.Duration) *PhaseRecorder {
	p.mu.Lock()
	p.delays[n] = d
	p.mu.Unlock()
	return p
}

// Run implements operations.PhaseFunc
func (p *PhaseRecorder) Run(ctx context.Context, phase operations.PhaseDefinition, pc *operations.PhaseContext) error {
	p.mu.Lock()
	p.calls = append(p.calls, phase.Number)
	gate := p.gates[phase.Number]
	delay := p.delays[phase.Number]
	failure := p.failures[phase.Number]
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if failure != nil {
		return failure
	}
	pc.Step(1, 1)
	pc.SetResult("last_phase", phase.Number)
	return nil
}

// Calls returns the phases run so far, in order
func (p *PhaseRecorder) Calls() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.calls))
	copy(out, p.calls)
	return out
}

// Ran reports whether phase n was invoked
func (p *PhaseRecorder) Ran(n int) bool {
	for _, c := range p.Calls() {
		if c == n {
			return true
		}
	}
	return false
}

// MemoryArchive is an in-memory operations.Archive
type MemoryArchive struct {
	mu      sync.Mutex
	records map[string]operations.ProgressRecord
	saves   int
}

// NewMemoryArchive creates an empty archive
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string]operations.ProgressRecord)}
}

// Save implements operations.Archive
func (a *MemoryArchive) Save(_ context.Context, rec operations.ProgressRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.ID] = rec.Clone()
	a.saves++
	return nil
}

// Load implements operations.Archive
func (a *MemoryArchive) Load(_ context.Context, id string) (operations.ProgressRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[id]
	if !ok {
		return operations.ProgressRecord{}, operations.NewNotFoundError(id)
	}
	return rec.Clone(), nil
}

// Delete implements operations.Archive
func (a *MemoryArchive) Delete(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[id]; !ok {
		return operations.NewNotFoundError(id)
	}
	delete(a.records, id)
	return nil
}

// PurgeBefore implements operations.Archive
func (a *MemoryArchive) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for id, rec := range a.records {
		if rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(a.records, id)
			n++
		}
	}
	return n, nil
}

// MarkInterrupted implements operations.Archive
func (a *MemoryArchive) MarkInterrupted(_ context.Context, at time.Time, reason string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for id, rec := range a.records {
		if rec.IsTerminal() {
			continue
		}
		rec.Status = operations.StatusError
		rec.Error = reason
		rec.CompletedAt = &at
		rec.UpdatedAt = at
		a.records[id] = rec
		n++
	}
	return n, nil
}

// IDs returns the archived ids in sorted order
func (a *MemoryArchive) IDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.records))
	for id := range a.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Saves returns how many times Save was called
func (a *MemoryArchive) Saves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saves
}
