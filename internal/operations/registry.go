package operations

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxMessages is the number of log lines retained per record
const DefaultMaxMessages = 100

// DefaultRetentionTTL is how long a terminal record stays in memory
const DefaultRetentionTTL = 10 * time.Minute

// Listener receives a snapshot after every accepted create or update.
// Listeners run on the writer's goroutine, outside any registry lock.
type Listener interface {
	OnSnapshot(record ProgressRecord)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(ProgressRecord)

// OnSnapshot implements Listener
func (f ListenerFunc) OnSnapshot(record ProgressRecord) { f(record) }

// RegistryConfig bounds the memory used by the registry
type RegistryConfig struct {
	MaxMessages  int
	RetentionTTL time.Duration
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithArchive makes Get fall back to archived records
func WithArchive(archive Archive) RegistryOption {
	return func(r *Registry) { r.archive = archive }
}

// WithListener registers a snapshot listener
func WithListener(l Listener) RegistryOption {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides uuid generation
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// Registry maps operation ids to progress records.
// The map lock is held only for lookup, insert and removal; each record has its own
// lock so that updates to one operation never wait on another.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cfg       RegistryConfig
	archive   Archive
	listeners []Listener
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

type entry struct {
	mu     sync.Mutex
	record ProgressRecord
	subs   map[*Subscription]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) *Registry {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = DefaultRetentionTTL
	}
	r := &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers a listener after construction
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Create inserts a new record with status starting and returns its snapshot
func (r *Registry) Create(kind Kind, owner string, totalPhases int) (ProgressRecord, error) {
	if !kind.Valid() {
		return ProgressRecord{}, NewValidationError("unknown operation kind: " + string(kind))
	}
	now := r.now()
	rec := ProgressRecord{
		Kind:        kind,
		Owner:       owner,
		Status:      StatusStarting,
		TotalPhases: totalPhases,
		Messages:    []Message{},
		StartedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	r.mu.Lock()
	for {
		rec.ID = r.newID()
		if _, exists := r.entries[rec.ID]; !exists {
			break
		}
	}
	r.entries[rec.ID] = &entry{record: rec, subs: make(map[*Subscription]struct{})}
	r.mu.Unlock()

	snap := rec.Clone()
	r.notify(snap)
	return snap, nil
}

// Get returns a snapshot of the record
func (r *Registry) Get(ctx context.Context, id string) (ProgressRecord, error) {
	if e := r.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.record.Clone(), nil
	}
	return r.fromArchive(ctx, id)
}

// Update applies mutate to a working copy of the record and publishes the result.
// Terminal records are never changed: the call returns ErrOperationTerminal together
// with the unchanged snapshot.
func (r *Registry) Update(id string, mutate func(*ProgressRecord)) (ProgressRecord, error) {
	e := r.lookup(id)
	if e == nil {
		return ProgressRecord{}, NewNotFoundError(id)
	}

	e.mu.Lock()
	prev := e.record
	if prev.IsTerminal() {
		snap := prev.Clone()
		e.mu.Unlock()
		return snap, ErrOperationTerminal
	}

	work := prev.Clone()
	mutate(&work)

	// identity is fixed at creation
	work.ID = prev.ID
	work.Kind = prev.Kind
	work.Owner = prev.Owner
	work.StartedAt = prev.StartedAt
	work.TotalPhases = prev.TotalPhases

	if work.CurrentPhase < prev.CurrentPhase {
		r.logger.Warn("ignoring backwards phase transition",
			slog.String("operation_id", id),
			slog.Int("from", prev.CurrentPhase),
			slog.Int("to", work.CurrentPhase))
		work.CurrentPhase = prev.CurrentPhase
	}
	if work.Status == StatusStarting && prev.Status == StatusRunning {
		work.Status = StatusRunning
	}
	if work.Progress < 0 {
		work.Progress = 0
	}
	if work.Progress > 100 {
		work.Progress = 100
	}
	work.trimMessages(r.cfg.MaxMessages)

	now := r.now()
	work.UpdatedAt = now
	work.Version = prev.Version + 1
	switch work.Status {
	case StatusCompleted:
		work.Progress = 100
		work.Error = ""
		work.CompletedAt = &now
	case StatusError:
		work.Result = nil
		work.CompletedAt = &now
	default:
		work.Error = ""
		work.Result = nil
		work.CompletedAt = nil
	}

	e.record = work
	snap := work.Clone()
	e.publish(snap)
	e.mu.Unlock()

	r.notify(snap)
	return snap, nil
}

// Subscribe returns the current snapshot and a subscription delivering later ones.
// The subscription channel holds only the newest snapshot; it is closed right after
// the terminal snapshot is delivered, so a terminal value is always the last one read.
func (r *Registry) Subscribe(ctx context.Context, id string) (ProgressRecord, *Subscription, error) {
	e := r.lookup(id)
	if e == nil {
		rec, err := r.fromArchive(ctx, id)
		if err != nil {
			return ProgressRecord{}, nil, err
		}
		return rec, closedSubscription(), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.record.Clone()
	if snap.IsTerminal() {
		return snap, closedSubscription(), nil
	}
	sub := &Subscription{ch: make(chan ProgressRecord, 1), entry: e}
	sub.C = sub.ch
	e.subs[sub] = struct{}{}
	return snap, sub, nil
}

// Delete removes a terminal record from memory and from the archive
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		e.mu.Lock()
		terminal := e.record.IsTerminal()
		e.mu.Unlock()
		if !terminal {
			r.mu.Unlock()
			return ErrOperationRunning
		}
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if r.archive != nil {
		err := r.archive.Delete(ctx, id)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrOperationNotFound):
			if ok {
				return nil
			}
			return NewNotFoundError(id)
		default:
			return err
		}
	}
	if !ok {
		return NewNotFoundError(id)
	}
	return nil
}

// Evict drops terminal records whose retention window has passed and returns how many
func (r *Registry) Evict(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		e.mu.Lock()
		expired := e.record.CompletedAt != nil && now.Sub(*e.record.CompletedAt) >= r.cfg.RetentionTTL
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			evicted++
		}
	}
	return evicted
}

// List returns snapshots of the in-memory records owned by owner, newest first.
// An empty owner lists every record.
func (r *Registry) List(owner string) []ProgressRecord {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]ProgressRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if owner == "" || e.record.Owner == owner {
			out = append(out, e.record.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Count returns the number of in-memory records
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RetentionTTL returns the configured terminal retention window
func (r *Registry) RetentionTTL() time.Duration {
	return r.cfg.RetentionTTL
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) fromArchive(ctx context.Context, id string) (ProgressRecord, error) {
	if r.archive == nil {
		return ProgressRecord{}, NewNotFoundError(id)
	}
	rec, err := r.archive.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOperationNotFound) {
			return ProgressRecord{}, NewNotFoundError(id)
		}
		return ProgressRecord{}, err
	}
	return rec, nil
}

func (r *Registry) notify(snap ProgressRecord) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		l.OnSnapshot(snap.Clone())
	}
}

// publish must be called with e.mu held
func (e *entry) publish(snap ProgressRecord) {
	terminal := snap.IsTerminal()
	for sub := range e.subs {
		// latest wins: drop the stale value, the buffer then always has room
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snap.Clone()
		if terminal {
			close(sub.ch)
			sub.closed = true
			delete(e.subs, sub)
		}
	}
}

// Subscription delivers snapshots of one operation
type Subscription struct {
	// C carries the newest snapshot not yet read. It is closed after the terminal one.
	C <-chan ProgressRecord

	ch     chan ProgressRecord
	entry  *entry
	closed bool
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.entry == nil {
		return
	}
	s.entry.mu.Lock()
	defer s.entry.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.entry.subs, s)
	close(s.ch)
	s.closed = true
}

func closedSubscription() *Subscription {
	ch := make(chan ProgressRecord)
	close(ch)
	return &Subscription{C: ch, ch: ch, closed: true}
}
