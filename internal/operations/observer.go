package operations

import (
	"context"
	"time"
)

// EventType distinguishes snapshots from keepalives on a followed operation
type EventType string

const (
	EventSnapshot  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
)

// Event is emitted by Observer.Follow
type Event struct {
	Type   EventType
	Record ProgressRecord
	At     time.Time
}

// FollowOptions bounds a follow session
type FollowOptions struct {
	// Heartbeat emits EventHeartbeat this often while nothing changes. Zero disables it.
	Heartbeat time.Duration
	// MaxIdle ends the session with ErrStreamIdle after this long without a mutation.
	// Zero disables it.
	MaxIdle time.Duration
}

// Observer is the single observation primitive behind both delivery channels:
// Snapshot serves polling and Follow serves push streams.
type Observer struct {
	registry *Registry
}

// NewObserver creates an observer over registry
func NewObserver(registry *Registry) *Observer {
	return &Observer{registry: registry}
}

// Snapshot returns the current record
func (o *Observer) Snapshot(ctx context.Context, id string) (ProgressRecord, error) {
	return o.registry.Get(ctx, id)
}

// Follow emits the current snapshot and then one snapshot per observed mutation until
// the operation is terminal. It returns nil right after emitting the terminal snapshot,
// ErrStreamIdle on idle timeout, ctx.Err() when the observer goes away, or the first
// error returned by emit.
func (o *Observer) Follow(ctx context.Context, id string, opts FollowOptions, emit func(Event) error) error {
	snap, sub, err := o.registry.Subscribe(ctx, id)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := emit(Event{Type: EventSnapshot, Record: snap, At: time.Now()}); err != nil {
		return err
	}
	if snap.IsTerminal() {
		return nil
	}

	var heartbeat <-chan time.Time
	if opts.Heartbeat > 0 {
		ticker := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	var idle <-chan time.Time
	var idleTimer *time.Timer
	if opts.MaxIdle > 0 {
		idleTimer = time.NewTimer(opts.MaxIdle)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	last := snap.Version
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-sub.C:
			if !ok {
				return nil
			}
			if rec.Version <= last {
				continue
			}
			last = rec.Version
			if err := emit(Event{Type: EventSnapshot, Record: rec, At: time.Now()}); err != nil {
				return err
			}
			if rec.IsTerminal() {
				return nil
			}
			if idleTimer != nil {
				idleTimer.Reset(opts.MaxIdle)
			}

		case at := <-heartbeat:
			if err := emit(Event{Type: EventHeartbeat, At: at}); err != nil {
				return err
			}

		case <-idle:
			return ErrStreamIdle
		}
	}
}
