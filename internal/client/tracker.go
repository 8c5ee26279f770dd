package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fauxnetd/internal/operations"
)

// Callbacks receive tracker events. Any of them may be nil. They run on the
// observation goroutine and should return quickly.
type Callbacks struct {
	OnProgress func(family string, rec operations.ProgressRecord)
	// OnCompleted and OnError fire at most once per operation id
	OnCompleted func(family string, rec operations.ProgressRecord)
	OnError     func(family string, rec operations.ProgressRecord)
	// OnConnectionLost reports a delivery failure. The job may still be running.
	OnConnectionLost func(family, id string, err error)
	// OnInconclusive fires when the server no longer knows the id
	OnInconclusive func(family, id string)
}

type session struct {
	state   State
	id      string
	version int64
	cancel  context.CancelFunc
	done    chan struct{}
}

// Tracker starts and observes operations, one active operation per job family,
// and persists the active id so a later process can resume it.
type Tracker struct {
	transport Transport
	store     Store
	cfg       Config
	cb        Callbacks
	latch     *Latch
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// NewTracker creates a tracker
func NewTracker(transport Transport, store Store, cfg Config, cb Callbacks, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = ChannelStream
	}
	return &Tracker{
		transport: transport,
		store:     store,
		cfg:       cfg,
		cb:        cb,
		latch:     NewLatch(),
		logger:    logger.With(slog.String("component", "tracker")),
		sessions:  make(map[string]*session),
	}
}

// State returns the family's current state
func (t *Tracker) State(family string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session(family).state
}

// Active returns the id the family is tracking, if any
func (t *Tracker) Active(family string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session(family).id
}

// Start starts an operation and observes it in the background
func (t *Tracker) Start(ctx context.Context, family string, req StartRequest) (StartResponse, error) {
	if err := t.transition(family, StateStarting); err != nil {
		return StartResponse{}, err
	}

	resp, err := t.transport.Start(ctx, req)
	if err != nil {
		t.setState(family, StateIdle)
		return StartResponse{}, err
	}

	if err := t.store.Put(family, resp.OperationID); err != nil {
		// observation still works, only a later resume is lost
		t.logger.Warn("failed to persist operation id",
			slog.String("family", family),
			slog.String("operation_id", resp.OperationID),
			slog.String("error", err.Error()))
	}

	if err := t.attach(family, resp.OperationID); err != nil {
		return resp, err
	}
	return resp, nil
}

// Resume reconciles a persisted operation. It returns the persisted id, or "" when
// nothing was persisted. A terminal record fires its callback and is not observed.
func (t *Tracker) Resume(ctx context.Context, family string) (string, error) {
	id, ok, err := t.store.Get(family)
	if err != nil {
		return "", err
	}
	if !ok || id == "" {
		return "", nil
	}

	if err := t.transition(family, StateReconnecting); err != nil {
		return id, err
	}
	t.mu.Lock()
	t.session(family).id = id
	t.mu.Unlock()

	rec, err := t.transport.Poll(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		t.inconclusive(family, id)
		return id, nil
	case err != nil:
		t.connectionLost(family, id, err)
		t.setState(family, StateIdle)
		return id, err
	}

	if rec.IsTerminal() {
		t.finish(family, rec)
		return id, nil
	}
	t.progress(family, rec)
	return id, t.attach(family, id)
}

// Detach stops every observation and waits for it to end. Persisted ids are kept
// for operations that have not finished.
func (t *Tracker) Detach() {
	t.mu.Lock()
	var waits []chan struct{}
	for family, s := range t.sessions {
		if s.cancel != nil {
			s.cancel()
			waits = append(waits, s.done)
		}
		if s.state == StateObserving || s.state == StateReconnecting {
			s.state = StateIdle
			t.logger.Debug("detached", slog.String("family", family), slog.String("operation_id", s.id))
		}
	}
	t.mu.Unlock()

	for _, done := range waits {
		<-done
	}
}

// Wait blocks until every observation has ended on its own or through Detach
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) attach(family, id string) error {
	if err := t.transition(family, StateObserving); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	s := t.session(family)
	s.id = id
	s.cancel = cancel
	s.done = done
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(done)
		defer cancel()
		t.observe(ctx, family, id)
	}()
	return nil
}

func (t *Tracker) observe(ctx context.Context, family, id string) {
	for {
		err := t.follow(ctx, family, id)
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrNotFound) {
			t.inconclusive(family, id)
			return
		}
		if t.latch.Fired(id) {
			return
		}

		t.connectionLost(family, id, err)
		if !t.reconnect(ctx, family, id) {
			return
		}
	}
}

// follow delivers snapshots over the configured channel until a terminal one
func (t *Tracker) follow(ctx context.Context, family, id string) error {
	if t.cfg.Channel == ChannelStream {
		err := t.transport.Stream(ctx, id, func(rec operations.ProgressRecord) {
			t.deliver(family, rec)
		})
		if err != nil {
			return err
		}
		return nil
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rec, err := t.transport.Poll(ctx, id)
		if err != nil {
			return err
		}
		t.deliver(family, rec)
		if rec.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reconnect polls with linear backoff. It reports whether observation should
// continue on the delivery channel.
func (t *Tracker) reconnect(ctx context.Context, family, id string) bool {
	t.setState(family, StateReconnecting)

	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * t.cfg.ReconnectBackoff):
		}

		rec, err := t.transport.Poll(ctx, id)
		if errors.Is(err, ErrNotFound) {
			t.inconclusive(family, id)
			return false
		}
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			t.logger.Debug("reconnect attempt failed",
				slog.String("operation_id", id),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		if rec.IsTerminal() {
			t.finish(family, rec)
			return false
		}
		t.progress(family, rec)
		t.setState(family, StateObserving)
		return true
	}

	t.logger.Warn("giving up on operation, id kept for resume",
		slog.String("family", family),
		slog.String("operation_id", id),
		slog.Int("attempts", t.cfg.ReconnectAttempts))
	t.setState(family, StateIdle)
	return false
}

func (t *Tracker) deliver(family string, rec operations.ProgressRecord) {
	if rec.IsTerminal() {
		t.finish(family, rec)
		return
	}
	t.progress(family, rec)
}

// progress forwards rec unless an equal or newer version was already seen
func (t *Tracker) progress(family string, rec operations.ProgressRecord) {
	t.mu.Lock()
	s := t.session(family)
	stale := rec.Version > 0 && rec.Version <= s.version
	if !stale {
		s.version = rec.Version
	}
	t.mu.Unlock()

	if !stale && t.cb.OnProgress != nil {
		t.cb.OnProgress(family, rec)
	}
}

// finish settles a terminal record. The latch makes the outcome callback fire once
// no matter how many paths observe the terminal state.
func (t *Tracker) finish(family string, rec operations.ProgressRecord) {
	to := StateCompleted
	if rec.Status == operations.StatusError {
		to = StateErrored
	}
	t.setState(family, to)
	t.clear(family, rec.ID)

	if !t.latch.Fire(rec.ID) {
		return
	}
	if to == StateCompleted {
		if t.cb.OnCompleted != nil {
			t.cb.OnCompleted(family, rec)
		}
		return
	}
	if t.cb.OnError != nil {
		t.cb.OnError(family, rec)
	}
}

func (t *Tracker) inconclusive(family, id string) {
	t.setState(family, StateIdle)
	t.clear(family, id)
	if t.latch.Fire(id) && t.cb.OnInconclusive != nil {
		t.cb.OnInconclusive(family, id)
	}
}

func (t *Tracker) connectionLost(family, id string, err error) {
	t.logger.Warn("connection lost, job may still be running",
		slog.String("family", family),
		slog.String("operation_id", id),
		slog.String("error", err.Error()))
	if t.cb.OnConnectionLost != nil {
		t.cb.OnConnectionLost(family, id, err)
	}
}

// clear removes the persisted id if it still belongs to id
func (t *Tracker) clear(family, id string) {
	stored, ok, err := t.store.Get(family)
	if err == nil && ok && stored == id {
		err = t.store.Clear(family)
	}
	if err != nil {
		t.logger.Warn("failed to clear persisted operation id",
			slog.String("family", family),
			slog.String("error", err.Error()))
	}
}

// session returns the family's session, creating it idle. Callers hold t.mu.
func (t *Tracker) session(family string) *session {
	s, ok := t.sessions[family]
	if !ok {
		s = &session{state: StateIdle}
		t.sessions[family] = s
	}
	return s
}

func (t *Tracker) transition(family string, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session(family)
	if !CanTransition(s.state, to) {
		return transitionError(s.state, to)
	}
	s.state = to
	if to == StateStarting || to == StateReconnecting {
		s.version = 0
	}
	return nil
}

// setState is transition for internal paths, where a lost race leaves the state as is
func (t *Tracker) setState(family string, to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session(family)
	if s.state == to {
		return
	}
	if !CanTransition(s.state, to) {
		t.logger.Debug("ignoring transition",
			slog.String("family", family),
			slog.String("from", string(s.state)),
			slog.String("to", string(to)))
		return
	}
	s.state = to
}
