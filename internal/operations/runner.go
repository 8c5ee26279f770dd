package operations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fauxnetd/internal/infrastructure"
)

// PhaseFunc runs the collaborator call behind one phase
type PhaseFunc func(ctx context.Context, phase PhaseDefinition, pc *PhaseContext) error

// Job describes one operation to run
type Job struct {
	Kind    Kind
	Owner   string
	Catalog *Catalog
	// Phases selects a subset of the catalog. Empty runs every phase.
	Phases []int
	// Satisfied reports prerequisites completed by earlier runs
	Satisfied func(int) bool
	Run       PhaseFunc
	// DedupeKey identifies equivalent requests; a second start with the same key
	// returns the running operation instead of starting another.
	DedupeKey string
	// Values seeds the data shared between phases
	Values map[string]interface{}
}

// Started is returned by Runner.Start
type Started struct {
	OperationID string `json:"operation_id"`
	Phases      []int  `json:"phases"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithTracer sets the OpenTelemetry tracer
func WithTracer(t *OperationTracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithRunnerLogger sets the logger
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// Runner executes jobs as ordered phase sequences against a Registry.
// Each job runs on its own goroutine; there is no cancellation once started.
type Runner struct {
	registry *Registry
	tracer   *OperationTracer
	logger   *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]string
}

// NewRunner creates a runner bound to registry
func NewRunner(registry *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		logger:   slog.Default(),
		inflight: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "runner"))
	return r
}

// Start validates the job, creates its record and launches it. It returns as soon as
// the record exists; the phases run in the background.
func (r *Runner) Start(ctx context.Context, job Job) (Started, error) {
	if job.Catalog == nil || job.Run == nil {
		return Started{}, NewValidationError("job requires a phase catalog and a phase function")
	}
	requested := job.Phases
	if len(requested) == 0 {
		requested = job.Catalog.Numbers()
	}
	plan, err := job.Catalog.Plan(requested, job.Satisfied)
	if err != nil {
		return Started{}, err
	}
	numbers := PlanNumbers(plan)

	r.mu.Lock()
	if job.DedupeKey != "" {
		if id, ok := r.inflight[job.DedupeKey]; ok {
			if rec, err := r.registry.Get(ctx, id); err == nil && !rec.IsTerminal() {
				r.mu.Unlock()
				r.logger.InfoContext(ctx, "duplicate start joined running operation",
					slog.String("operation_id", id),
					slog.String("kind", string(job.Kind)))
				infrastructure.AddSpanEvent(ctx, "operation.duplicate_start", map[string]interface{}{
					"operation.id":   id,
					"operation.kind": string(job.Kind),
				})
				return Started{OperationID: id, Phases: numbers, Duplicate: true}, nil
			}
		}
	}
	rec, err := r.registry.Create(job.Kind, job.Owner, job.Catalog.Max())
	if err != nil {
		r.mu.Unlock()
		return Started{}, err
	}
	if job.DedupeKey != "" {
		r.inflight[job.DedupeKey] = rec.ID
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "operation started",
		slog.String("operation_id", rec.ID),
		slog.String("kind", string(job.Kind)),
		slog.Any("phases", numbers))

	// the run outlives the request but keeps its trace id for log correlation
	go r.execute(infrastructure.EnsureTraceID(context.WithoutCancel(ctx)), rec.ID, job, plan)

	return Started{OperationID: rec.ID, Phases: numbers}, nil
}

// Wait blocks until every started job has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(ctx context.Context, id string, job Job, plan []PhaseDefinition) {
	defer r.wg.Done()
	defer r.release(job.DedupeKey, id)

	logger := r.logger.With(slog.String("operation_id", id), slog.String("kind", string(job.Kind)))
	runCtx, span := r.tracer.TraceRun(ctx, id, job.Kind, PlanNumbers(plan))
	started := time.Now()

	shared := make(map[string]interface{}, len(job.Values))
	for k, v := range job.Values {
		shared[k] = v
	}
	result := make(map[string]interface{})

	var failure *OperationError
	var failedPhase PhaseDefinition
	for idx, def := range plan {
		r.update(logger, id, func(rec *ProgressRecord) {
			rec.Status = StatusRunning
			rec.CurrentPhase = def.Number
			rec.CurrentPhaseName = def.Name
			rec.CurrentPhaseProgress = 0
			rec.CurrentPhaseTotal = 0
			rec.Progress = OverallPercent(plan, idx, 0)
			rec.AddMessage(time.Now(), LevelInfo, fmt.Sprintf("Phase %d: %s", def.Number, def.Name))
		})

		pc := &PhaseContext{
			OperationID: id,
			Phase:       def,
			runner:      r,
			logger:      logger,
			plan:        plan,
			idx:         idx,
			shared:      shared,
			result:      result,
		}
		phaseCtx, phaseSpan := r.tracer.TracePhase(runCtx, id, job.Kind, def)
		phaseStart := time.Now()
		err := r.runPhase(phaseCtx, job.Run, def, pc)
		r.tracer.EndPhase(phaseCtx, phaseSpan, job.Kind, def, time.Since(phaseStart), err)

		if err != nil {
			failure = AsCollaboratorError(def.Number, err)
			failedPhase = def
			break
		}

		r.update(logger, id, func(rec *ProgressRecord) {
			if rec.CurrentPhaseTotal > 0 {
				rec.CurrentPhaseProgress = rec.CurrentPhaseTotal
			}
			rec.Progress = OverallPercent(plan, idx+1, 0)
			rec.AddMessage(time.Now(), LevelSuccess, fmt.Sprintf("Phase %d completed: %s", def.Number, def.Name))
		})
	}

	if failure != nil {
		detail := failure.Detail()
		r.update(logger, id, func(rec *ProgressRecord) {
			rec.Status = StatusError
			rec.Error = detail
			rec.AddMessage(time.Now(), LevelError, fmt.Sprintf("Phase %d failed: %s", failedPhase.Number, detail))
		})
		logger.ErrorContext(ctx, "operation failed",
			slog.Int("phase", failedPhase.Number),
			slog.String("error", detail))
		r.tracer.EndRun(runCtx, span, job.Kind, time.Since(started), StatusError, failure)
		return
	}

	r.update(logger, id, func(rec *ProgressRecord) {
		rec.Status = StatusCompleted
		rec.Result = result
		rec.AddMessage(time.Now(), LevelSuccess, "Operation completed successfully")
	})
	logger.InfoContext(ctx, "operation completed", slog.Duration("duration", time.Since(started)))
	r.tracer.EndRun(runCtx, span, job.Kind, time.Since(started), StatusCompleted, nil)
}

// runPhase calls the phase body and turns a panic into an ordinary failure
func (r *Runner) runPhase(ctx context.Context, fn PhaseFunc, def PhaseDefinition, pc *PhaseContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("phase panicked",
				slog.String("operation_id", pc.OperationID),
				slog.Int("phase", def.Number),
				slog.Any("panic", rec))
			err = NewCollaboratorError(fmt.Sprintf("phase %d panicked: %v", def.Number, rec), nil)
		}
	}()
	return fn(ctx, def, pc)
}

func (r *Runner) update(logger *slog.Logger, id string, mutate func(*ProgressRecord)) {
	if _, err := r.registry.Update(id, mutate); err != nil {
		logger.Warn("progress update rejected", slog.String("error", err.Error()))
	}
}

func (r *Runner) release(key, id string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	if r.inflight[key] == id {
		delete(r.inflight, key)
	}
	r.mu.Unlock()
}

// PhaseContext is handed to a phase body for reporting progress.
// Its methods are safe to call from several goroutines inside one phase.
type PhaseContext struct {
	OperationID string
	Phase       PhaseDefinition

	runner *Runner
	logger *slog.Logger
	plan   []PhaseDefinition
	idx    int

	mu     sync.Mutex
	shared map[string]interface{}
	result map[string]interface{}
}

// Step reports sub-phase progress
func (pc *PhaseContext) Step(current, total int) {
	fraction := 0.0
	if total > 0 {
		fraction = float64(current) / float64(total)
	}
	pc.runner.update(pc.logger, pc.OperationID, func(rec *ProgressRecord) {
		rec.CurrentPhaseProgress = current
		rec.CurrentPhaseTotal = total
		rec.Progress = OverallPercent(pc.plan, pc.idx, fraction)
	})
}

// Log appends a message to the record
func (pc *PhaseContext) Log(level, text string) {
	pc.runner.update(pc.logger, pc.OperationID, func(rec *ProgressRecord) {
		rec.AddMessage(time.Now(), level, text)
	})
}

// Logf appends a formatted message to the record
func (pc *PhaseContext) Logf(level, format string, args ...interface{}) {
	pc.Log(level, fmt.Sprintf(format, args...))
}

// SetResult stores a field of the final result payload
func (pc *PhaseContext) SetResult(key string, value interface{}) {
	pc.mu.Lock()
	pc.result[key] = value
	pc.mu.Unlock()
}

// Set stores a value for later phases of the same run
func (pc *PhaseContext) Set(key string, value interface{}) {
	pc.mu.Lock()
	pc.shared[key] = value
	pc.mu.Unlock()
}

// Get reads a value stored by an earlier phase or seeded by the job
func (pc *PhaseContext) Get(key string) (interface{}, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	v, ok := pc.shared[key]
	return v, ok
}

// GetString reads a string value, returning "" when absent
func (pc *PhaseContext) GetString(key string) string {
	v, _ := pc.Get(key)
	s, _ := v.(string)
	return s
}
