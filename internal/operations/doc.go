// Package operations tracks long-running, multi-phase jobs and reports their progress.
//
// A client starts a job and receives an operation id immediately. The job then runs
// in the background while clients observe it by polling or by following a push
// stream. Both delivery channels are built on one primitive, Observer.
//
// Core Components:
//
// Registry: Process-wide store of ProgressRecord values keyed by operation id. It is
// constructed explicitly and passed to every handler and runner. The map itself is
// guarded by one lock, and each record has its own lock so that unrelated operations
// never wait on each other. Terminal records are immutable and are evicted after a
// retention window.
//
// Catalog: Declarative list of PhaseDefinition values with prerequisites and progress
// weights. Plan validates a requested subset against the dependency graph.
//
// Runner: Executes a Job phase by phase. It is fail-fast: the first failing phase sets
// the record to error with the collaborator's detail, and later phases never run.
// Overall percentage is derived from the phase weights.
//
// Observer: Snapshot serves polling. Follow serves push streams. It emits the current
// state and then one snapshot per mutation until the terminal snapshot, the idle
// limit, or the observer leaving.
//
// Sweeper: Cron-driven eviction of expired records and purging of archived ones.
//
// Example usage:
//
//	registry := operations.NewRegistry(operations.RegistryConfig{})
//	runner := operations.NewRunner(registry)
//
//	started, err := runner.Start(ctx, operations.Job{
//		Kind:    operations.KindPhaseRun,
//		Owner:   "operator",
//		Catalog: catalog,
//		Phases:  []int{1, 2, 3},
//		Run:     workspace.RunPhase,
//	})
//
//	err = operations.NewObserver(registry).Follow(ctx, started.OperationID,
//		operations.FollowOptions{Heartbeat: 15 * time.Second},
//		func(ev operations.Event) error { return send(ev) })
//
// Jobs cannot be cancelled once started. Detaching an observer only stops observation.
package operations
